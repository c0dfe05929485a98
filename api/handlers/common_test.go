package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/brokerflow/types"
	"github.com/BaSui01/brokerflow/workflow"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, []int{1, 2, 3})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `[1,2,3]`, w.Body.String())
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, http.StatusCreated, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusCreated, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrInstanceNotFound, http.StatusNotFound},
		{types.ErrInvalidTransition, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, types.NewError(tt.code, "boom"), zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.Equal(t, "boom", resp.Error.Message)
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantCode      types.ErrorCode
		wantRetryable bool
	}{
		{
			name:       "not found",
			err:        fmt.Errorf("load: %w", workflow.ErrInstanceNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   types.ErrInstanceNotFound,
		},
		{
			name:       "invalid transition",
			err:        &workflow.InvalidTransitionError{InstanceID: "wf-1", From: workflow.StateCompleted, To: workflow.StateCancelled},
			wantStatus: http.StatusConflict,
			wantCode:   types.ErrInvalidTransition,
		},
		{
			name:          "concurrent modification",
			err:           &workflow.ConcurrentModificationError{InstanceID: "wf-1"},
			wantStatus:    http.StatusConflict,
			wantCode:      types.ErrConcurrentModification,
			wantRetryable: true,
		},
		{
			name:       "structured",
			err:        types.NewError(types.ErrUnavailable, "redis down"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.ErrUnavailable,
		},
		{
			name:       "plain",
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   types.ErrInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteServiceError(w, tt.err, nil)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
			assert.Equal(t, tt.wantRetryable, resp.Error.Retryable)
		})
	}

	// 内部错误不外泄细节
	w := httptest.NewRecorder()
	WriteServiceError(w, errors.New("password=hunter2"), nil)
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"test","value":123}`, false},
		{"invalid JSON", `{"name":"test",}`, true},
		{"unknown field", `{"name":"test","unknown":"field"}`, true},
		{"oversized", `{"name":"` + strings.Repeat("x", 2<<20) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))

			var got payload
			err := DecodeJSONBody(w, r, &got, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, payload{Name: "test", Value: 123}, got)
		})
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/test", http.NoBody)
	assert.Error(t, DecodeJSONBody(w, r, &payload{}, nil))
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/json; charset=UTF-8", true},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", nil)
			r.Header.Set("Content-Type", tt.contentType)
			assert.Equal(t, tt.want, ValidateContentType(w, r, nil))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	n, err := rw.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
