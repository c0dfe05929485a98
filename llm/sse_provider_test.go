package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/brokerflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSSEProvider_StreamsChunksUntilDone(t *testing.T) {
	var received ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []StreamChunk{
			{Delta: Message{Role: RoleAssistant, Content: "Hel"}},
			{Delta: Message{Role: RoleAssistant, Content: "lo"}, FinishReason: FinishReasonStop},
		} {
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewSSEProvider(SSEProviderConfig{Endpoint: server.URL, APIKey: "secret", Model: "broker-1"}, zap.NewNop())
	ch, err := p.Stream(context.Background(), &ChatRequest{Messages: []Message{types.NewUserMessage("hi")}})
	require.NoError(t, err)

	var content string
	var finish string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Delta.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "Hello", content)
	assert.Equal(t, FinishReasonStop, finish)
	assert.Equal(t, "broker-1", received.Model)
	assert.Equal(t, "sse", p.Name())
}

func TestSSEProvider_MapsHTTPErrors(t *testing.T) {
	cases := []struct {
		status    int
		code      types.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, types.ErrUnauthorized, false},
		{http.StatusTooManyRequests, types.ErrRateLimited, true},
		{http.StatusServiceUnavailable, types.ErrUnavailable, true},
		{http.StatusBadRequest, types.ErrInvalidRequest, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer server.Close()

			p := NewSSEProvider(SSEProviderConfig{Endpoint: server.URL}, nil)
			_, err := p.Stream(context.Background(), &ChatRequest{})
			require.Error(t, err)
			assert.Equal(t, tc.code, types.GetErrorCode(err))
			assert.Equal(t, tc.retryable, types.IsRetryable(err))
		})
	}
}

func TestSSEProvider_TimeoutDoesNotCutLongStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for i := 0; i < 5; i++ {
			time.Sleep(40 * time.Millisecond)
			data, _ := json.Marshal(StreamChunk{Delta: Message{Role: RoleAssistant, Content: fmt.Sprintf("%d", i)}})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	// 整个流约 200ms，远超 50ms 的首包超时
	p := NewSSEProvider(SSEProviderConfig{Endpoint: server.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	ch, err := p.Stream(context.Background(), &ChatRequest{Messages: []Message{types.NewUserMessage("long quote")}})
	require.NoError(t, err)

	var content string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Delta.Content
	}
	assert.Equal(t, "01234", content)
}

func TestSSEProvider_TimeoutBoundsResponseHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := NewSSEProvider(SSEProviderConfig{Endpoint: server.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := p.Stream(context.Background(), &ChatRequest{Messages: []Message{types.NewUserMessage("hi")}})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}
