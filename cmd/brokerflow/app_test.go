package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/brokerflow/config"
	"github.com/BaSui01/brokerflow/internal/metrics"
	"github.com/BaSui01/brokerflow/workflow"
)

// 默认 Registry 中每个 namespace 只能注册一次
var testCollector = sync.OnceValue(func() *metrics.Collector {
	return metrics.NewCollector("brokerflow_apptest", zap.NewNop())
})

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Queue.PollInterval = 5 * time.Millisecond
	cfg.Queue.BaseBackoff = time.Millisecond
	cfg.Queue.MaxBackoff = 10 * time.Millisecond
	cfg.Handoff.SweepInterval = 10 * time.Millisecond
	cfg.Tools.BaseDelay = time.Millisecond
	cfg.Tools.MaxDelay = 5 * time.Millisecond
	cfg.Server.RateLimitRPS = 0
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	require.NoError(t, cfg.Validate())
	app, err := NewApp(cfg, testCollector(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	srv := httptest.NewServer(app.Handler("test"))
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, app.Close())
	})
	return srv
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func call(t *testing.T, method, url, body, token string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func startAndWait(t *testing.T, srv *httptest.Server, token string) *workflow.Instance {
	t.Helper()
	status, env := call(t, http.MethodPost, srv.URL+"/v1/requests", `{"business_request_id":"RFQ-7","input":{"lane":"SHA-LAX"}}`, token)
	require.Equal(t, http.StatusCreated, status)
	var inst workflow.Instance
	require.NoError(t, json.Unmarshal(env.Data, &inst))

	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/requests/"+inst.ID, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var env envelope
		if json.NewDecoder(resp.Body).Decode(&env) != nil {
			return false
		}
		return json.Unmarshal(env.Data, &inst) == nil && inst.CurrentState.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return &inst
}

func TestApp_RequestRunsToCompletion(t *testing.T) {
	srv := startApp(t, testConfig())

	inst := startAndWait(t, srv, "")
	assert.Equal(t, workflow.StateCompleted, inst.CurrentState)

	var path []workflow.State
	for _, tr := range inst.History {
		path = append(path, tr.To)
	}
	assert.Equal(t, []workflow.State{
		workflow.StateCreated,
		workflow.StateAnalyzing,
		workflow.StateSearching,
		workflow.StateAwaitingResponses,
		workflow.StateAnalyzingResponses,
		workflow.StateGeneratingOutput,
		workflow.StateDelivering,
		workflow.StateCompleted,
	}, path)
}

func TestApp_SQLiteStoreAndToolEndpoint(t *testing.T) {
	var searches atomic.Int32
	carriers := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 第一次调用失败，由重试执行器吸收
		if searches.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"carriers":["COSCO"]}`))
	}))
	defer carriers.Close()

	cfg := testConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "brokerflow.db")
	cfg.Database.MaxOpenConns = 1
	cfg.Database.MaxIdleConns = 1
	cfg.Tools.Endpoints = []config.ToolEndpoint{{Name: "search_carriers", URL: carriers.URL}}
	srv := startApp(t, cfg)

	inst := startAndWait(t, srv, "")
	assert.Equal(t, workflow.StateCompleted, inst.CurrentState)
	assert.Equal(t, int32(2), searches.Load())

	status, env := call(t, http.MethodGet, srv.URL+"/v1/requests?state=COMPLETED", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), inst.ID)

	status, _ = call(t, http.MethodGet, srv.URL+"/ready", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestApp_JWTProtectsAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Server.JWTSecret = "test-secret"
	srv := startApp(t, cfg)

	status, env := call(t, http.MethodGet, srv.URL+"/v1/requests", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	status, _ = call(t, http.MethodGet, srv.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, status)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	status, _ = call(t, http.MethodGet, srv.URL+"/v1/requests", "", token)
	assert.Equal(t, http.StatusOK, status)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	status, _ = call(t, http.MethodGet, srv.URL+"/v1/requests", "", forged)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestApp_MetricsEndpoint(t *testing.T) {
	srv := startApp(t, testConfig())
	startAndWait(t, srv, "")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb bytes.Buffer
	_, err = sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	body := sb.String()
	assert.Contains(t, body, `brokerflow_apptest_http_requests_total{method="POST",path="/v1/requests",status="201"}`)
	assert.Contains(t, body, "brokerflow_apptest_workflow_transitions_total")
}

func TestApp_UnsupportedQueueStore(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Store = "nats"
	_, err := NewApp(cfg, testCollector(), zap.NewNop())
	require.Error(t, err)
}
