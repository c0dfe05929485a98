package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/brokerflow/types"
	"go.uber.org/zap"
)

// SSEProviderConfig configures an SSEProvider.
type SSEProviderConfig struct {
	Name     string `yaml:"name" json:"name"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Model    string `yaml:"model" json:"model"`
	// Timeout bounds the wait for response headers. The stream body is
	// bounded only by the caller's context.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// SSEProvider talks to a completion service that accepts a ChatRequest as JSON
// and answers with `data: <StreamChunk JSON>` lines terminated by `data: [DONE]`.
type SSEProvider struct {
	cfg    SSEProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewSSEProvider creates a provider for the given endpoint.
func NewSSEProvider(cfg SSEProviderConfig, logger *zap.Logger) *SSEProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "sse"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	return &SSEProvider{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("component", "sse_provider"), zap.String("provider", cfg.Name)),
	}
}

// Name implements Provider.
func (p *SSEProvider) Name() string { return p.cfg.Name }

// Stream implements Provider.
func (p *SSEProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body := *req
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "completion service unreachable").
			WithCause(err).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, ErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	p.logger.Debug("stream opened", zap.Int("messages", len(req.Messages)), zap.Int("tools", len(req.Tools)))
	return streamSSE(ctx, resp.Body), nil
}

// streamSSE parses the event stream into chunks.
func streamSSE(ctx context.Context, body io.ReadCloser) <-chan StreamChunk {
	ch := make(chan StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					emit(ctx, ch, StreamChunk{Err: types.NewError(types.ErrConnection, err.Error()).WithRetryable(true)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				emit(ctx, ch, StreamChunk{Err: types.NewError(types.ErrInternalError, "malformed chunk").WithCause(err)})
				return
			}
			if !emit(ctx, ch, chunk) {
				return
			}
		}
	}()
	return ch
}

func emit(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

// ErrorFromStatus maps an HTTP error status to a typed error.
func ErrorFromStatus(status int, msg string) *types.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, msg)
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithRetryable(true)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrTimeout, msg).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUnavailable, msg).WithRetryable(true)
	default:
		return types.NewError(types.ErrInvalidRequest, msg)
	}
}
