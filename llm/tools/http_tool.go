package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/brokerflow/llm"
	"github.com/BaSui01/brokerflow/types"
	"go.uber.org/zap"
)

// maxHTTPToolResponse caps the body read from a tool endpoint.
const maxHTTPToolResponse = 1 << 20

// HTTPToolConfig describes a tool served by a remote endpoint, e.g. a carrier
// search or a mail gateway. Arguments are POSTed as JSON and the JSON response
// body is the tool result.
type HTTPToolConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	URL         string            `yaml:"url" json:"url"`
	Headers     map[string]string `yaml:"headers" json:"headers,omitempty"`
	// JSON Schema of the arguments; empty accepts any object
	Parameters json.RawMessage  `yaml:"-" json:"parameters,omitempty"`
	Timeout    time.Duration    `yaml:"timeout" json:"timeout"`
	RateLimit  *RateLimitConfig `yaml:"-" json:"-"`
}

// NewHTTPTool creates a ToolFunc that calls cfg.URL.
// Register it with a ToolRegistry to make it available to agents.
func NewHTTPTool(cfg HTTPToolConfig, client *http.Client, logger *zap.Logger) (ToolFunc, ToolMetadata) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	logger = logger.With(zap.String("tool", cfg.Name))

	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(args))
		if err != nil {
			return nil, types.NewError(types.ErrToolPermanent, "invalid tool endpoint").WithCause(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, types.NewError(types.ErrConnection, fmt.Sprintf("%s unreachable", cfg.Name)).
				WithCause(err).WithRetryable(true)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPToolResponse))
		if err != nil {
			return nil, types.NewError(types.ErrConnection, "read tool response").WithCause(err).WithRetryable(true)
		}
		if resp.StatusCode >= 400 {
			logger.Debug("tool endpoint returned error",
				zap.Int("status", resp.StatusCode),
				zap.Duration("duration", time.Since(start)))
			return nil, llm.ErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if !json.Valid(body) {
			return nil, &PermanentToolError{Tool: cfg.Name, Err: fmt.Errorf("endpoint returned non-JSON body")}
		}

		logger.Debug("tool endpoint completed",
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))
		return json.RawMessage(body), nil
	}

	params := cfg.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	metadata := ToolMetadata{
		Schema: types.ToolSchema{
			Name:        cfg.Name,
			Description: cfg.Description,
			Parameters:  params,
		},
		RateLimit:   cfg.RateLimit,
		Timeout:     cfg.Timeout,
		Description: cfg.Description,
	}
	return fn, metadata
}
