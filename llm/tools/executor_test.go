package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/brokerflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoTool(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func TestDefaultRegistry_RegisterAndList(t *testing.T) {
	reg := NewDefaultRegistry(zap.NewNop())
	require.NoError(t, reg.Register("zeta", echoTool, ToolMetadata{}))
	require.NoError(t, reg.Register("alpha", echoTool, ToolMetadata{Description: "first"}))

	assert.True(t, reg.Has("alpha"))
	assert.Error(t, reg.Register("alpha", echoTool, ToolMetadata{}), "duplicate registration")
	assert.Error(t, reg.Register("beta", echoTool, ToolMetadata{Schema: types.ToolSchema{Name: "other"}}))

	schemas := reg.List()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "first", schemas[0].Description)

	_, meta, err := reg.Get("zeta")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, meta.Timeout)

	require.NoError(t, reg.Unregister("zeta"))
	_, _, err = reg.Get("zeta")
	assert.True(t, types.IsErrorCode(err, types.ErrToolNotFound))
}

func TestDefaultRegistry_RejectsBadSchema(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	err := reg.Register("broken", echoTool, ToolMetadata{
		Schema: types.ToolSchema{Parameters: json.RawMessage(`{"type": 12}`)},
	})
	assert.Error(t, err)
	assert.False(t, reg.Has("broken"))
}

func TestInvoker_Success(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("echo", echoTool, ToolMetadata{}))

	inv := NewInvoker(reg, nil)
	out, err := inv.Invoke(context.Background(), types.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(out))
}

func TestInvoker_UnknownToolIsPermanent(t *testing.T) {
	inv := NewInvoker(NewDefaultRegistry(nil), nil)
	_, err := inv.Invoke(context.Background(), types.ToolCall{ID: "c1", Name: "missing"})
	require.Error(t, err)
	assert.Equal(t, ClassPermanent, Classify(err))
}

func TestInvoker_SchemaValidation(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("lookup_carrier", echoTool, ToolMetadata{
		Schema: types.ToolSchema{Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"naic": {"type": "string"}},
			"required": ["naic"]
		}`)},
	}))
	inv := NewInvoker(reg, nil)

	_, err := inv.Invoke(context.Background(), types.ToolCall{Name: "lookup_carrier", Arguments: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, types.ErrToolValidation, types.GetErrorCode(err))
	assert.False(t, IsRetryable(err))

	_, err = inv.Invoke(context.Background(), types.ToolCall{Name: "lookup_carrier", Arguments: json.RawMessage(`{"naic`)})
	assert.Equal(t, types.ErrToolValidation, types.GetErrorCode(err))

	out, err := inv.Invoke(context.Background(), types.ToolCall{Name: "lookup_carrier", Arguments: json.RawMessage(`{"naic":"12345"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"naic":"12345"}`, string(out))
}

func TestInvoker_Timeout(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, ToolMetadata{Timeout: 20 * time.Millisecond}))

	inv := NewInvoker(reg, nil)
	_, err := inv.Invoke(context.Background(), types.ToolCall{Name: "slow"})
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
	assert.True(t, IsRetryable(err))
}

func TestInvoker_RateLimit(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("search", echoTool, ToolMetadata{
		RateLimit: &RateLimitConfig{Rate: 0.001, Burst: 1},
	}))
	inv := NewInvoker(reg, nil)

	_, err := inv.Invoke(context.Background(), types.ToolCall{Name: "search"})
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), types.ToolCall{Name: "search"})
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.True(t, IsRetryable(err))
}

func TestInvoker_HandlerErrorPassesThrough(t *testing.T) {
	boom := errors.New("carrier portal: 401 unauthorized")
	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("portal", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	}, ToolMetadata{}))

	_, err := NewInvoker(reg, nil).Invoke(context.Background(), types.ToolCall{Name: "portal"})
	assert.ErrorIs(t, err, boom)
}
