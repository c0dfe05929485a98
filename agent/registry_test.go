package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingAgent struct {
	*FuncAgent
	closed bool
	err    error
}

func (c *closingAgent) Close() error {
	c.closed = true
	return c.err
}

func echoAgent(id string, caps ...Capability) *FuncAgent {
	return NewFuncAgent(id, func(_ context.Context, task *persistence.Task) (json.RawMessage, error) {
		return task.Payload, nil
	}, caps...)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(echoAgent("delegator", "delegate")))
	require.NoError(t, r.Register(echoAgent("searcher", "search", "analyze")))
	require.NoError(t, r.Register(echoAgent("analyst", "analyze")))

	assert.True(t, r.Has("searcher"))
	assert.False(t, r.Has("ghost"))

	a, ok := r.Get("analyst")
	require.True(t, ok)
	assert.Equal(t, "analyst", a.ID())

	var ids []string
	for _, a := range r.List() {
		ids = append(ids, a.ID())
	}
	assert.Equal(t, []string{"delegator", "searcher", "analyst"}, ids)
	assert.Equal(t, []string{"analyst", "searcher"}, r.FindByCapability("analyze"))
}

func TestRegistry_RejectsDuplicatesAndEmptyIDs(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoAgent("a")))
	assert.Error(t, r.Register(echoAgent("a")))
	assert.Error(t, r.Register(echoAgent("")))
	assert.Error(t, r.Register(nil))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoAgent("a")))
	require.NoError(t, r.Register(echoAgent("b")))

	require.NoError(t, r.Unregister("a"))
	assert.False(t, r.Has("a"))
	assert.Len(t, r.List(), 1)
	assert.Error(t, r.Unregister("a"))
}

func TestRegistry_CloseReleasesAgents(t *testing.T) {
	r := NewRegistry(nil)
	good := &closingAgent{FuncAgent: echoAgent("good")}
	bad := &closingAgent{FuncAgent: echoAgent("bad"), err: errors.New("boom")}
	require.NoError(t, r.Register(good))
	require.NoError(t, r.Register(bad))

	err := r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, good.closed)
	assert.True(t, bad.closed)

	assert.Empty(t, r.List())
	assert.ErrorIs(t, r.Register(echoAgent("late")), ErrRegistryClosed)
}

func TestFuncAgent_ReviewDefaultsToAccept(t *testing.T) {
	a := echoAgent("x")
	ok, reason := a.ReviewHandoff(context.Background(), "y", "search")
	assert.True(t, ok)
	assert.Empty(t, reason)

	a.WithReview(func(_ context.Context, from, taskType string) (bool, string) {
		return false, "busy with " + taskType
	})
	ok, reason = a.ReviewHandoff(context.Background(), "y", "search")
	assert.False(t, ok)
	assert.Equal(t, "busy with search", reason)
}

func TestFuncAgent_NilExecutor(t *testing.T) {
	a := NewFuncAgent("empty", nil)
	_, err := a.Execute(context.Background(), &persistence.Task{ID: "t"})
	assert.Error(t, err)
}
