package taskcontext_test

import (
	"sync"
	"testing"

	"github.com/codeready-toolchain/evalharness/internal/taskcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterResolveIdempotent(t *testing.T) {
	r := taskcontext.NewRegistry()
	r.Register("agent-task-1", 42)
	r.Register("agent-task-1", 42) // idempotent

	id, ok := r.Resolve("agent-task-1")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = r.Resolve("unknown")
	assert.False(t, ok)
}

func TestContextLifecycle(t *testing.T) {
	r := taskcontext.NewRegistry()
	r.Register("agent-task-1", 42)
	r.SetContext(42, &taskcontext.Context{TaskID: 42, RunID: 1, MCPServer: "github"})

	ctx, ok := r.GetContext(42)
	require.True(t, ok)
	assert.Equal(t, "github", ctx.MCPServer)

	r.Drop("agent-task-1", 42)
	_, ok = r.GetContext(42)
	assert.False(t, ok)
	_, ok = r.Resolve("agent-task-1")
	assert.False(t, ok)
}

func TestIncrementStepMissingContext(t *testing.T) {
	r := taskcontext.NewRegistry()
	_, ok := r.IncrementStep(99)
	assert.False(t, ok)
}

func TestIncrementStepConcurrent(t *testing.T) {
	r := taskcontext.NewRegistry()
	r.SetContext(1, &taskcontext.Context{TaskID: 1})

	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = r.IncrementStep(1)
		}()
	}
	wg.Wait()

	ctx, ok := r.GetContext(1)
	require.True(t, ok)
	assert.Equal(t, n, ctx.CurrentStep)
}
