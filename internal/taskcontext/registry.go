// Package taskcontext mediates between the agent's opaque task
// identifiers and the store's integer task ids. It is the only component
// shared, read-write, between the session driver (writer) and the span
// ingestor (reader).
package taskcontext

import (
	"sync"
	"time"
)

// Context is the in-memory-only record tracked per running task. It is
// created at session handshake and discarded when the task finishes.
type Context struct {
	TaskID      int64
	RunID       int64
	MCPServer   string
	UserIntent  string
	StartTime   time.Time
	CurrentStep int
	TotalSteps  int
}

// Registry is a concurrent mapping from an agent's opaque task id to the
// store's numeric task id, plus the per-task Context keyed by that
// numeric id. For the lifetime of a task both a mapping and a context
// exist.
type Registry struct {
	mu        sync.RWMutex
	byAgentID map[string]int64
	contexts  map[int64]*Context
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byAgentID: make(map[string]int64),
		contexts:  make(map[int64]*Context),
	}
}

// Register inserts the agentTaskID → numericTaskID mapping. Idempotent:
// calling it again with the same pair is a no-op.
func (r *Registry) Register(agentTaskID string, numericTaskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgentID[agentTaskID] = numericTaskID
}

// Resolve looks up the numeric task id for an agent-supplied task id.
func (r *Registry) Resolve(agentTaskID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAgentID[agentTaskID]
	return id, ok
}

// SetContext stores or replaces the Context for a numeric task id.
func (r *Registry) SetContext(numericTaskID int64, ctx *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[numericTaskID] = ctx
}

// GetContext returns the Context for a numeric task id, if one exists.
func (r *Registry) GetContext(numericTaskID int64) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[numericTaskID]
	return ctx, ok
}

// IncrementStep atomically advances CurrentStep for numericTaskID and
// returns the new step number. Returns 0, false if no context is
// registered for that task (the caller should drop the span).
func (r *Registry) IncrementStep(numericTaskID int64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[numericTaskID]
	if !ok {
		return 0, false
	}
	ctx.CurrentStep++
	return ctx.CurrentStep, true
}

// Drop removes both the agent-id mapping and the Context for a task,
// once it finishes. Safe to call more than once.
func (r *Registry) Drop(agentTaskID string, numericTaskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAgentID, agentTaskID)
	delete(r.contexts, numericTaskID)
}
