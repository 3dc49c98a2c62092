// Package session implements the per-task driver state machine: it owns
// one task's lifetime from agent spawn through handshake, running,
// testing, and idempotent teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/evalharness/internal/ingest"
	"github.com/codeready-toolchain/evalharness/internal/ipc"
	"github.com/codeready-toolchain/evalharness/internal/store"
	"github.com/codeready-toolchain/evalharness/internal/supervisor"
	"github.com/codeready-toolchain/evalharness/internal/taskcontext"
	"github.com/codeready-toolchain/evalharness/internal/testrunner"
)

// Transport is the subset of *ipc.Session a Driver needs; satisfied by
// *ipc.Session in production and fakeable in tests.
type Transport interface {
	Send(ipc.TaskCommand) error
	Events() <-chan ipc.TaskEvent
	Err() error
	Close() error
}

// Agent is the subset of *supervisor.AgentHandle a Driver needs.
type Agent interface {
	Wait(ctx context.Context) (supervisor.ExitCause, error)
	Kill(cause supervisor.ExitCause) error
	Done() <-chan struct{}
}

var errHandshakeRejected = errors.New("session: handshake rejected")

// Task is the static description of the work one Driver instance drives.
type Task struct {
	TaskID       int64
	RunID        int64
	Language     string
	Exercise     string
	Prompt       string
	Workspace    string
	MCPServer    string
	UserIntent   string
	OTLPEndpoint string

	// Settings is the run's opaque agent configuration, forwarded verbatim
	// as StartNewTask's configuration payload.
	Settings json.RawMessage
}

// Config bounds a Driver's timeouts and resolves run-level policy flags.
type Config struct {
	HandshakeTimeout   time.Duration
	TaskTimeout        time.Duration
	CancelGrace        time.Duration
	TestCommandTimeout time.Duration

	// DisableEmptyBenchmark: the default (false) keeps a benchmark row
	// that closed with zero ingested steps; set true to delete it
	// instead. Phrased as a negative so the zero Config value keeps the
	// row.
	DisableEmptyBenchmark bool
}

// Driver owns one task's lifetime end to end.
type Driver struct {
	task   Task
	cfg    Config
	store  *store.Store
	reg    *taskcontext.Registry
	ingest *ingest.Ingestor
	log    *slog.Logger

	accept func(ctx context.Context) (Transport, error)
	spawn  func() (Agent, error)

	agent     Agent
	transport Transport

	mu          sync.Mutex
	state       State
	cause       FailCause
	benchmarkID int64
	rooTaskID   string
	startedAt   time.Time
	testPassed  bool
	finished    bool // FinishTask has been persisted

	metricsMu sync.Mutex
	metrics   store.TaskMetrics
}

// New builds a Driver for one task. accept blocks until a connection is
// available on the run's shared IPC listener or ctx is done; spawn
// launches the agent process for this task.
func New(task Task, cfg Config, st *store.Store, reg *taskcontext.Registry, ing *ingest.Ingestor,
	accept func(ctx context.Context) (Transport, error), spawn func() (Agent, error), log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		task: task, cfg: cfg, store: st, reg: reg, ingest: ing,
		accept: accept, spawn: spawn, log: log, state: StateNew,
	}
}

// State returns the driver's current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Cause returns why the driver failed, FailNone if it did not.
func (d *Driver) Cause() FailCause {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cause
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run drives the task to a terminal state. It never panics out to the
// caller — a single driver's failure must not terminate the scheduler —
// and never returns an error: the outcome is the task's persisted
// passed/failed state plus Cause() for diagnostics.
func (d *Driver) Run(ctx context.Context) {
	d.startedAt = time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("session: recovered panic in driver", "task_id", d.task.TaskID, "panic", r)
			// A panic is still a recorded task failure: persist
			// passed=false like any other fail path. fail skips the write
			// if the task was already finished before the panic hit.
			d.fail(FailAgentExit)
		}
		d.teardown(context.Background())
	}()

	taskCtx, cancelTask := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancelTask()

	d.setState(StateAwaitingConn)
	agent, err := d.spawn()
	if err != nil {
		d.log.Error("session: spawn failed", "task_id", d.task.TaskID, "error", err)
		d.fail(FailSpawnError)
		return
	}
	d.agent = agent

	hsCtx, cancelHS := context.WithTimeout(taskCtx, d.cfg.HandshakeTimeout)
	defer cancelHS()

	transport, err := d.accept(hsCtx)
	if err != nil {
		d.log.Warn("session: no agent connection within handshake window", "task_id", d.task.TaskID, "error", err)
		d.killAndFail(FailHandshakeTimeout)
		return
	}
	d.transport = transport

	d.setState(StateHandshake)
	rooTaskID := uuid.NewString()
	if err := d.handshake(hsCtx, rooTaskID); err != nil {
		d.log.Warn("session: handshake failed", "task_id", d.task.TaskID, "error", err)
		d.killAndFail(classifyHandshakeFailure(err))
		return
	}

	d.setState(StateRunning)
	if !d.runLoop(taskCtx, ctx) {
		return
	}

	d.setState(StateTesting)
	d.test(ctx)
}

func classifyHandshakeFailure(err error) FailCause {
	if errors.Is(err, errHandshakeRejected) {
		return FailHandshakeRejected
	}
	return FailHandshakeTimeout
}

func (d *Driver) handshake(ctx context.Context, rooTaskID string) error {
	err := d.transport.Send(ipc.TaskCommand{
		Kind: ipc.KindSetTaskContext,
		SetTaskContext: &ipc.SetTaskContextPayload{
			TaskID:       d.task.TaskID,
			RooTaskID:    rooTaskID,
			RunID:        d.task.RunID,
			MCPServer:    d.task.MCPServer,
			UserIntent:   d.task.UserIntent,
			OTLPEndpoint: d.task.OTLPEndpoint,
		},
	})
	if err != nil {
		return fmt.Errorf("send SetTaskContext: %w", err)
	}

	select {
	case evt, ok := <-d.transport.Events():
		if !ok {
			return fmt.Errorf("%w: session closed during handshake", ipc.ErrProtocol)
		}
		if evt.Kind != ipc.KindTaskContextConfirmation || evt.TaskContextConfirmation == nil {
			return fmt.Errorf("%w: unexpected event %q during handshake", ipc.ErrProtocol, evt.Kind)
		}
		if !evt.TaskContextConfirmation.Success {
			return fmt.Errorf("%w: %s", errHandshakeRejected, evt.TaskContextConfirmation.Error)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	benchmarkID, err := d.store.CreateBenchmark(ctx, d.task.RunID, d.task.TaskID, d.task.MCPServer, d.task.UserIntent)
	if err != nil {
		return fmt.Errorf("create benchmark: %w", err)
	}
	d.benchmarkID = benchmarkID
	if d.ingest != nil {
		d.ingest.BindBenchmark(d.task.TaskID, benchmarkID)
	}

	// Register the context only once the benchmark is bound, so any span
	// that correlates to this task has a benchmark to land under.
	d.rooTaskID = rooTaskID
	d.reg.Register(rooTaskID, d.task.TaskID)
	d.reg.SetContext(d.task.TaskID, &taskcontext.Context{
		TaskID:     d.task.TaskID,
		RunID:      d.task.RunID,
		MCPServer:  d.task.MCPServer,
		UserIntent: d.task.UserIntent,
		StartTime:  time.Now(),
	})

	return d.store.StartTask(ctx, d.task.TaskID)
}

// runLoop consumes TaskEvents until TaskCompleted (returns true, proceed
// to TESTING) or a terminal failure signal (returns false). Tie-break
// policy for conflicting signals: whichever one a select observes first
// wins; the other is discarded.
func (d *Driver) runLoop(taskCtx, runCtx context.Context) bool {
	if err := d.transport.Send(ipc.TaskCommand{
		Kind: ipc.KindStartNewTask,
		StartNewTask: &ipc.StartNewTaskPayload{
			Configuration: d.task.Settings,
			Text:          d.task.Prompt,
		},
	}); err != nil {
		d.log.Warn("session: send StartNewTask failed", "task_id", d.task.TaskID, "error", err)
		d.killAndFail(FailAgentExit)
		return false
	}

	for {
		select {
		case evt, ok := <-d.transport.Events():
			if !ok {
				if protoErr := d.transport.Err(); protoErr != nil {
					d.log.Warn("session: protocol error", "task_id", d.task.TaskID, "error", protoErr)
				}
				d.killAndFail(FailAgentExit)
				return false
			}
			if done, ok := d.handleRunningEvent(evt); ok {
				return done
			}
		case <-d.agent.Done():
			d.log.Warn("session: agent process exited before TaskCompleted", "task_id", d.task.TaskID)
			d.fail(FailAgentExit)
			return false
		case <-runCtx.Done():
			d.cancelAndFail()
			return false
		case <-taskCtx.Done():
			d.killAndFail(FailTaskTimeout)
			return false
		}
	}
}

// handleRunningEvent applies one TaskEvent. The second return value is
// true only when the loop should stop; the first is the value runLoop
// should then return.
func (d *Driver) handleRunningEvent(evt ipc.TaskEvent) (bool, bool) {
	switch evt.Kind {
	case ipc.KindTaskTokenUsageUpdated:
		d.applyTokenUsage(evt.TaskTokenUsageUpdated)
	case ipc.KindTaskToolFailed:
		if evt.TaskToolFailed != nil {
			if err := d.store.RecordToolError(context.Background(), d.task.RunID, d.task.TaskID,
				evt.TaskToolFailed.ToolName, evt.TaskToolFailed.Error); err != nil {
				d.log.Error("session: record tool error failed", "task_id", d.task.TaskID, "error", err)
			}
		}
	case ipc.KindTaskAborted:
		reason := ""
		if evt.TaskAborted != nil {
			reason = evt.TaskAborted.Reason
		}
		d.log.Warn("session: agent aborted task", "task_id", d.task.TaskID, "reason", reason)
		d.killAndFail(FailAgentAborted)
		return false, true
	case ipc.KindTaskCompleted:
		return true, true
	case ipc.KindTaskStarted, ipc.KindEvalPass, ipc.KindEvalFail:
		// Informational only; no state transition. The test runner, not
		// the agent's own verdict, decides pass/fail.
	}
	return false, false
}

func (d *Driver) applyTokenUsage(u *ipc.TaskTokenUsageUpdatedPayload) {
	if u == nil {
		return
	}
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	if u.Delta {
		d.metrics.TokensIn += u.TokensIn
		d.metrics.TokensOut += u.TokensOut
		d.metrics.TokensContext += u.TokensContext
		d.metrics.CacheReads += u.CacheReads
		d.metrics.CacheWrites += u.CacheWrites
		d.metrics.CostUSD += u.Cost
		return
	}
	d.metrics.TokensIn = u.TokensIn
	d.metrics.TokensOut = u.TokensOut
	d.metrics.TokensContext = u.TokensContext
	d.metrics.CacheReads = u.CacheReads
	d.metrics.CacheWrites = u.CacheWrites
	d.metrics.CostUSD = u.Cost
}

func (d *Driver) test(ctx context.Context) {
	result := testrunner.Run(ctx, d.task.Workspace, d.task.Language, d.cfg.TestCommandTimeout)

	d.metricsMu.Lock()
	metrics := d.metrics
	d.metricsMu.Unlock()
	metrics.DurationMs = time.Since(d.startedAt).Milliseconds()

	if err := d.store.FinishTask(ctx, d.task.TaskID, result.Passed, metrics); err != nil {
		d.log.Error("session: finish task failed", "task_id", d.task.TaskID, "error", err)
	}
	d.mu.Lock()
	d.testPassed = result.Passed
	d.finished = true
	d.mu.Unlock()
	d.setState(StateDone)
}

// cancelAndFail issues CancelTask, waits up to the grace period, then
// kills the agent if it has not exited on its own.
func (d *Driver) cancelAndFail() {
	d.setState(StateCancelling)
	_ = d.transport.Send(ipc.TaskCommand{Kind: ipc.KindCancelTask})
	select {
	case <-d.agent.Done():
	case <-time.After(d.cfg.CancelGrace):
		_ = d.agent.Kill(supervisor.ExitKilled)
	}
	d.fail(FailCancelled)
}

func (d *Driver) killAndFail(cause FailCause) {
	if d.agent != nil {
		_ = d.agent.Kill(supervisor.ExitKilled)
	}
	d.fail(cause)
}

func (d *Driver) fail(cause FailCause) {
	d.mu.Lock()
	d.state = StateFailed
	d.cause = cause
	alreadyFinished := d.finished
	d.finished = true
	d.mu.Unlock()
	if alreadyFinished {
		return
	}

	d.metricsMu.Lock()
	metrics := d.metrics
	d.metricsMu.Unlock()
	metrics.DurationMs = time.Since(d.startedAt).Milliseconds()

	if err := d.store.FinishTask(context.Background(), d.task.TaskID, false, metrics); err != nil {
		d.log.Error("session: finish failed task failed", "task_id", d.task.TaskID, "error", err)
	}
}

// teardown runs the terminal actions common to every exit path. It is
// idempotent: Run calls it exactly once via defer, but each step guards
// against a nil/zero precondition so a future caller calling it twice
// would be harmless.
func (d *Driver) teardown(ctx context.Context) {
	if d.benchmarkID != 0 {
		totalSteps := 0
		if tc, ok := d.reg.GetContext(d.task.TaskID); ok {
			totalSteps = tc.CurrentStep
		}
		errorCount := 0
		if d.ingest != nil {
			errorCount = d.ingest.ErrorCount(d.task.TaskID)
		}
		d.mu.Lock()
		passed := d.testPassed
		d.mu.Unlock()

		if totalSteps == 0 && d.cfg.DisableEmptyBenchmark {
			if err := d.store.DeleteBenchmark(ctx, d.benchmarkID); err != nil {
				d.log.Error("session: delete empty benchmark failed", "benchmark_id", d.benchmarkID, "error", err)
			}
		} else if err := d.store.FinishBenchmark(ctx, d.benchmarkID, totalSteps, passed, errorCount); err != nil {
			d.log.Error("session: finish benchmark failed", "benchmark_id", d.benchmarkID, "error", err)
		}
		if d.ingest != nil {
			d.ingest.FinishBenchmark(d.task.TaskID)
		}
	}

	if d.rooTaskID != "" {
		d.reg.Drop(d.rooTaskID, d.task.TaskID)
	}

	if d.transport != nil {
		_ = d.transport.Send(ipc.TaskCommand{Kind: ipc.KindCloseTask})
		_ = d.transport.Close()
	}
}
