// Package ingest implements the span-ingest pipeline: spans describing
// the agent's MCP tool calls arrive over OTLP/HTTP, are filtered and
// correlated against the task context registry, and are persisted as
// ordered steps under the matching benchmark.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/evalharness/internal/config"
	"github.com/codeready-toolchain/evalharness/internal/store"
	"github.com/codeready-toolchain/evalharness/internal/taskcontext"
)

// historySize bounds the per-task ring of recently ingested spans kept
// for optional downstream analytics.
const historySize = config.DefaultSpanHistorySize

// DecodedSpan is the subset of an OTLP span this package reads. It is
// populated by the OTLP/HTTP receiver (otlphttp.go) from the protobuf
// wire format so that Ingestor itself stays protocol-agnostic.
type DecodedSpan struct {
	SpanID        string // hex span id; identity for replay dedup
	Kind          string // "client" if SPAN_KIND_CLIENT, else ignored
	RPCSystem     string
	RPCService    string
	RPCMethod     string
	TaskIDString  string // mcp.task_id as a string, if the attribute was a string
	TaskIDInt     int64  // mcp.task_id as an int, if the attribute was an int
	HasIntTaskID  bool
	Request       json.RawMessage
	Response      json.RawMessage
	ResponseBytes int64
	DurationMs    int64
	StatusIsError bool
	StatusMessage string
}

// HistoryEntry is one retained span projection for a task.
type HistoryEntry struct {
	StepNumber int
	Request    json.RawMessage
	Response   json.RawMessage
	Error      string
}

type taskState struct {
	mu      sync.Mutex
	errors  int
	seen    map[string]struct{} // span ids already ingested for this task
	history []HistoryEntry      // ring, oldest overwritten first
	next    int                 // write cursor into history
}

// Ingestor correlates decoded spans against the task context registry and
// persists them as Steps. Safe for concurrent use from multiple HTTP
// handler goroutines.
type Ingestor struct {
	registry *taskcontext.Registry
	store    *store.Store
	allowed  map[string]struct{}
	log      *slog.Logger

	statesMu sync.Mutex
	states   map[int64]*taskState

	benchmarkMu sync.Mutex
	benchmarks  map[int64]int64 // numericTaskID -> benchmarkID
}

// New builds an Ingestor. allowedServers is the configured MCP server
// name allow-list; spans from any other rpc.service are dropped.
func New(registry *taskcontext.Registry, st *store.Store, allowedServers []string, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	allowed := make(map[string]struct{}, len(allowedServers))
	for _, name := range allowedServers {
		allowed[name] = struct{}{}
	}
	return &Ingestor{
		registry:   registry,
		store:      st,
		allowed:    allowed,
		log:        log,
		states:     make(map[int64]*taskState),
		benchmarks: make(map[int64]int64),
	}
}

// BindBenchmark records which benchmark a task's steps should land under.
// Called by SessionDriver right after CreateBenchmark succeeds.
func (g *Ingestor) BindBenchmark(numericTaskID, benchmarkID int64) {
	g.benchmarkMu.Lock()
	defer g.benchmarkMu.Unlock()
	g.benchmarks[numericTaskID] = benchmarkID
}

// FinishBenchmark unbinds the task's benchmark and evicts its history,
// error count and seen-span set. The step counter itself lives in the
// task's registry Context; it starts over only when a fresh Context is
// set for the task (SessionDriver drops the old one at teardown).
func (g *Ingestor) FinishBenchmark(numericTaskID int64) {
	g.benchmarkMu.Lock()
	delete(g.benchmarks, numericTaskID)
	g.benchmarkMu.Unlock()

	g.statesMu.Lock()
	delete(g.states, numericTaskID)
	g.statesMu.Unlock()
}

// History returns a snapshot of the retained spans for a task, oldest
// first. Intended for optional downstream analytics, not hot-path use.
func (g *Ingestor) History(numericTaskID int64) []HistoryEntry {
	st := g.stateFor(numericTaskID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]HistoryEntry, 0, len(st.history))
	if len(st.history) < historySize {
		return append(out, st.history...)
	}
	// Full ring: the next write slot holds the oldest entry.
	start := st.next % historySize
	out = append(out, st.history[start:]...)
	return append(out, st.history[:start]...)
}

func (g *Ingestor) stateFor(numericTaskID int64, create bool) *taskState {
	g.statesMu.Lock()
	defer g.statesMu.Unlock()
	st, ok := g.states[numericTaskID]
	if !ok {
		if !create {
			return nil
		}
		st = &taskState{
			seen:    make(map[string]struct{}),
			history: make([]HistoryEntry, 0, historySize),
		}
		g.states[numericTaskID] = st
	}
	return st
}

// Ingest is invoked per decoded span arriving over /v1/traces, modeled on
// the sdktrace.SpanProcessor.OnEnd contract. It never returns an error
// that would abort the caller's request handling: every failure mode is
// logged and the span is dropped.
func (g *Ingestor) Ingest(ctx context.Context, span DecodedSpan) {
	if !g.accepts(span) {
		return
	}

	numericTaskID, ok := g.correlate(span)
	if !ok {
		g.log.Warn("ingest: dropping span, no task context registered",
			"rpc_service", span.RPCService, "task_id_string", span.TaskIDString, "task_id_int", span.TaskIDInt)
		return
	}

	st := g.stateFor(numericTaskID, true)

	// A replayed span must not advance the step counter: the step number
	// it would get is a fresh one, so the store's uniqueness guard would
	// never fire and the replay would persist as a second row. Dedup on
	// the span's own identity first and treat a repeat as idempotent
	// success.
	if span.SpanID != "" {
		st.mu.Lock()
		_, dup := st.seen[span.SpanID]
		if !dup {
			st.seen[span.SpanID] = struct{}{}
		}
		st.mu.Unlock()
		if dup {
			return
		}
	}

	stepNumber, ok := g.registry.IncrementStep(numericTaskID)
	if !ok {
		g.log.Warn("ingest: dropping span, task context vanished mid-flight", "task_id", numericTaskID)
		return
	}

	g.benchmarkMu.Lock()
	benchmarkID, ok := g.benchmarks[numericTaskID]
	g.benchmarkMu.Unlock()
	if !ok {
		g.log.Warn("ingest: dropping span, no benchmark bound", "task_id", numericTaskID)
		return
	}

	errMsg := ""
	if span.StatusIsError {
		errMsg = span.StatusMessage
	}

	step := store.Step{
		BenchmarkID:      benchmarkID,
		StepNumber:       stepNumber,
		Request:          span.Request,
		Response:         span.Response,
		ResponseSizeByte: span.ResponseBytes,
		DurationMs:       span.DurationMs,
		ErrorMessage:     errMsg,
		Source:           span.RPCService,
	}
	if err := g.store.AppendStep(ctx, step); err != nil {
		g.log.Error("ingest: append step failed", "task_id", numericTaskID, "step", stepNumber, "error", err)
		return
	}

	st.mu.Lock()
	if span.StatusIsError {
		st.errors++
	}
	entry := HistoryEntry{StepNumber: stepNumber, Request: span.Request, Response: span.Response, Error: errMsg}
	if len(st.history) < historySize {
		st.history = append(st.history, entry)
	} else {
		st.history[st.next%historySize] = entry
	}
	st.next++
	st.mu.Unlock()
}

// ErrorCount returns the number of ERROR-status spans ingested for a task
// since the last FinishBenchmark, for SessionDriver's finishBenchmark call.
func (g *Ingestor) ErrorCount(numericTaskID int64) int {
	st := g.stateFor(numericTaskID, false)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.errors
}

func (g *Ingestor) accepts(span DecodedSpan) bool {
	if span.Kind != "client" {
		return false
	}
	if span.RPCSystem != "mcp" {
		return false
	}
	_, ok := g.allowed[span.RPCService]
	return ok
}

func (g *Ingestor) correlate(span DecodedSpan) (int64, bool) {
	if span.HasIntTaskID {
		if _, ok := g.registry.GetContext(span.TaskIDInt); ok {
			return span.TaskIDInt, true
		}
		return 0, false
	}
	return g.registry.Resolve(span.TaskIDString)
}
