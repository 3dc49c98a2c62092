package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateRun inserts a new Run row and returns its store-assigned id.
func (s *Store) CreateRun(ctx context.Context, spec RunSpec) (int64, error) {
	settings := spec.Settings
	if settings == nil {
		settings = json.RawMessage("{}")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO runs (model, concurrency, socket_path, settings)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		spec.Model, spec.Concurrency, spec.SocketPath, []byte(settings),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// CreateTask inserts a new Task row scoped to runID.
func (s *Store) CreateTask(ctx context.Context, runID int64, language, exercise string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (run_id, language, exercise)
		VALUES ($1, $2, $3)
		RETURNING id`,
		runID, language, exercise,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("create task %s/%s for run %d: %w", language, exercise, runID, ErrDuplicate)
		}
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// StartTask marks a task as started.
func (s *Store) StartTask(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET started_at = now() WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("start task %d: %w", taskID, err)
	}
	return requireRowsAffected(res, taskID)
}

// FinishTask marks a task terminal and attaches its metrics, within a single
// transaction so the task row, its metrics, and the run tally move together.
func (s *Store) FinishTask(ctx context.Context, taskID int64, passed bool, metrics TaskMetrics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish task %d: begin tx: %w", taskID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET passed = $2, finished_at = now() WHERE id = $1`,
		taskID, passed)
	if err != nil {
		return fmt.Errorf("finish task %d: update: %w", taskID, err)
	}
	if err := requireRowsAffected(res, taskID); err != nil {
		return err
	}

	toolUsage := metrics.ToolUsage
	if toolUsage == nil {
		toolUsage = map[string]int64{}
	}
	toolUsageJSON, err := json.Marshal(toolUsage)
	if err != nil {
		return fmt.Errorf("finish task %d: marshal tool usage: %w", taskID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_metrics (task_id, tokens_in, tokens_out, tokens_context, cache_reads, cache_writes, cost_usd, duration_ms, tool_usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			tokens_context = EXCLUDED.tokens_context,
			cache_reads = EXCLUDED.cache_reads,
			cache_writes = EXCLUDED.cache_writes,
			cost_usd = EXCLUDED.cost_usd,
			duration_ms = EXCLUDED.duration_ms,
			tool_usage = EXCLUDED.tool_usage`,
		taskID, metrics.TokensIn, metrics.TokensOut, metrics.TokensContext,
		metrics.CacheReads, metrics.CacheWrites, metrics.CostUSD, metrics.DurationMs, toolUsageJSON,
	)
	if err != nil {
		return fmt.Errorf("finish task %d: upsert metrics: %w", taskID, err)
	}

	delta := 1
	column := "failed"
	if passed {
		column = "passed"
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE runs SET %s = %s + $2
		WHERE id = (SELECT run_id FROM tasks WHERE id = $1)`, column, column),
		taskID, delta)
	if err != nil {
		return fmt.Errorf("finish task %d: update run tally: %w", taskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finish task %d: commit: %w", taskID, err)
	}
	return nil
}

// CreateBenchmark inserts the per-task MCP benchmark header. Exactly one
// benchmark exists per (runID, taskID); a repeat call is idempotent and
// returns the existing id.
func (s *Store) CreateBenchmark(ctx context.Context, runID, taskID int64, mcpServerName, userIntent string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO mcp_retrieval_benchmarks (run_id, task_id, mcp_server_name, user_intent)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, task_id) DO UPDATE SET run_id = EXCLUDED.run_id
		RETURNING id`,
		runID, taskID, mcpServerName, userIntent,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create benchmark for task %d: %w", taskID, err)
	}
	return id, nil
}

// AppendStep persists a single MCP call. A duplicate
// (benchmarkID, stepNumber) is treated as idempotent success: no row is
// written and no error is returned, matching the ingestor's replay policy.
func (s *Store) AppendStep(ctx context.Context, step Step) error {
	req := step.Request
	if req == nil {
		req = json.RawMessage("{}")
	}
	resp := step.Response
	if resp == nil {
		resp = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_retrieval_calls
			(benchmark_id, step_number, request, response, response_size_bytes, duration_ms, error_message, source, timeout_ms)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, 0))
		ON CONFLICT (benchmark_id, step_number) DO NOTHING`,
		step.BenchmarkID, step.StepNumber, []byte(req), []byte(resp),
		step.ResponseSizeByte, step.DurationMs, step.ErrorMessage, step.Source, step.TimeoutMs,
	)
	if err != nil {
		return fmt.Errorf("append step %d/%d: %w", step.BenchmarkID, step.StepNumber, err)
	}
	return nil
}

// FinishBenchmark finalizes totalSteps and error aggregates.
func (s *Store) FinishBenchmark(ctx context.Context, benchmarkID int64, totalSteps int, codeExecutionSuccess bool, errorCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_retrieval_benchmarks
		SET total_steps = $2, code_execution_success = $3, error_count = $4
		WHERE id = $1`,
		benchmarkID, totalSteps, codeExecutionSuccess, errorCount)
	if err != nil {
		return fmt.Errorf("finish benchmark %d: %w", benchmarkID, err)
	}
	return requireRowsAffected(res, benchmarkID)
}

// DeleteBenchmark removes a benchmark row that never received any steps.
// Used when the run's DisableEmptyBenchmark policy is set and a task's
// benchmark closed with totalSteps == 0. The total_steps guard makes it a
// no-op on any benchmark that has been finalized with real steps.
func (s *Store) DeleteBenchmark(ctx context.Context, benchmarkID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mcp_retrieval_benchmarks WHERE id = $1 AND total_steps = 0`, benchmarkID)
	if err != nil {
		return fmt.Errorf("delete empty benchmark %d: %w", benchmarkID, err)
	}
	return nil
}

// RecordToolError appends a tool failure record.
func (s *Store) RecordToolError(ctx context.Context, runID, taskID int64, toolName, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_errors (run_id, task_id, tool_name, error)
		VALUES ($1, $2, $3, $4)`,
		runID, taskID, toolName, errMsg)
	if err != nil {
		return fmt.Errorf("record tool error for task %d: %w", taskID, err)
	}
	return nil
}

// AggregateRun sums task metrics and passed/failed counts for run
// finalization. The passed/failed tallies are already kept
// current by FinishTask; this recomputes them from source-of-truth task
// rows so finalization is correct even if tallies drifted.
func (s *Store) AggregateRun(ctx context.Context, runID int64) (RunAggregate, error) {
	var agg RunAggregate
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE t.passed = true),
			COUNT(*) FILTER (WHERE t.passed = false),
			COALESCE(SUM(m.tokens_in), 0),
			COALESCE(SUM(m.tokens_out), 0),
			COALESCE(SUM(m.tokens_context), 0),
			COALESCE(SUM(m.cache_reads), 0),
			COALESCE(SUM(m.cache_writes), 0),
			COALESCE(SUM(m.cost_usd), 0),
			COALESCE(SUM(m.duration_ms), 0)
		FROM tasks t
		LEFT JOIN task_metrics m ON m.task_id = t.id
		WHERE t.run_id = $1`, runID)

	if err := row.Scan(
		&agg.Passed, &agg.Failed,
		&agg.TotalTokens.TokensIn, &agg.TotalTokens.TokensOut, &agg.TotalTokens.TokensContext,
		&agg.TotalTokens.CacheReads, &agg.TotalTokens.CacheWrites,
		&agg.TotalTokens.CostUSD, &agg.TotalTokens.DurationMs,
	); err != nil {
		return RunAggregate{}, fmt.Errorf("aggregate run %d: %w", runID, err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE runs SET passed = $2, failed = $3 WHERE id = $1`,
		runID, agg.Passed, agg.Failed); err != nil {
		return RunAggregate{}, fmt.Errorf("aggregate run %d: persist tallies: %w", runID, err)
	}

	return agg, nil
}

// ListExistingRun resumes a pre-created run: returns its spec plus every
// task still in a non-terminal (passed IS NULL) state.
func (s *Store) ListExistingRun(ctx context.Context, runID int64) (RunSpec, []OutstandingTask, error) {
	var spec RunSpec
	var settings []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT model, concurrency, socket_path, settings FROM runs WHERE id = $1`, runID,
	).Scan(&spec.Model, &spec.Concurrency, &spec.SocketPath, &settings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunSpec{}, nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
		}
		return RunSpec{}, nil, fmt.Errorf("list existing run %d: %w", runID, err)
	}
	spec.Settings = json.RawMessage(settings)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, language, exercise FROM tasks
		WHERE run_id = $1 AND passed IS NULL
		ORDER BY id`, runID)
	if err != nil {
		return RunSpec{}, nil, fmt.Errorf("list existing run %d: outstanding tasks: %w", runID, err)
	}
	defer rows.Close()

	var outstanding []OutstandingTask
	for rows.Next() {
		var t OutstandingTask
		if err := rows.Scan(&t.TaskID, &t.Language, &t.Exercise); err != nil {
			return RunSpec{}, nil, fmt.Errorf("list existing run %d: scan task: %w", runID, err)
		}
		outstanding = append(outstanding, t)
	}
	if err := rows.Err(); err != nil {
		return RunSpec{}, nil, fmt.Errorf("list existing run %d: %w", runID, err)
	}

	return spec, outstanding, nil
}

func requireRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return nil
}
