package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/codeready-toolchain/evalharness/internal/store"
	"github.com/codeready-toolchain/evalharness/test/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(t *testing.T, s *store.Store) int64 {
	t.Helper()
	runID, err := s.CreateRun(context.Background(), store.RunSpec{
		Model:       "gpt-test",
		Concurrency: 2,
		SocketPath:  "/tmp/eval.sock",
		Settings:    json.RawMessage(`{"foo":"bar"}`),
	})
	require.NoError(t, err)
	return runID
}

func TestCreateTaskUniqueness(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	runID := newRun(t, s)

	_, err := s.CreateTask(ctx, runID, "go", "two-fer")
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, runID, "go", "two-fer")
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestAppendStepIdempotentAndContiguous(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	runID := newRun(t, s)
	taskID, err := s.CreateTask(ctx, runID, "javascript", "two-fer")
	require.NoError(t, err)

	benchmarkID, err := s.CreateBenchmark(ctx, runID, taskID, "github", "solve two-fer")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		err := s.AppendStep(ctx, store.Step{
			BenchmarkID:      benchmarkID,
			StepNumber:       i,
			Request:          json.RawMessage(`{"op":"list_tools"}`),
			Response:         json.RawMessage(`{"ok":true}`),
			ResponseSizeByte: 128,
			DurationMs:       50,
		})
		require.NoError(t, err)
	}

	// Replaying step 2 must be a silent no-op (P7).
	err = s.AppendStep(ctx, store.Step{
		BenchmarkID: benchmarkID,
		StepNumber:  2,
		Request:     json.RawMessage(`{"op":"list_tools"}`),
		Response:    json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)

	require.NoError(t, s.FinishBenchmark(ctx, benchmarkID, 3, true, 0))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mcp_retrieval_calls WHERE benchmark_id = $1`, benchmarkID,
	).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestFinishTaskUpdatesRunTallies(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	runID := newRun(t, s)

	passTask, err := s.CreateTask(ctx, runID, "python", "leap")
	require.NoError(t, err)
	failTask, err := s.CreateTask(ctx, runID, "rust", "leap")
	require.NoError(t, err)

	require.NoError(t, s.StartTask(ctx, passTask))
	require.NoError(t, s.StartTask(ctx, failTask))

	require.NoError(t, s.FinishTask(ctx, passTask, true, store.TaskMetrics{TokensIn: 10, TokensOut: 20}))
	require.NoError(t, s.FinishTask(ctx, failTask, false, store.TaskMetrics{TokensIn: 5, TokensOut: 5}))

	agg, err := s.AggregateRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Passed)
	assert.Equal(t, 1, agg.Failed)
	assert.Equal(t, int64(15), agg.TotalTokens.TokensIn)
}

func TestListExistingRunReturnsOutstandingTasksOnly(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	runID := newRun(t, s)

	running, err := s.CreateTask(ctx, runID, "go", "a")
	require.NoError(t, err)
	done, err := s.CreateTask(ctx, runID, "go", "b")
	require.NoError(t, err)
	require.NoError(t, s.FinishTask(ctx, done, true, store.TaskMetrics{}))

	_, outstanding, err := s.ListExistingRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, running, outstanding[0].TaskID)
}

func TestDeleteBenchmarkOnlyRemovesEmptyRows(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	runID := newRun(t, s)

	emptyTask, err := s.CreateTask(ctx, runID, "go", "empty")
	require.NoError(t, err)
	emptyBenchmarkID, err := s.CreateBenchmark(ctx, runID, emptyTask, "github", "solve empty")
	require.NoError(t, err)

	require.NoError(t, s.DeleteBenchmark(ctx, emptyBenchmarkID))
	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mcp_retrieval_benchmarks WHERE id = $1`, emptyBenchmarkID,
	).Scan(&count))
	assert.Equal(t, 0, count)

	usedTask, err := s.CreateTask(ctx, runID, "go", "used")
	require.NoError(t, err)
	usedBenchmarkID, err := s.CreateBenchmark(ctx, runID, usedTask, "github", "solve used")
	require.NoError(t, err)
	require.NoError(t, s.AppendStep(ctx, store.Step{BenchmarkID: usedBenchmarkID, StepNumber: 1, Request: json.RawMessage(`{}`), Response: json.RawMessage(`{}`)}))
	require.NoError(t, s.FinishBenchmark(ctx, usedBenchmarkID, 1, true, 0))

	// DeleteBenchmark is a no-op once total_steps has been finalized above 0.
	require.NoError(t, s.DeleteBenchmark(ctx, usedBenchmarkID))
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mcp_retrieval_benchmarks WHERE id = $1`, usedBenchmarkID,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecordToolError(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	runID := newRun(t, s)
	taskID, err := s.CreateTask(ctx, runID, "go", "darts")
	require.NoError(t, err)

	require.NoError(t, s.RecordToolError(ctx, runID, taskID, "read_file", "permission denied"))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_errors WHERE task_id = $1`, taskID,
	).Scan(&count))
	assert.Equal(t, 1, count)
}
