package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/codeready-toolchain/evalharness/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNormalExit(t *testing.T) {
	h, err := supervisor.Run(supervisor.Spec{Command: []string{"/bin/sh", "-c", "exit 0"}})
	require.NoError(t, err)

	cause, waitErr := h.Wait(context.Background())
	assert.NoError(t, waitErr)
	assert.Equal(t, supervisor.ExitNormal, cause)
}

func TestRunCrashExit(t *testing.T) {
	h, err := supervisor.Run(supervisor.Spec{Command: []string{"/bin/sh", "-c", "exit 7"}})
	require.NoError(t, err)

	cause, waitErr := h.Wait(context.Background())
	assert.Error(t, waitErr)
	assert.Equal(t, supervisor.ExitCrash, cause)
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	h, err := supervisor.Run(supervisor.Spec{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)

	require.NoError(t, h.Kill(supervisor.ExitKilled))

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not reap after kill")
	}
	assert.Equal(t, supervisor.ExitKilled, h.Cause())
}

func TestWaitWithDeadlineTimesOut(t *testing.T) {
	h, err := supervisor.Run(supervisor.Spec{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)
	defer func() { _ = h.Kill(supervisor.ExitKilled) }()

	_, waitErr := h.WaitWithDeadline(context.Background(), 50*time.Millisecond)
	assert.Error(t, waitErr)
}

func TestKillIsIdempotent(t *testing.T) {
	h, err := supervisor.Run(supervisor.Spec{Command: []string{"/bin/sh", "-c", "exit 0"}})
	require.NoError(t, err)
	<-h.Done()

	assert.NoError(t, h.Kill(supervisor.ExitKilled))
	assert.NoError(t, h.Kill(supervisor.ExitKilled))
}
