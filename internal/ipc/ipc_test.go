package ipc

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeSession wraps one end of an in-memory pipe as the orchestrator's
// Session and hands back the other end raw, standing in for the external
// agent process (which this package never implements). Wrapping both ends
// would make two read loops compete for the same bytes.
func pipeSession(t *testing.T) (orchestrator *Session, agentConn net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return newSession(a, nil), b
}

// simulateAgentEvent writes a raw TaskEvent frame onto conn.
func simulateAgentEvent(t *testing.T, conn net.Conn, kind string, payload any) {
	t.Helper()
	env := map[string]any{"type": kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env["payload"] = json.RawMessage(raw)
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, raw))
}

func TestSessionRoundTripCommand(t *testing.T) {
	orchestrator, agentConn := pipeSession(t)

	go func() {
		_ = orchestrator.Send(TaskCommand{
			Kind: KindSetTaskContext,
			SetTaskContext: &SetTaskContextPayload{
				TaskID:     1,
				RooTaskID:  "roo-1",
				RunID:      7,
				MCPServer:  "github",
				UserIntent: "solve two-fer",
			},
		})
	}()

	ch := make(chan []byte, 1)
	go func() {
		raw, err := readFrame(agentConn)
		if err != nil {
			t.Error(err)
			return
		}
		ch <- raw
	}()

	select {
	case raw := <-ch:
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, KindSetTaskContext, env.Type)
		var got SetTaskContextPayload
		require.NoError(t, json.Unmarshal(env.Payload, &got))
		assert.Equal(t, "github", got.MCPServer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestSessionRoundTripEvent(t *testing.T) {
	orchestrator, agentConn := pipeSession(t)

	go simulateAgentEvent(t, agentConn, KindTaskStarted, &TaskStartedPayload{RooTaskID: "roo-1"})

	select {
	case evt := <-orchestrator.Events():
		require.Equal(t, KindTaskStarted, evt.Kind)
		require.NotNil(t, evt.TaskStarted)
		assert.Equal(t, "roo-1", evt.TaskStarted.RooTaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSessionDecodesTokenUsageUpdate(t *testing.T) {
	orchestrator, agentConn := pipeSession(t)

	go simulateAgentEvent(t, agentConn, KindTaskTokenUsageUpdated, &TaskTokenUsageUpdatedPayload{
		TokensIn:  100,
		TokensOut: 50,
		Cost:      0.02,
	})

	select {
	case evt := <-orchestrator.Events():
		require.NotNil(t, evt.TaskTokenUsageUpdated)
		assert.Equal(t, int64(100), evt.TaskTokenUsageUpdated.TokensIn)
		assert.False(t, evt.TaskTokenUsageUpdated.Delta)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSessionRejectsUnknownEventType(t *testing.T) {
	orchestrator, agentConn := pipeSession(t)

	go func() {
		_ = writeFrame(agentConn, []byte(`{"type":"NotARealKind"}`))
	}()

	select {
	case _, ok := <-orchestrator.Events():
		require.False(t, ok, "events channel should close on protocol violation")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	require.ErrorIs(t, orchestrator.Err(), ErrProtocol)
}

func TestSessionRejectsNonObjectPayload(t *testing.T) {
	orchestrator, agentConn := pipeSession(t)

	go func() {
		_ = writeFrame(agentConn, []byte(`"just a string"`))
	}()

	select {
	case _, ok := <-orchestrator.Events():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	require.ErrorIs(t, orchestrator.Err(), ErrProtocol)
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	orchestrator, _ := pipeSession(t)
	require.NoError(t, orchestrator.Close())
	require.NoError(t, orchestrator.Close()) // idempotent

	err := orchestrator.Send(TaskCommand{Kind: KindCloseTask})
	assert.ErrorIs(t, err, ErrClosed)
}
