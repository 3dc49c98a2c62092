package ipc

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Session wraps one accepted connection: a writer side for TaskCommands
// and a reader goroutine feeding a channel of decoded TaskEvents. Both
// directions are schema-validated before a typed Go value crosses the
// package boundary.
type Session struct {
	conn net.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	bw      *bufio.Writer

	events chan TaskEvent
	errCh  chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn net.Conn, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		conn:   conn,
		log:    log,
		bw:     bufio.NewWriter(conn),
		events: make(chan TaskEvent, 16),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		raw, err := readFrame(s.conn)
		if err != nil {
			s.reportErr(err)
			return
		}
		if err := validateAgainst(taskEventSchema, raw); err != nil {
			s.log.Warn("ipc: rejecting event, closing session", "error", err)
			s.reportErr(err)
			_ = s.Close()
			return
		}
		evt, err := unmarshalEvent(raw)
		if err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrProtocol, err)
			s.log.Warn("ipc: rejecting event, closing session", "error", wrapped)
			s.reportErr(wrapped)
			_ = s.Close()
			return
		}
		select {
		case s.events <- evt:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) reportErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Events returns the lazy stream of decoded, schema-valid TaskEvents. The
// channel closes when the read side ends, whether from peer EOF, a
// protocol violation, or Close(); call Err() afterward for the cause.
func (s *Session) Events() <-chan TaskEvent {
	return s.events
}

// Err returns the error that ended the read loop, if any. A plain peer
// disconnect (io.EOF) is not itself ErrProtocol.
func (s *Session) Err() error {
	select {
	case err := <-s.errCh:
		return err
	default:
		return nil
	}
}

// Send encodes, schema-validates, and writes a TaskCommand.
func (s *Session) Send(cmd TaskCommand) error {
	payload, err := marshalCommand(cmd)
	if err != nil {
		return fmt.Errorf("ipc: marshal command: %w", err)
	}
	if err := validateAgainst(taskCommandSchema, payload); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err := writeFrame(s.bw, payload); err != nil {
		return fmt.Errorf("ipc: send %s: %w", cmd.Kind, err)
	}
	return s.bw.Flush()
}

// Close closes the underlying connection. Safe to call more than once,
// and concurrently with Send and the read loop.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
