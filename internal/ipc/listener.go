package ipc

import (
	"fmt"
	"log/slog"
	"net"
	"os"
)

// Listener accepts agent connections on a Unix domain socket and wraps
// each one as a Session.
type Listener struct {
	ln  net.Listener
	log *slog.Logger
}

// Listen removes any stale socket file left at path by a previous run and
// starts listening.
func Listen(path string, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("ipc: remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Accept blocks for the next inbound connection and wraps it as a Session.
func (l *Listener) Accept() (*Session, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("ipc: accept: %w", err)
	}
	return newSession(conn, l.log), nil
}

// Addr returns the socket's network address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.RemoveAll(l.ln.Addr().String())
	return err
}
