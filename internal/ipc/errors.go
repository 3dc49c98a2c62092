package ipc

import "errors"

// ErrProtocol is returned when a payload fails schema validation or
// carries an unrecognized top-level type. An inbound violation closes the
// session (fatal for that session only; other sessions keep running); an
// outbound one is returned from Send without closing it.
var ErrProtocol = errors.New("ipc: protocol violation")

// ErrClosed is returned by Send once the session has been closed.
var ErrClosed = errors.New("ipc: session closed")
