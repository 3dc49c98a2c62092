package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single payload to guard against a runaway peer;
// no real TaskCommand/TaskEvent approaches this size.
const maxFrameBytes = 16 << 20 // 16 MiB

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("ipc: frame of %d bytes exceeds max %d", len(payload), maxFrameBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds max %d", n, maxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ipc: read frame payload: %w", err)
	}
	return payload, nil
}
