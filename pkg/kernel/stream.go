package kernel

import (
	"io"
	"sync"
)

// SerialWriter serializes writes to a shared output stream so output from
// interleaved syscalls lands in call order. A later write never overtakes
// an earlier one.
type SerialWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSerialWriter(w io.Writer) *SerialWriter {
	if sw, ok := w.(*SerialWriter); ok {
		return sw
	}

	return &SerialWriter{w: w}
}

// Write implements io.Writer.
func (s *SerialWriter) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(buf)
}
