package wasi

import (
	"io"
	"sync"
)

// inputPump drains the process's input stream into an in-memory queue from
// the moment the run starts, independent of whether the program has issued
// a read yet. Reads are satisfied from the queue; the blocking-read
// emulation waits on it.
type inputPump struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf         []byte
	closed      bool
	interrupted bool
}

func newInputPump(r io.Reader) *inputPump {
	p := &inputPump{}
	p.cond = sync.NewCond(&p.mu)

	if r == nil {
		p.closed = true
		return p
	}

	go p.pump(r)

	return p
}

func (p *inputPump) pump(r io.Reader) {
	chunk := make([]byte, 4096)

	for {
		n, err := r.Read(chunk)

		p.mu.Lock()

		if p.closed || p.interrupted {
			p.mu.Unlock()
			return
		}

		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}

		if err != nil {
			p.closed = true
		}

		p.cond.Broadcast()
		p.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// tryRead copies queued bytes into dst without blocking. eof reports that
// the input is closed and fully drained.
func (p *inputPump) tryRead(dst []byte) (n int, eof bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n = copy(dst, p.buf)
	p.buf = p.buf[n:]

	return n, n == 0 && p.closed
}

// wait blocks until data arrives, the input closes, or the pump is
// interrupted. It reports whether the wait ended due to an interrupt.
func (p *inputPump) wait() (interrupted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buf) == 0 && !p.closed && !p.interrupted {
		p.cond.Wait()
	}

	return p.interrupted
}

func (p *inputPump) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.buf)
}

// inject queues bytes as if they arrived from the input stream.
func (p *inputPump) inject(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.interrupted {
		return
	}

	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
}

// interrupt cancels the input subscription and unblocks any pending wait.
// Queued data is discarded; the underlying stream is left open for its
// owner.
func (p *inputPump) interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.interrupted = true
	p.buf = nil
	p.cond.Broadcast()
}

// closeInput marks end-of-input. Queued data remains readable; once it is
// drained readers observe EOF instead of blocking.
func (p *inputPump) closeInput() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
}

// Suspension models the blocking-call emulation protocol as explicit state
// rather than implicit coroutine machinery, so "is a resume pending" is
// observable as plain data.
type SuspendState int

const (
	SuspendIdle SuspendState = iota
	SuspendPending
	SuspendResumed
)

func (s SuspendState) String() string {
	switch s {
	case SuspendIdle:
		return "Idle"
	case SuspendPending:
		return "Suspended"
	case SuspendResumed:
		return "Resumed"
	default:
		return "<unknown>"
	}
}

type suspension struct {
	mu        sync.Mutex
	state     SuspendState
	token     uint64
	nextToken uint64
}

// suspend records a pending resumption and returns its token.
func (s *suspension) suspend() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	s.token = s.nextToken
	s.state = SuspendPending

	return s.token
}

// resume transitions a pending suspension so the suspended call can be
// re-entered. Tokens from stale suspensions are ignored.
func (s *suspension) resume(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SuspendPending || s.token != token {
		return false
	}

	s.state = SuspendResumed

	return true
}

// complete returns the machine to idle after the re-entered call finishes.
func (s *suspension) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = SuspendIdle
}

func (s *suspension) current() SuspendState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}
