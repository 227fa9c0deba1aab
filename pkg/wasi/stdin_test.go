package wasi

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestInputPumpDrains(t *testing.T) {
	pump := newInputPump(bytes.NewReader([]byte("hello")))

	deadline := time.After(time.Second)
	for pump.pending() < 5 {
		select {
		case <-deadline:
			t.Fatal("pump never filled")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	buf := make([]byte, 16)

	n, eof := pump.tryRead(buf)
	if n != 5 || string(buf[:5]) != "hello" {
		t.Fatalf("tryRead = %d %q", n, buf[:n])
	}

	if !eof {
		// A second read after the stream ends reports EOF.
		if _, eof := pump.tryRead(buf); !eof {
			t.Fatal("expected EOF after drain")
		}
	}
}

func TestInputPumpWaitForInject(t *testing.T) {
	pump := newInputPump(nil)
	pump.closed = false // keep open without a backing stream

	done := make(chan bool, 1)

	go func() {
		done <- pump.wait()
	}()

	time.Sleep(10 * time.Millisecond)
	pump.inject([]byte("later"))

	select {
	case interrupted := <-done:
		if interrupted {
			t.Fatal("wait reported interrupt")
		}
	case <-time.After(time.Second):
		t.Fatal("wait never woke")
	}

	buf := make([]byte, 16)
	if n, _ := pump.tryRead(buf); string(buf[:n]) != "later" {
		t.Fatalf("unexpected data %q", buf[:n])
	}
}

func TestInputPumpInterrupt(t *testing.T) {
	pump := newInputPump(nil)
	pump.closed = false

	done := make(chan bool, 1)

	go func() {
		done <- pump.wait()
	}()

	time.Sleep(10 * time.Millisecond)
	pump.interrupt()

	select {
	case interrupted := <-done:
		if !interrupted {
			t.Fatal("wait did not report interrupt")
		}
	case <-time.After(time.Second):
		t.Fatal("wait never woke")
	}
}

func TestInputPumpCloseLeavesDataReadable(t *testing.T) {
	pump := newInputPump(nil)
	pump.closed = false

	pump.inject([]byte("tail"))
	pump.closeInput()

	buf := make([]byte, 16)

	n, eof := pump.tryRead(buf)
	if string(buf[:n]) != "tail" {
		t.Fatalf("unexpected data %q", buf[:n])
	}

	if eof {
		t.Fatal("EOF reported before queue drained")
	}

	if _, eof := pump.tryRead(buf); !eof {
		t.Fatal("expected EOF once drained")
	}
}

func TestSuspensionTokens(t *testing.T) {
	var s suspension

	if s.current() != SuspendIdle {
		t.Fatal("expected idle state")
	}

	stale := s.suspend()
	s.complete()

	fresh := s.suspend()

	if s.resume(stale) {
		t.Fatal("stale token resumed")
	}

	if s.current() != SuspendPending {
		t.Fatalf("state %s after stale resume", s.current())
	}

	if !s.resume(fresh) {
		t.Fatal("fresh token rejected")
	}

	if s.current() != SuspendResumed {
		t.Fatalf("state %s after resume", s.current())
	}

	s.complete()

	if s.current() != SuspendIdle {
		t.Fatal("expected idle after complete")
	}
}

func TestReadStdinWouldBlock(t *testing.T) {
	b := New(Options{Stdin: emptyReader{}})
	b.suspendCapable = false

	buf := make([]byte, 4)

	if _, errno := b.readStdin(buf); errno != ErrnoAgain {
		t.Fatalf("errno %s, want %s", errno, ErrnoAgain)
	}
}

func TestReadStdinSuspends(t *testing.T) {
	b := New(Options{Stdin: emptyReader{}})
	b.suspendCapable = true

	got := make(chan string, 1)

	go func() {
		buf := make([]byte, 16)
		n, errno := b.readStdin(buf)
		if errno != ErrnoSuccess {
			got <- "errno " + errno.String()
			return
		}
		got <- string(buf[:n])
	}()

	deadline := time.After(time.Second)
	for b.SuspendState() != SuspendPending {
		select {
		case <-deadline:
			t.Fatal("read never suspended")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	b.stdin.inject([]byte("ping"))

	select {
	case s := <-got:
		if s != "ping" {
			t.Fatalf("read %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("read never resumed")
	}

	if b.SuspendState() != SuspendIdle {
		t.Fatalf("state %s after resume", b.SuspendState())
	}
}

func TestReadStdinInterrupt(t *testing.T) {
	b := New(Options{Stdin: emptyReader{}})
	b.suspendCapable = true

	errs := make(chan Errno, 1)

	go func() {
		_, errno := b.readStdin(make([]byte, 4))
		errs <- errno
	}()

	deadline := time.After(time.Second)
	for b.SuspendState() != SuspendPending {
		select {
		case <-deadline:
			t.Fatal("read never suspended")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	b.Interrupt()

	select {
	case errno := <-errs:
		if errno != ErrnoIntr {
			t.Fatalf("errno %s, want %s", errno, ErrnoIntr)
		}
	case <-time.After(time.Second):
		t.Fatal("read never returned")
	}
}

// emptyReader blocks forever, standing in for an interactive stream with no
// input yet.
type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) {
	select {}
}

var _ io.Reader = emptyReader{}
