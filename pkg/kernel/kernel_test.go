package kernel

import (
	"bytes"
	"context"
	"path"
	"strings"
	"testing"

	"github.com/coralsh/coral/pkg/filesystem"
	"github.com/coralsh/coral/pkg/kernel/programs"
	"github.com/coralsh/coral/pkg/kernel/programs/shell"
	"github.com/coralsh/coral/pkg/kernel/shared"
)

func testKernel(t *testing.T) *Kernel {
	t.Helper()

	k, err := New(Params{Root: filesystem.NewMemoryDirectory()})
	if err != nil {
		t.Fatal(err)
	}

	for _, prog := range programs.All() {
		if err := k.Register(prog); err != nil {
			t.Fatal(err)
		}
	}

	if err := k.Register(shell.New()); err != nil {
		t.Fatal(err)
	}

	return k
}

func mustWrite(t *testing.T, root filesystem.Directory, p string, contents string) {
	t.Helper()

	if _, err := filesystem.MkdirAll(root, path.Dir(p)); err != nil {
		t.Fatal(err)
	}

	f, err := filesystem.CreateFile(root, p)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Overwrite([]byte(contents)); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchEcho(t *testing.T) {
	k := testKernel(t)

	out := new(bytes.Buffer)
	env := make(shared.Environment)

	code, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:   []string{"echo", "hello", "world"},
		Env:    env,
		Stdout: out,
	})
	if err != nil {
		t.Fatal(err)
	}

	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	if out.String() != "hello world\n" {
		t.Fatalf("output %q", out.String())
	}

	if env.Get("?") != "0" {
		t.Fatalf("? = %q", env.Get("?"))
	}
}

func TestDispatchNotFound(t *testing.T) {
	k := testKernel(t)

	env := make(shared.Environment)

	code, err := k.Dispatch(context.Background(), ExecRequest{
		Argv: []string{"no-such-command"},
		Env:  env,
	})
	if err == nil {
		t.Fatal("expected an error")
	}

	if code != DispatchFailure {
		t.Fatalf("exit code %d, want %d", code, DispatchFailure)
	}

	if env.Get("?") != "127" {
		t.Fatalf("? = %q", env.Get("?"))
	}
}

func TestDispatchScript(t *testing.T) {
	k := testKernel(t)

	mustWrite(t, k.Root(), "/init", "coral:bin:script:init\n# comment\necho one\necho two\n")

	out := new(bytes.Buffer)

	code, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:   []string{"/init"},
		Stdout: out,
	})
	if err != nil {
		t.Fatal(err)
	}

	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	if out.String() != "one\ntwo\n" {
		t.Fatalf("output %q", out.String())
	}
}

func TestScriptAbortsOnFailure(t *testing.T) {
	k := testKernel(t)

	mustWrite(t, k.Root(), "/init", "coral:bin:script:init\nmissing-cmd\necho after\n")

	out := new(bytes.Buffer)

	code, _ := k.Dispatch(context.Background(), ExecRequest{
		Argv:   []string{"/init"},
		Stdout: out,
	})

	if code != DispatchFailure {
		t.Fatalf("exit code %d, want %d", code, DispatchFailure)
	}

	if strings.Contains(out.String(), "after") {
		t.Fatal("script continued past a failing line")
	}
}

func TestShellSnippet(t *testing.T) {
	k := testKernel(t)

	out := new(bytes.Buffer)

	code, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:   []string{"sh", "-c", "echo hi"},
		Stdout: out,
	})
	if err != nil {
		t.Fatal(err)
	}

	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	if out.String() != "hi\n" {
		t.Fatalf("output %q", out.String())
	}
}

func TestShellShebangScript(t *testing.T) {
	k := testKernel(t)

	mustWrite(t, k.Root(), "/setup.sh", "#!/bin/sh\necho from script\n")

	out := new(bytes.Buffer)

	code, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:   []string{"/setup.sh"},
		Stdout: out,
	})
	if err != nil {
		t.Fatal(err)
	}

	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	if out.String() != "from script\n" {
		t.Fatalf("output %q", out.String())
	}
}

func TestKeepAliveMarker(t *testing.T) {
	k := testKernel(t)

	mustWrite(t, k.Root(), "/init", "coral:bin:script:init\necho ready\n")

	code, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:      []string{"/init"},
		KeepAlive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	procs := k.Processes()
	if len(procs) != 1 {
		t.Fatalf("expected a registered keep-alive process, got %d", len(procs))
	}

	proc := procs[0]

	markerPath := "/run/init/1.marker"
	if !filesystem.Exists(k.Root(), markerPath) {
		t.Fatalf("marker %s missing", markerPath)
	}

	ent, err := filesystem.Resolve(k.Root(), markerPath)
	if err != nil {
		t.Fatal(err)
	}

	handle, err := ent.Open()
	if err != nil {
		t.Fatal(err)
	}

	contents := make([]byte, 64)
	n, _ := handle.ReadAt(contents, 0)

	if !strings.HasPrefix(string(contents[:n]), "1 "+k.BootID()) {
		t.Fatalf("marker contents %q", contents[:n])
	}

	proc.Exit(0)

	if filesystem.Exists(k.Root(), markerPath) {
		t.Fatal("marker survived exit")
	}

	if filesystem.Exists(k.Root(), "/run/init") {
		t.Fatal("empty marker directory survived exit")
	}

	if len(k.Processes()) != 0 {
		t.Fatal("process still registered after exit")
	}
}

func TestSpawnSetsCallerStatus(t *testing.T) {
	k := testKernel(t)

	mustWrite(t, k.Root(), "/init", "coral:bin:script:init\necho ready\n")

	if _, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:      []string{"/init"},
		KeepAlive: true,
	}); err != nil {
		t.Fatal(err)
	}

	proc, ok := k.Process(1)
	if !ok {
		t.Fatal("missing process")
	}

	// The child runs with a cloned environment; the status still lands in
	// the spawning process's own "?" slot.
	if code, _ := proc.Spawn("", []string{"missing-cmd"}, nil, nil, nil, nil); code != DispatchFailure {
		t.Fatalf("exit code %d, want %d", code, DispatchFailure)
	}

	if proc.Getenv("?") != "127" {
		t.Fatalf("? = %q after failed spawn", proc.Getenv("?"))
	}

	if code, err := proc.Spawn("", []string{"echo", "ok"}, nil, nil, nil, nil); err != nil || code != 0 {
		t.Fatalf("code %d err %v", code, err)
	}

	if proc.Getenv("?") != "0" {
		t.Fatalf("? = %q after successful spawn", proc.Getenv("?"))
	}

	proc.Exit(0)
}

func TestPidsAreNotReused(t *testing.T) {
	k := testKernel(t)

	out := new(bytes.Buffer)

	for i := 1; i <= 3; i++ {
		if _, err := k.Dispatch(context.Background(), ExecRequest{
			Argv:   []string{"echo", "x"},
			Stdout: out,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if k.nextPid != 4 {
		t.Fatalf("next pid %d, want 4", k.nextPid)
	}

	if len(k.Processes()) != 0 {
		t.Fatal("exited processes still registered")
	}
}

func TestPauseResume(t *testing.T) {
	k := testKernel(t)

	mustWrite(t, k.Root(), "/init", "coral:bin:script:init\necho ready\n")

	if _, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:      []string{"/init"},
		KeepAlive: true,
	}); err != nil {
		t.Fatal(err)
	}

	proc, ok := k.Process(1)
	if !ok {
		t.Fatal("missing process")
	}

	if err := proc.Pause(); err != nil {
		t.Fatal(err)
	}

	if proc.Status() != StatusPaused {
		t.Fatalf("status %s", proc.Status())
	}

	if err := proc.Pause(); err == nil {
		t.Fatal("pausing a paused process should fail")
	}

	if err := proc.Resume(); err != nil {
		t.Fatal(err)
	}

	if proc.Status() != StatusRunning {
		t.Fatalf("status %s", proc.Status())
	}

	proc.Exit(0)

	if proc.Status() != StatusExited {
		t.Fatalf("status %s", proc.Status())
	}
}

func TestCatAndRm(t *testing.T) {
	k := testKernel(t)

	mustWrite(t, k.Root(), "/etc/message", "hello from the vfs")

	out := new(bytes.Buffer)

	code, err := k.Dispatch(context.Background(), ExecRequest{
		Argv:   []string{"cat", "/etc/message"},
		Stdout: out,
	})
	if err != nil {
		t.Fatal(err)
	}

	if code != 0 || out.String() != "hello from the vfs" {
		t.Fatalf("code %d output %q", code, out.String())
	}

	if _, err := k.Dispatch(context.Background(), ExecRequest{
		Argv: []string{"rm", "/etc/message"},
	}); err != nil {
		t.Fatal(err)
	}

	if filesystem.Exists(k.Root(), "/etc/message") {
		t.Fatal("file survived rm")
	}
}

func TestNotifications(t *testing.T) {
	root := filesystem.NewMemoryDirectory()

	var events []Event

	k, err := New(Params{
		Root: root,
		Listener: func(n Notification) {
			events = append(events, n.Event)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, prog := range programs.All() {
		if err := k.Register(prog); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := k.Dispatch(context.Background(), ExecRequest{
		Argv: []string{"echo", "x"},
	}); err != nil {
		t.Fatal(err)
	}

	if len(events) != 2 || events[0] != EventStart || events[1] != EventExit {
		t.Fatalf("events %v", events)
	}
}
