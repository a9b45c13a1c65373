package procutil

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	res := Run(context.Background(), Spec{Command: "echo out; echo err 1>&2; exit 3", Timeout: 5 * time.Second})
	if res.ExitCode != 3 {
		t.Fatalf("exit code: got %d want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("streams: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if res.TimedOut || res.Canceled {
		t.Fatalf("unexpected flags: %+v", res)
	}
}

func TestRun_TimeoutTerminatesGroup(t *testing.T) {
	start := time.Now()
	res := Run(context.Background(), Spec{
		Command:        "sleep 30 & sleep 30; wait",
		Timeout:        200 * time.Millisecond,
		TerminateGrace: 200 * time.Millisecond,
	})
	if !res.TimedOut || res.ExitCode != ExitTimeout {
		t.Fatalf("expected timeout: %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("termination took too long: %v", time.Since(start))
	}
	if len(res.Signals) == 0 || res.Signals[0] != "terminated" {
		t.Fatalf("expected SIGTERM first, got %v", res.Signals)
	}
}

func TestRun_IgnoredTermEscalatesToKill(t *testing.T) {
	res := Run(context.Background(), Spec{
		Command:        "trap '' TERM; sleep 30",
		Timeout:        100 * time.Millisecond,
		TerminateGrace: 100 * time.Millisecond,
	})
	if !res.TimedOut {
		t.Fatalf("expected timeout")
	}
	if len(res.Signals) != 2 || res.Signals[1] != "killed" {
		t.Fatalf("expected TERM then KILL, got %v", res.Signals)
	}
}

func TestRun_WarningFiresBeforeTimeout(t *testing.T) {
	warned := make(chan struct{}, 1)
	res := Run(context.Background(), Spec{
		Command:   "sleep 0.3",
		Timeout:   5 * time.Second,
		WarnAfter: 50 * time.Millisecond,
		OnWarning: func() { warned <- struct{}{} },
	})
	if !res.Warned || res.ExitCode != 0 {
		t.Fatalf("expected warning and success: %+v", res)
	}
	select {
	case <-warned:
	default:
		t.Fatalf("OnWarning not called")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := Run(ctx, Spec{Command: "sleep 30", TerminateGrace: 100 * time.Millisecond})
	if !res.Canceled || res.TimedOut {
		t.Fatalf("expected cancel: %+v", res)
	}
}

func TestRun_StdinAndDir(t *testing.T) {
	dir := t.TempDir()
	res := Run(context.Background(), Spec{Command: "cat; pwd", Dir: dir, Stdin: []byte("hi\n")})
	if !strings.HasPrefix(res.Stdout, "hi\n") || !strings.Contains(res.Stdout, dir) {
		t.Fatalf("stdout: %q", res.Stdout)
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatalf("non-positive pids are never alive")
	}
}
