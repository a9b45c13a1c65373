package procutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Exit code reported when a command was stopped for exceeding its limit.
const ExitTimeout = 124

// Spec describes one invocation: Command through the shell, or Args
// executed directly when set.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Stdin   []byte
	// StdoutTee, if set, also receives stdout as it is produced.
	StdoutTee io.Writer

	Timeout        time.Duration
	WarnAfter      time.Duration
	TerminateGrace time.Duration
	// OnWarning fires once if the command is still running at WarnAfter.
	OnWarning func()
	// OnSignal fires for each signal delivered during termination.
	OnSignal func(sig syscall.Signal)
}

type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	TimedOut   bool
	Canceled   bool
	Warned     bool
	Signals    []string
	StartError error
}

// Run executes spec.Command through `sh -c` (or spec.Args directly) in a new
// process group. When the timeout elapses or ctx is done the whole group gets
// SIGTERM, then SIGKILL after the grace period. Run returns only once the
// process has been reaped.
func Run(ctx context.Context, spec Spec) Result {
	start := time.Now()
	var cmd *exec.Cmd
	if len(spec.Args) > 0 {
		cmd = exec.Command(spec.Args[0], spec.Args[1:]...)
	} else {
		cmd = exec.Command("sh", "-c", spec.Command)
	}
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if spec.StdoutTee != nil {
		cmd.Stdout = io.MultiWriter(&stdout, spec.StdoutTee)
	}
	cmd.Stderr = &stderr
	// Descendants that escaped the group must not hold Wait open forever.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: 127, Stderr: err.Error(), StartError: err, Duration: time.Since(start)}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutC, warnC <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}
	if spec.WarnAfter > 0 && (spec.Timeout <= 0 || spec.WarnAfter < spec.Timeout) {
		w := time.NewTimer(spec.WarnAfter)
		defer w.Stop()
		warnC = w.C
	}

	res := Result{}
	var waitErr error
loop:
	for {
		select {
		case waitErr = <-waitCh:
			break loop
		case <-warnC:
			res.Warned = true
			warnC = nil
			if spec.OnWarning != nil {
				spec.OnWarning()
			}
		case <-timeoutC:
			res.TimedOut = true
			waitErr = terminate(cmd, waitCh, spec, &res)
			break loop
		case <-ctx.Done():
			res.Canceled = true
			waitErr = terminate(cmd, waitCh, spec, &res)
			break loop
		}
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode(waitErr)
	if res.TimedOut {
		res.ExitCode = ExitTimeout
	}
	return res
}

// terminate delivers SIGTERM, waits the grace period, then SIGKILL, and
// finally waits briefly for the reaper.
func terminate(cmd *exec.Cmd, waitCh <-chan error, spec Spec, res *Result) error {
	send := func(sig syscall.Signal) {
		if err := killProcessGroup(cmd, sig); err == nil {
			res.Signals = append(res.Signals, sig.String())
			if spec.OnSignal != nil {
				spec.OnSignal(sig)
			}
		}
	}
	send(syscall.SIGTERM)
	if spec.TerminateGrace > 0 {
		select {
		case err := <-waitCh:
			return err
		case <-time.After(spec.TerminateGrace):
		}
	}
	send(syscall.SIGKILL)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for process exit after SIGKILL")
	}
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// An ESRCH here means the group already exited; callers treat any error
	// as "signal not delivered".
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return err
	}
	return syscall.Kill(-pgid, sig)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
	}
	return 1
}
