// Package exec implements C2: spawning the planned child process, streaming
// its output in bounded chunks, enforcing timeout/cancellation, and
// classifying the result per spec.md §4.4.
package exec

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/execenv"
	"github.com/sandboxrun/execcore/internal/sandbox"
)

// streamChunkSize bounds a single read from a child's stdout/stderr pipe.
const streamChunkSize = 32 * 1024

// gracePeriod is the window between SIGTERM and SIGKILL in the two-phase
// shutdown of spec.md §4.4.
const gracePeriod = 2 * time.Second

// sandboxDenialKeywords are output substrings that indicate the sandbox
// itself blocked the action, rather than an ordinary command failure.
// Grounded on the teacher's internal/workflow/escalation.go
// sandboxDenialKeywords / isLikelySandboxDenial.
var sandboxDenialKeywords = []string{
	"operation not permitted",
	"permission denied",
	"read-only file system",
	"seccomp",
	"sandbox",
	"landlock",
	"failed to write file",
}

func looksLikeSandboxDenial(output string) bool {
	lower := strings.ToLower(output)
	for _, kw := range sandboxDenialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ObserverEvent is one streamed lifecycle event, spec.md §6.
type ObserverEvent struct {
	Kind      string // "begin", "output_delta", "end"
	CallID    string
	Stream    string // "stdout"/"stderr" for output_delta
	Chunk     []byte
	Argv      []string
	Cwd       string
	ProcessID int
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
}

// Observer receives ObserverEvents in the order they are produced within
// one attempt's pipeline (spec.md §5 "Ordering guarantees").
type Observer func(ObserverEvent)

// Run executes plan, streams output, and classifies the result. The
// returned error is a *execcore.Error with KindSandboxDenied (eligible for
// escalation retry), KindTimeout, or KindIo when the output pipes cannot be
// created or the process cannot be spawned; a non-zero, non-denied exit is returned
// as a successful ExecToolCallOutput with ExitCode set, per spec.md §4.4
// "Classification of results".
func Run(ctx context.Context, callID string, plan *sandbox.AttemptPlan, expiration execcore.ExecExpiration, log *slog.Logger, observer Observer) (execcore.ExecToolCallOutput, error) {
	if log == nil {
		log = slog.Default()
	}

	cmd := exec.Command(plan.Program, plan.Argv...)
	cmd.Dir = plan.Cwd
	cmd.Env = execenv.EnvMapToSlice(plan.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = plan.ExtraFiles

	if plan.Stdin == sandbox.StdinInherit {
		cmd.Stdin = os.Stdin
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return execcore.ExecToolCallOutput{}, execcore.NewError(execcore.KindIo, "stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return execcore.ExecToolCallOutput{}, execcore.NewError(execcore.KindIo, "stderr pipe", err)
	}

	stdoutCap := newCapture(ExecOutputMaxBytes)
	stderrCap := newCapture(ExecOutputMaxBytes)
	agg := newAggregator(ExecOutputMaxBytes, func(stream string, data []byte) {
		if observer != nil {
			observer(ObserverEvent{Kind: "output_delta", CallID: callID, Stream: stream, Chunk: append([]byte(nil), data...)})
		}
	})

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return execcore.ExecToolCallOutput{}, execcore.NewError(execcore.KindIo, "spawn failed", err)
	}
	for _, f := range plan.ExtraFiles {
		f.Close()
	}

	if observer != nil {
		observer(ObserverEvent{Kind: "begin", CallID: callID, Argv: append([]string{plan.Program}, plan.Argv...), Cwd: plan.Cwd, ProcessID: cmd.Process.Pid})
	}

	var readers errgroup.Group
	readers.Go(func() error { return pumpStream("stdout", stdoutPipe, stdoutCap, agg) })
	readers.Go(func() error { return pumpStream("stderr", stderrPipe, stderrCap, agg) })

	var mu sync.Mutex
	var waitErr error
	waitDone := make(chan struct{})
	go func() {
		// readerWg (errgroup) must complete before Wait to avoid the
		// documented pipe-close race — grounded on
		// internal/execsession/session.go's readerWg.Wait()-before-
		// cmd.Wait() discipline.
		_ = readers.Wait()
		err := cmd.Wait()
		mu.Lock()
		waitErr = err
		mu.Unlock()
		close(waitDone)
	}()

	timedOut := false
	var cancelDone <-chan struct{}
	if expiration.Cancel != nil {
		cancelDone = expiration.Cancel.Done()
	}

	var timerCh <-chan time.Time
	if expiration.Timeout > 0 {
		timer := time.NewTimer(expiration.Timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case <-waitDone:
		// natural exit
	case <-timerCh:
		timedOut = true
		twoPhaseKill(cmd, waitDone, log)
		<-waitDone
	case <-cancelDone:
		timedOut = true
		twoPhaseKill(cmd, waitDone, log)
		<-waitDone
	}

	duration := time.Since(start)

	mu.Lock()
	werr := waitErr
	mu.Unlock()

	stdoutResult := stdoutCap.Result()
	stderrResult := stderrCap.Result()
	aggResult := agg.Result()

	if timedOut {
		out := execcore.ExecToolCallOutput{
			ExitCode:         124,
			Stdout:           stdoutResult,
			Stderr:           execcore.StreamText{Text: "Execution timed out or was cancelled", Truncated: false},
			AggregatedOutput: aggResult,
			Duration:         duration,
			TimedOut:         true,
		}
		if observer != nil {
			observer(ObserverEvent{Kind: "end", CallID: callID, ExitCode: 124, Duration: duration, TimedOut: true})
		}
		return out, execcore.NewTimeoutError(out)
	}

	exitCode := exitCodeFrom(werr)

	out := execcore.ExecToolCallOutput{
		ExitCode:         exitCode,
		Stdout:           stdoutResult,
		Stderr:           stderrResult,
		AggregatedOutput: aggResult,
		Duration:         duration,
		TimedOut:         false,
	}

	if observer != nil {
		observer(ObserverEvent{Kind: "end", CallID: callID, ExitCode: exitCode, Duration: duration, TimedOut: false})
	}

	if exitCode != 0 && looksLikeSandboxDenial(aggResult.Text) {
		return out, execcore.NewError(execcore.KindSandboxDenied, "sandbox blocked the action", nil)
	}

	return out, nil
}

func pumpStream(name string, r io.Reader, capturer *capture, agg *aggregator) error {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			capturer.Write(chunk)
			agg.WriteStream(name, chunk)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Exited() {
				return status.ExitStatus()
			}
		}
		return -1
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = exitErr
	return true
}

// twoPhaseKill sends SIGTERM to the process group and waits up to
// gracePeriod for waitDone to close before escalating to SIGKILL. waitDone
// is the same channel Run closes once the real cmd.Wait() returns, so a
// child that exits during the grace window short-circuits the wait instead
// of being killed. Grounded on
// OnslaughtSnail-caelis/kernel/execenv/host.go's process-group kill, here
// extended from SIGKILL-only into the spec-required two-phase shutdown.
func twoPhaseKill(cmd *exec.Cmd, waitDone <-chan struct{}, log *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		log.Debug("twoPhaseKill: SIGTERM failed", slog.Any("error", err))
	}

	select {
	case <-waitDone:
		return
	case <-time.After(gracePeriod):
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
