package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/policyengine"
)

// PolicyInputs is the subset of ambient policy state an escalation session
// needs to consult the Policy Engine (spec.md §4.3 step 2).
type PolicyInputs struct {
	SandboxPolicy execcore.SandboxPolicy
	AskApproval   execcore.AskForApproval
}

// Server owns the control datagram socket (spec.md §4.3) and spawns one
// session per incoming stream-socket handshake. A broken socket aborts only
// that session, never the server loop.
type Server struct {
	control *net.UnixConn
	engine  *policyengine.Engine
	inputs  PolicyInputs
	log     *slog.Logger
}

// NewServer wraps an already-connected control datagram socket (create one
// end with NewControlSocketPair and hand the other fd to the sandboxed
// child via ControlSocketEnvVar).
func NewServer(control *net.UnixConn, engine *policyengine.Engine, inputs PolicyInputs, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{control: control, engine: engine, inputs: inputs, log: log}
}

// NewControlSocketPair creates the control datagram socket pair described
// in spec.md §4.3: one end stays with the host Server, the other is passed
// to the sandboxed child via an inherited fd.
func NewControlSocketPair() (hostEnd, childEnd *net.UnixConn, err error) {
	return newSocketPair(unix.SOCK_DGRAM)
}

// Serve runs the host-side accept loop until ctx is cancelled. Each
// handshake must deliver exactly one fd; any other count is a protocol
// violation that is logged and dropped, never fatal to the loop.
func (s *Server) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.control.Close()
		close(done)
	}()

	for {
		fds, err := recvFrame(s.control, nil)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("escalation: control socket receive: %w", err)
			}
		}
		if len(fds) != 1 {
			s.log.Error("escalation: protocol violation in handshake", slog.Int("fd_count", len(fds)))
			for _, fd := range fds {
				namedFile(fd, "dropped").Close()
			}
			continue
		}

		streamConn, err := fdToUnixConn(fds[0])
		if err != nil {
			s.log.Error("escalation: failed to wrap stream fd", slog.Any("error", err))
			continue
		}
		go func() {
			if err := s.handleSession(streamConn); err != nil {
				s.log.Warn("escalation: session ended with error", slog.Any("error", err))
			}
		}()
	}
}

// handleSession implements the per-request state machine of spec.md §4.3.
func (s *Server) handleSession(conn *net.UnixConn) error {
	defer conn.Close()

	var req EscalateRequest
	if _, err := recvFrame(conn, &req); err != nil {
		return fmt.Errorf("receive EscalateRequest: %w", err)
	}

	file := absolutize(req.File, req.Workdir)
	workdir := absolutize(req.Workdir, req.Workdir)

	spec := execcore.CommandSpec{Program: file, Argv: req.Argv, Cwd: workdir, Env: req.Env}
	outcome := s.engine.Evaluate(spec, s.inputs.SandboxPolicy, s.inputs.AskApproval, false, "")

	var action EscalateAction
	var reason string
	switch outcome.Kind {
	case execcore.OutcomeRunSandboxed:
		action = ActionRun
	case execcore.OutcomeRunUnsandboxed:
		action = ActionEscalate
	case execcore.OutcomeAskUser:
		// An escalation session cannot itself suspend for human approval;
		// a command that would require asking is denied at this layer.
		action = ActionDeny
		reason = "requires approval, not available on the escalation path"
	case execcore.OutcomeReject:
		action = ActionDeny
		reason = outcome.Reason
	}

	s.log.Debug("escalation decision",
		slog.String("file", file), slog.Any("argv", req.Argv), slog.String("action", string(action)))

	if err := sendFrame(conn, EscalateResponse{Action: action, Reason: reason}, nil); err != nil {
		return fmt.Errorf("send EscalateResponse: %w", err)
	}
	if action != ActionEscalate {
		return nil
	}

	var msg SuperExecMessage
	recvFds, err := recvFrame(conn, &msg)
	if err != nil {
		return fmt.Errorf("receive SuperExecMessage: %w", err)
	}
	if len(recvFds) != len(msg.Fds) {
		return execcore.NewError(execcore.KindProtocol,
			fmt.Sprintf("mismatched fd count: message names %d, ancillary data carried %d", len(msg.Fds), len(recvFds)), nil)
	}
	if hasDuplicateDst(msg.Fds) {
		return execcore.NewError(execcore.KindProtocol, "overlapping destination fds in SuperExecMessage", nil)
	}

	fdPairs := make(map[int]int, len(msg.Fds))
	for i, dst := range msg.Fds {
		fdPairs[int(dst)] = recvFds[i]
	}

	exitCode, err := spawnEscalated(file, req.Argv, req.Env, workdir, fdPairs)
	for _, fd := range recvFds {
		namedFile(fd, "ancillary").Close()
	}
	if err != nil {
		s.log.Warn("escalation: escalated spawn failed", slog.Any("error", err))
		exitCode = 127
	}

	if err := sendFrame(conn, SuperExecResult{ExitCode: int32(exitCode)}, nil); err != nil {
		return fmt.Errorf("send SuperExecResult: %w", err)
	}
	return nil
}

func hasDuplicateDst(fds []int32) bool {
	seen := make(map[int32]bool, len(fds))
	for _, f := range fds {
		if seen[f] {
			return true
		}
		seen[f] = true
	}
	return false
}

func absolutize(path, base string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// spawnEscalated runs file/argv outside the sandbox with fdPairs dup'd into
// place (dst fd -> src fd) before exec, per spec.md §4.3 step 5. Any dst fd
// not present in fdPairs (including 0/1/2) is wired to /dev/null.
func spawnEscalated(file string, argv []string, env map[string]string, workdir string, fdPairs map[int]int) (int, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 127, err
	}
	defer devNull.Close()

	maxFd := 2
	for dst := range fdPairs {
		if dst > maxFd {
			maxFd = dst
		}
	}
	files := make([]uintptr, maxFd+1)
	for i := range files {
		files[i] = devNull.Fd()
	}
	for dst, src := range fdPairs {
		files[dst] = uintptr(src)
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	if len(argv) == 0 {
		return 127, fmt.Errorf("escalation: empty argv")
	}

	pid, err := syscall.ForkExec(file, argv, &syscall.ProcAttr{
		Dir:   workdir,
		Env:   envSlice,
		Files: files,
	})
	if err != nil {
		return 127, fmt.Errorf("escalation: forkexec: %w", err)
	}

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return 127, fmt.Errorf("escalation: wait4: %w", err)
	}
	if ws.Exited() {
		return ws.ExitStatus(), nil
	}
	if ws.Signaled() {
		return 127, nil
	}
	return 127, nil
}
