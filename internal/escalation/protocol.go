// Package escalation implements C3: the in-sandbox escalation IPC that lets
// a child process running inside the sandbox ask the host to run a program
// outside the sandbox on its behalf, subject to the Policy Engine.
package escalation

// Environment variables the host advertises to the in-sandbox helper so it
// can find the control socket and the execve wrapper it should install as
// its own escalation shim.
const (
	ControlSocketEnvVar = "EXECCORE_ESCALATE_SOCKET_FD"
	ExecWrapperEnvVar   = "EXECCORE_EXEC_WRAPPER"
)

// EscalateRequest is the first message of a session: the in-sandbox helper
// asks to run `file argv...` in `workdir` with `env`.
type EscalateRequest struct {
	File    string            `json:"file"`
	Argv    []string          `json:"argv"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
}

// EscalateAction is the host's decision for an EscalateRequest.
type EscalateAction string

const (
	ActionRun      EscalateAction = "run"
	ActionEscalate EscalateAction = "escalate"
	ActionDeny     EscalateAction = "deny"
)

// EscalateResponse answers an EscalateRequest.
type EscalateResponse struct {
	Action EscalateAction `json:"action"`
	Reason string         `json:"reason,omitempty"`
}

// SuperExecMessage is sent by the client after an ActionEscalate response:
// Fds names the destination fd number in the about-to-be-spawned child for
// each ancillary fd received alongside this message, in order.
type SuperExecMessage struct {
	Fds []int32 `json:"fds"`
}

// SuperExecResult reports the escalated child's exit code. 127 is used when
// the process could not be reaped with a normal exit code (e.g. killed by
// signal).
type SuperExecResult struct {
	ExitCode int32 `json:"exit_code"`
}
