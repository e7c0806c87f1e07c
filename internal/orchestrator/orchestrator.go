// Package orchestrator implements C7: the top-level glue tying the Policy
// Engine, Approval Gate, Sandbox Launcher, and Exec Pipeline into the
// single-attempt contract of spec.md §4.7, including the escalate-on-
// failure retry. Sandboxed attempts also get a per-attempt Escalation IPC
// control socket wired in, so an in-sandbox program can ask the host to
// run something outside the sandbox without the Orchestrator's own retry.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/approval"
	"github.com/sandboxrun/execcore/internal/exec"
	"github.com/sandboxrun/execcore/internal/execsession"
	"github.com/sandboxrun/execcore/internal/policyengine"
	"github.com/sandboxrun/execcore/internal/sandbox"
)

// Options configures how the orchestrator resolves a sandbox backend and
// what it asks of a human.
type Options struct {
	AskApproval     execcore.AskForApproval
	SandboxPolicy   execcore.SandboxPolicy
	PreferLiteVm    bool
	ThreadID        string
	ApprovalTimeout time.Duration // zero uses approval.DefaultTimeout
}

// Orchestrator owns the per-process components and coordinates one attempt
// at a time per call; it holds no per-attempt state between calls.
type Orchestrator struct {
	log      *slog.Logger
	policy   *policyengine.Engine
	gate     *approval.Gate
	launch   *sandbox.Launcher
	observe  exec.Observer
	sessions *execsession.Manager
}

// New constructs an Orchestrator. observer may be nil.
func New(log *slog.Logger, policy *policyengine.Engine, gate *approval.Gate, launch *sandbox.Launcher, observer exec.Observer) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{log: log, policy: policy, gate: gate, launch: launch, observe: observer, sessions: execsession.NewManager()}
}

// ProcessExec implements the Orchestrator's `process_exec` operation
// (spec.md §6) for a single CommandSpec: policy → approval → plan → run,
// with one escalation retry on Sandbox::Denied.
func (o *Orchestrator) ProcessExec(ctx context.Context, callID, itemID string, spec execcore.CommandSpec, opts Options) (execcore.ExecToolCallOutput, error) {
	if err := spec.Validate(); err != nil {
		return execcore.ExecToolCallOutput{}, err
	}

	out, err := o.attempt(ctx, callID, itemID, spec, opts, false, "")
	if err == nil {
		return out, nil
	}

	denied, ok := execcore.AsError(err)
	if !ok || denied.Kind != execcore.KindSandboxDenied {
		return out, err
	}

	// Step 7: escalate-on-failure. Re-prompt with a retry reason; on
	// approval, rerun unsandboxed preserving env and cwd; otherwise
	// surface the original denial.
	return o.escalate(ctx, callID, itemID, spec, opts, denied)
}

func (o *Orchestrator) attempt(ctx context.Context, callID, itemID string, spec execcore.CommandSpec, opts Options, approvalRequested bool, retryReason string) (execcore.ExecToolCallOutput, error) {
	plan, err := o.resolvePlan(ctx, callID, itemID, spec, opts, approvalRequested, retryReason)
	if err != nil {
		return execcore.ExecToolCallOutput{}, err
	}
	handle, err := o.attachEscalation(plan, opts.AskApproval)
	if err != nil {
		return execcore.ExecToolCallOutput{}, err
	}
	defer handle.close()
	return exec.Run(ctx, callID, plan, spec.Expiration, o.log, o.observe)
}

// resolvePlan runs the policy → approval half of an attempt and returns the
// AttemptPlan the Exec Pipeline (or a unified_exec session) should spawn,
// without itself running anything.
func (o *Orchestrator) resolvePlan(ctx context.Context, callID, itemID string, spec execcore.CommandSpec, opts Options, approvalRequested bool, retryReason string) (*sandbox.AttemptPlan, error) {
	outcome := o.policy.Evaluate(spec, opts.SandboxPolicy, opts.AskApproval, approvalRequested, retryReason)

	switch outcome.Kind {
	case execcore.OutcomeReject:
		return nil, execcore.NewError(execcore.KindPolicyRejected, outcome.Reason, nil)

	case execcore.OutcomeAskUser:
		decision, err := o.requestExecApproval(ctx, callID, itemID, spec, outcome.Prompt, retryReason, opts.ApprovalTimeout)
		if err != nil {
			return nil, err
		}
		switch decision {
		case execcore.ApprovalDenied, execcore.ApprovalAbort:
			return nil, execcore.NewError(execcore.KindApprovalDenied, "user denied execution", nil)
		}
		return o.planUnsandboxed(spec)

	case execcore.OutcomeRunUnsandboxed:
		return o.planUnsandboxed(spec)

	default: // OutcomeRunSandboxed
		return o.planSandboxed(spec, opts)
	}
}

func (o *Orchestrator) planSandboxed(spec execcore.CommandSpec, opts Options) (*sandbox.AttemptPlan, error) {
	sbType := sandbox.ResolveSandboxType(opts.SandboxPolicy, opts.PreferLiteVm)
	return o.launch.Plan(spec, opts.SandboxPolicy, sbType)
}

func (o *Orchestrator) planUnsandboxed(spec execcore.CommandSpec) (*sandbox.AttemptPlan, error) {
	return o.launch.Plan(spec, execcore.SandboxPolicy{Kind: execcore.SandboxDangerFullAccess}, execcore.SandboxTypeNone)
}

// escalate implements spec.md §4.7 step 7: re-query policy with the retry
// reason attached. If it still doesn't land on AskUser (e.g. AskReject or
// AskNever), the original sandbox denial is surfaced rather than retried
// blindly.
func (o *Orchestrator) escalate(ctx context.Context, callID, itemID string, spec execcore.CommandSpec, opts Options, original *execcore.Error) (execcore.ExecToolCallOutput, error) {
	retryReason := "sandbox denied: " + original.Message
	outcome := o.policy.Evaluate(spec, opts.SandboxPolicy, opts.AskApproval, true, retryReason)
	if outcome.Kind != execcore.OutcomeAskUser {
		return execcore.ExecToolCallOutput{}, original
	}

	decision, err := o.requestExecApproval(ctx, callID, itemID, spec, outcome.Prompt, retryReason, opts.ApprovalTimeout)
	if err != nil {
		return execcore.ExecToolCallOutput{}, err
	}
	if decision == execcore.ApprovalDenied || decision == execcore.ApprovalAbort {
		return execcore.ExecToolCallOutput{}, original
	}
	plan, err := o.planUnsandboxed(spec)
	if err != nil {
		return execcore.ExecToolCallOutput{}, err
	}
	return exec.Run(ctx, callID, plan, spec.Expiration, o.log, o.observe)
}

func (o *Orchestrator) requestExecApproval(ctx context.Context, callID, itemID string, spec execcore.CommandSpec, prompt, retryReason string, timeout time.Duration) (execcore.ApprovalDecision, error) {
	if timeout <= 0 {
		timeout = approval.DefaultTimeout
	}
	key := execcore.NewExecApprovalKey(spec.Argv)
	return o.gate.Request(ctx, callID, itemID, "exec", prompt, key, retryReason, timeout)
}

// NewCallID mints an id for one attempt, per spec.md §3's Attempt concept.
func NewCallID() string {
	return uuid.NewString()
}

// OpenExecSession implements the supplementary open_exec_session operation
// (SPEC_FULL.md §B.1): it resolves a sandboxed or unsandboxed AttemptPlan
// through the same policy → approval path as ProcessExec, then spawns a
// persistent PTY- or pipe-backed session under it instead of a one-shot
// attempt. The caller-chosen processID identifies the session in
// subsequent WriteExecSession and CloseExecSession calls.
func (o *Orchestrator) OpenExecSession(ctx context.Context, processID, itemID string, spec execcore.CommandSpec, tty bool, opts Options) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	plan, err := o.resolvePlan(ctx, processID, itemID, spec, opts, false, "")
	if err != nil {
		return err
	}
	_, err = o.sessions.Open(processID, plan, tty)
	return err
}

// WriteExecSession sends data to an open session's stdin. Only sessions
// opened with tty=true accept writes; see execsession.ErrStdinClosed.
func (o *Orchestrator) WriteExecSession(processID string, data []byte) error {
	sess, ok := o.sessions.Get(processID)
	if !ok {
		return execcore.NewError(execcore.KindInvalidInput, "no open exec session with that id", nil)
	}
	return sess.WriteStdin(data)
}

// CollectExecSessionOutput returns whatever output a session has produced
// since it was last collected, waiting up to deadline for new output.
func (o *Orchestrator) CollectExecSessionOutput(processID string, deadline time.Time) ([]byte, error) {
	sess, ok := o.sessions.Get(processID)
	if !ok {
		return nil, execcore.NewError(execcore.KindInvalidInput, "no open exec session with that id", nil)
	}
	return sess.CollectOutput(deadline, nil), nil
}

// CloseExecSession terminates and unregisters an open session.
func (o *Orchestrator) CloseExecSession(processID string) error {
	if !o.sessions.Close(processID) {
		return execcore.NewError(execcore.KindInvalidInput, "no open exec session with that id", nil)
	}
	return nil
}
