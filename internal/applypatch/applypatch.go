// Package applypatch implements C6: executing a verified patch by
// self-invoking the current host binary under the sandbox, per spec.md
// §4.6. The parse/apply core lives in internal/tools/patch; this package
// only assembles and runs the sandboxed self-invocation.
package applypatch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/approval"
	"github.com/sandboxrun/execcore/internal/exec"
	"github.com/sandboxrun/execcore/internal/policyengine"
	"github.com/sandboxrun/execcore/internal/sandbox"
	"github.com/sandboxrun/execcore/internal/tools/patch"
)

// SelfInvokeFlag marks a re-exec of the host binary as an in-sandbox patch
// application rather than a normal run. Recognized by Main.
const SelfInvokeFlag = "--exec-apply-patch"

// Main is the self-invocation entry point: called from the host binary's
// main() when argv[1] == SelfInvokeFlag. argv[2] is the patch text; cwd
// comes from the process's working directory, set by the spawning Exec
// Pipeline via AttemptPlan.Cwd. Returns the process exit code.
func Main(argv []string) int {
	if len(argv) < 3 {
		os.Stderr.WriteString("apply-patch: missing patch text\n")
		return 2
	}
	cwd, err := os.Getwd()
	if err != nil {
		os.Stderr.WriteString("apply-patch: " + err.Error() + "\n")
		return 1
	}
	summary, err := patch.Apply(argv[2], cwd)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}
	os.Stdout.WriteString(summary + "\n")
	return 0
}

// Runner executes ApplyPatchRequests through the full C6 pipeline:
// approval (keyed on FilePaths) → command assembly → C2, with one
// escalate-on-failure retry on Sandbox::Denied.
type Runner struct {
	log    *slog.Logger
	policy *policyengine.Engine
	gate   *approval.Gate
	launch *sandbox.Launcher
}

// NewRunner constructs a Runner.
func NewRunner(log *slog.Logger, policy *policyengine.Engine, gate *approval.Gate, launch *sandbox.Launcher) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log, policy: policy, gate: gate, launch: launch}
}

// Run executes req, prompting for approval only if req's
// ExecApprovalRequirement says AskUser (a patch is pre-approved upstream
// by default; spec.md §4.6 "Approval").
func (r *Runner) Run(ctx context.Context, callID, itemID string, req execcore.ApplyPatchRequest, sandboxPolicy execcore.SandboxPolicy, observer exec.Observer) (execcore.ExecToolCallOutput, error) {
	out, err := r.attempt(ctx, callID, itemID, req, sandboxPolicy, observer, "")
	if err == nil {
		return out, nil
	}

	e, ok := execcore.AsError(err)
	if !ok || e.Kind != execcore.KindSandboxDenied {
		return out, err
	}

	// Escalation: re-prompt with the retry reason, then rerun unsandboxed.
	return r.attempt(ctx, callID, itemID, req, sandboxPolicy, observer, "sandbox denied: "+e.Message)
}

func (r *Runner) attempt(ctx context.Context, callID, itemID string, req execcore.ApplyPatchRequest, sandboxPolicy execcore.SandboxPolicy, observer exec.Observer, retryReason string) (execcore.ExecToolCallOutput, error) {
	outcome := r.policy.EvaluatePatch(req.ExecApprovalRequirement, retryReason)

	switch outcome.Kind {
	case execcore.OutcomeReject:
		return execcore.ExecToolCallOutput{}, execcore.NewError(execcore.KindPolicyRejected, outcome.Reason, nil)

	case execcore.OutcomeAskUser:
		key := execcore.NewPatchApprovalKey(req.FilePaths)
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = approval.DefaultTimeout
		}
		decision, err := r.gate.Request(ctx, callID, itemID, "apply_patch", outcome.Prompt, key, retryReason, timeout)
		if err != nil {
			return execcore.ExecToolCallOutput{}, err
		}
		if decision == execcore.ApprovalDenied || decision == execcore.ApprovalAbort {
			return execcore.ExecToolCallOutput{}, execcore.NewError(execcore.KindApprovalDenied, "user denied patch application", nil)
		}
		if retryReason != "" {
			return r.run(ctx, callID, req, execcore.SandboxPolicy{Kind: execcore.SandboxDangerFullAccess}, execcore.SandboxTypeNone, observer)
		}
		return r.runSandboxed(ctx, callID, req, sandboxPolicy, observer)

	case execcore.OutcomeRunUnsandboxed:
		return r.run(ctx, callID, req, execcore.SandboxPolicy{Kind: execcore.SandboxDangerFullAccess}, execcore.SandboxTypeNone, observer)

	default: // OutcomeRunSandboxed
		return r.runSandboxed(ctx, callID, req, sandboxPolicy, observer)
	}
}

func (r *Runner) runSandboxed(ctx context.Context, callID string, req execcore.ApplyPatchRequest, sandboxPolicy execcore.SandboxPolicy, observer exec.Observer) (execcore.ExecToolCallOutput, error) {
	sbType := sandbox.ResolveSandboxType(sandboxPolicy, false)
	return r.run(ctx, callID, req, sandboxPolicy, sbType, observer)
}

func (r *Runner) run(ctx context.Context, callID string, req execcore.ApplyPatchRequest, sandboxPolicy execcore.SandboxPolicy, sbType execcore.SandboxType, observer exec.Observer) (execcore.ExecToolCallOutput, error) {
	spec, err := buildSpec(req)
	if err != nil {
		return execcore.ExecToolCallOutput{}, err
	}

	plan, err := r.launch.Plan(spec, sandboxPolicy, sbType)
	if err != nil {
		return execcore.ExecToolCallOutput{}, err
	}

	return exec.Run(ctx, callID, plan, spec.Expiration, r.log, observer)
}

// buildSpec implements spec.md §4.6's "Command assembly": program is the
// caller-provided host exe or the current executable; argv is
// [SelfInvokeFlag, patch_text].
func buildSpec(req execcore.ApplyPatchRequest) (execcore.CommandSpec, error) {
	program := req.HostExe
	if program == "" {
		exe, err := os.Executable()
		if err != nil {
			return execcore.CommandSpec{}, execcore.NewError(execcore.KindInternal, "resolving host executable", err)
		}
		program = exe
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return execcore.CommandSpec{
		Program:    program,
		Argv:       []string{SelfInvokeFlag, req.PatchText},
		Cwd:        req.Cwd,
		Expiration: execcore.ExecExpiration{Timeout: timeout},
	}, nil
}
