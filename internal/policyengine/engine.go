// Package policyengine implements C4: classifying a prospective execution
// into one of the four outcomes named in spec.md §4.1, without side
// effects. It is reusable for both direct exec and escalation IPC
// requests.
package policyengine

import (
	"log/slog"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/command_safety"
	"github.com/sandboxrun/execcore/internal/execpolicy"
)

// Engine evaluates CommandSpecs against the ordered rule list in spec.md
// §4.1. The embedded ExecPolicyManager supplies rule 2's "trusted command"
// predicate via operator-authored Starlark rules; command_safety supplies a
// built-in predicate that is consulted first, whether or not rules are loaded.
type Engine struct {
	log   *slog.Logger
	rules *execpolicy.ExecPolicyManager
}

// New constructs an Engine. rules may be nil, in which case only the
// built-in command_safety predicate is consulted for rule 2.
func New(log *slog.Logger, rules *execpolicy.ExecPolicyManager) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log, rules: rules}
}

// Evaluate implements the seven ordered rules of spec.md §4.1. retryReason
// is non-empty on the second attempt after a sandbox failure.
func (e *Engine) Evaluate(
	spec execcore.CommandSpec,
	sandboxPolicy execcore.SandboxPolicy,
	ask execcore.AskForApproval,
	approvalRequested bool,
	retryReason string,
) execcore.PolicyOutcome {
	if err := spec.Validate(); err != nil {
		return execcore.PolicyOutcome{Kind: execcore.OutcomeReject, Reason: "invalid-input"}
	}

	// Rule 1: DangerFullAccess always runs unsandboxed.
	if sandboxPolicy.Kind == execcore.SandboxDangerFullAccess {
		return execcore.PolicyOutcome{Kind: execcore.OutcomeRunUnsandboxed, Reason: "policy"}
	}

	// Rule 2: trusted predicate.
	if e.isTrusted(spec.Argv) {
		return execcore.PolicyOutcome{Kind: execcore.OutcomeRunSandboxed}
	}

	// Rule 3: Never ask.
	if ask.Kind == execcore.AskNever {
		return execcore.PolicyOutcome{Kind: execcore.OutcomeRunSandboxed}
	}

	// Rule 4: Reject policy.
	if ask.Kind == execcore.AskReject {
		return execcore.PolicyOutcome{Kind: execcore.OutcomeReject, Reason: ask.RejectReason}
	}

	// Rule 5: UnlessTrusted — not in trusted set (we already checked), ask.
	if ask.Kind == execcore.AskUnlessTrusted {
		return execcore.PolicyOutcome{Kind: execcore.OutcomeAskUser, Prompt: "command not in trusted set"}
	}

	// Rule 6: OnRequest.
	if ask.Kind == execcore.AskOnRequest {
		if approvalRequested {
			return execcore.PolicyOutcome{Kind: execcore.OutcomeAskUser, Prompt: "approval requested by caller"}
		}
		return execcore.PolicyOutcome{Kind: execcore.OutcomeRunSandboxed}
	}

	// Rule 7: OnFailure.
	if ask.Kind == execcore.AskOnFailure {
		if retryReason != "" {
			return execcore.PolicyOutcome{Kind: execcore.OutcomeAskUser, Prompt: retryReason}
		}
		return execcore.PolicyOutcome{Kind: execcore.OutcomeRunSandboxed}
	}

	e.log.Warn("policy engine: unrecognized AskForApproval kind, defaulting to ask",
		slog.Int("kind", int(ask.Kind)))
	return execcore.PolicyOutcome{Kind: execcore.OutcomeAskUser, Prompt: "unrecognized approval policy"}
}

// EvaluatePatch honors a precomputed ExecApprovalRequirement verbatim, as
// required by spec.md §4.1's tie-break for patch application (§4.6).
func (e *Engine) EvaluatePatch(requirement execcore.PolicyOutcomeKind, retryReason string) execcore.PolicyOutcome {
	if retryReason != "" {
		return execcore.PolicyOutcome{Kind: execcore.OutcomeAskUser, Prompt: retryReason}
	}
	return execcore.PolicyOutcome{Kind: requirement}
}

// isTrusted implements rule 2's shallow-parse trusted predicate: the
// built-in known-safe-command heuristic, or else an explicit Starlark allow
// rule when rules are loaded.
func (e *Engine) isTrusted(argv []string) bool {
	if command_safety.IsKnownSafeCommand(argv) {
		return true
	}
	if e.rules == nil {
		return false
	}
	eval := e.rules.GetEvaluation(argv, "unless-trusted")
	return eval.Decision == execpolicy.DecisionAllow
}
