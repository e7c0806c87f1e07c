package policyengine

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/execpolicy"
)

func untrustedSpec() execcore.CommandSpec {
	return execcore.CommandSpec{Program: "/usr/bin/mytool", Argv: []string{"mytool", "--deploy"}, Cwd: "/tmp"}
}

func TestEvaluateRejectsInvalidSpec(t *testing.T) {
	e := New(slog.Default(), nil)
	out := e.Evaluate(execcore.CommandSpec{}, execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskNever}, false, "")
	require.Equal(t, execcore.OutcomeReject, out.Kind)
}

func TestEvaluateRule1DangerFullAccessAlwaysUnsandboxed(t *testing.T) {
	e := New(slog.Default(), nil)
	out := e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxDangerFullAccess}, execcore.AskForApproval{Kind: execcore.AskReject, RejectReason: "frozen"}, false, "")
	require.Equal(t, execcore.OutcomeRunUnsandboxed, out.Kind)
}

func TestEvaluateRule2BuiltinTrustedCommandRunsRegardlessOfAsk(t *testing.T) {
	e := New(slog.Default(), nil)
	spec := execcore.CommandSpec{Program: "/bin/echo", Argv: []string{"echo", "hi"}, Cwd: "/tmp"}
	out := e.Evaluate(spec, execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskReject, RejectReason: "frozen"}, false, "")
	require.Equal(t, execcore.OutcomeRunSandboxed, out.Kind)
}

func TestEvaluateRule2StarlarkAllowRuleTrusts(t *testing.T) {
	rules, err := execpolicy.LoadExecPolicyFromSource(`prefix_rule(pattern=["mytool"], decision="allow")`)
	require.NoError(t, err)

	e := New(slog.Default(), rules)
	out := e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskReject, RejectReason: "frozen"}, false, "")
	require.Equal(t, execcore.OutcomeRunSandboxed, out.Kind)
}

func TestEvaluateRule3AskNeverRunsUntrustedCommand(t *testing.T) {
	e := New(slog.Default(), nil)
	out := e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskNever}, false, "")
	require.Equal(t, execcore.OutcomeRunSandboxed, out.Kind)
}

func TestEvaluateRule4AskRejectRejectsWithReason(t *testing.T) {
	e := New(slog.Default(), nil)
	out := e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskReject, RejectReason: "frozen for release"}, false, "")
	require.Equal(t, execcore.OutcomeReject, out.Kind)
	require.Equal(t, "frozen for release", out.Reason)
}

func TestEvaluateRule5UnlessTrustedAsksForUntrustedCommand(t *testing.T) {
	e := New(slog.Default(), nil)
	out := e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskUnlessTrusted}, false, "")
	require.Equal(t, execcore.OutcomeAskUser, out.Kind)
}

func TestEvaluateRule6OnRequestOnlyAsksWhenApprovalRequested(t *testing.T) {
	e := New(slog.Default(), nil)

	out := e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskOnRequest}, false, "")
	require.Equal(t, execcore.OutcomeRunSandboxed, out.Kind)

	out = e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskOnRequest}, true, "")
	require.Equal(t, execcore.OutcomeAskUser, out.Kind)
}

func TestEvaluateRule7OnFailureOnlyAsksWithRetryReason(t *testing.T) {
	e := New(slog.Default(), nil)

	out := e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskOnFailure}, false, "")
	require.Equal(t, execcore.OutcomeRunSandboxed, out.Kind)

	out = e.Evaluate(untrustedSpec(), execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly}, execcore.AskForApproval{Kind: execcore.AskOnFailure}, false, "sandbox denied: permission denied")
	require.Equal(t, execcore.OutcomeAskUser, out.Kind)
	require.Equal(t, "sandbox denied: permission denied", out.Prompt)
}

func TestEvaluatePatchHonorsRetryReasonOverRequirement(t *testing.T) {
	e := New(slog.Default(), nil)

	out := e.EvaluatePatch(execcore.OutcomeRunSandboxed, "")
	require.Equal(t, execcore.OutcomeRunSandboxed, out.Kind)

	out = e.EvaluatePatch(execcore.OutcomeRunSandboxed, "sandbox denied: read-only file system")
	require.Equal(t, execcore.OutcomeAskUser, out.Kind)
	require.Equal(t, "sandbox denied: read-only file system", out.Prompt)
}
