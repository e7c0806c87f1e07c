package applypatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/approval"
	"github.com/sandboxrun/execcore/internal/policyengine"
	"github.com/sandboxrun/execcore/internal/sandbox"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	gate := approval.NewGate(slog.Default(), nil)
	t.Cleanup(gate.Close)
	engine := policyengine.New(slog.Default(), nil)
	launch := sandbox.NewLauncher(slog.Default(), nil)
	return NewRunner(slog.Default(), engine, gate, launch)
}

// fakeHostExe writes a shell script standing in for the re-exec'd host
// binary, so Run's command assembly and delegation into C2 can be
// exercised without building the real execcore binary.
func fakeHostExe(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-host")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func TestRunDelegatesAssembledCommandToExecPipeline(t *testing.T) {
	r := newTestRunner(t)
	req := execcore.ApplyPatchRequest{
		PatchText:               "*** Begin Patch\n*** End Patch\n",
		ExecApprovalRequirement: execcore.OutcomeRunSandboxed,
		HostExe:                 fakeHostExe(t),
		Cwd:                     t.TempDir(),
	}
	sandboxPolicy := execcore.SandboxPolicy{Kind: execcore.SandboxDangerFullAccess}
	out, err := r.Run(context.Background(), "call-1", "item-1", req, sandboxPolicy, nil)
	require.NoError(t, err)
	require.Equal(t, 0, out.ExitCode)
}

func TestRunAskUserTimesOutAsError(t *testing.T) {
	r := newTestRunner(t)
	req := execcore.ApplyPatchRequest{
		PatchText:               "*** Begin Patch\n*** End Patch\n",
		FilePaths:               []string{"/tmp/a.txt"},
		ExecApprovalRequirement: execcore.OutcomeAskUser,
		HostExe:                 fakeHostExe(t),
		Cwd:                     t.TempDir(),
		Timeout:                 20 * time.Millisecond,
	}
	sandboxPolicy := execcore.SandboxPolicy{Kind: execcore.SandboxDangerFullAccess}
	_, err := r.Run(context.Background(), "call-2", "item-2", req, sandboxPolicy, nil)
	require.Error(t, err)
	e, ok := execcore.AsError(err)
	require.True(t, ok)
	require.Equal(t, execcore.KindApprovalTimedOut, e.Kind)
}

// TestBuildSpecDefaultsToCurrentExecutable covers spec.md §4.6's "program
// is the caller-provided host exe if it exists, otherwise the current
// executable" rule.
func TestBuildSpecDefaultsToCurrentExecutable(t *testing.T) {
	req := execcore.ApplyPatchRequest{PatchText: "p", Cwd: "/tmp"}
	spec, err := buildSpec(req)
	require.NoError(t, err)
	exe, err := os.Executable()
	require.NoError(t, err)
	require.Equal(t, exe, spec.Program)
	require.Equal(t, []string{SelfInvokeFlag, "p"}, spec.Argv)
}

func TestBuildSpecHonorsHostExeOverride(t *testing.T) {
	req := execcore.ApplyPatchRequest{PatchText: "p", Cwd: "/tmp", HostExe: "/usr/local/bin/execcore"}
	spec, err := buildSpec(req)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/execcore", spec.Program)
}

// TestMainAppliesPatchInCwd exercises the self-invocation entry point
// directly: argv mirrors what the Exec Pipeline hands to the re-exec'd
// process ([self, SelfInvokeFlag, patchText]), cwd supplies the target
// directory.
func TestMainAppliesPatchInCwd(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "new.txt")
	patch := "*** Begin Patch\n*** Add File: new.txt\n+hello\n*** End Patch\n"

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { require.NoError(t, os.Chdir(wd)) }()

	code := Main([]string{"execcore", SelfInvokeFlag, patch})
	require.Equal(t, 0, code)

	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(contents))
}
