package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRuntimeProbe(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mke2fs"), []byte("x"), 0o644))
}

func TestLiteVmSandboxAvailableFalseWithoutRuntimeDir(t *testing.T) {
	l := &LiteVmSandbox{InstallDir: t.TempDir()}
	require.False(t, l.Available())
}

func TestLiteVmSandboxAvailableTrueWithRuntimeDir(t *testing.T) {
	install := t.TempDir()
	writeRuntimeProbe(t, filepath.Join(install, "deps", "runtime"))

	l := &LiteVmSandbox{InstallDir: install}
	require.True(t, l.Available())
}

func TestLiteVmSandboxTransformFullAccessPassesThrough(t *testing.T) {
	install := t.TempDir()
	writeRuntimeProbe(t, filepath.Join(install, "deps", "runtime"))

	l := &LiteVmSandbox{InstallDir: install}
	spec := CommandSpec{Program: "bash", Args: []string{"-c", "echo hi"}, Cwd: "/tmp"}
	env, err := l.Transform(spec, &SandboxPolicy{Mode: ModeFullAccess})
	require.NoError(t, err)
	require.Equal(t, []string{"bash", "-c", "echo hi"}, env.Command)
	require.Contains(t, env.Env, "EXECCORE_LITEVM_RUNTIME_DIR")
}

func TestLiteVmSandboxTransformRestrictedWrapsInBoxliteRun(t *testing.T) {
	install := t.TempDir()
	writeRuntimeProbe(t, filepath.Join(install, "deps", "runtime"))

	l := &LiteVmSandbox{InstallDir: install}
	spec := CommandSpec{Program: "bash", Args: []string{"-c", "echo hi"}, Cwd: "/tmp"}
	env, err := l.Transform(spec, &SandboxPolicy{Mode: ModeWorkspaceWrite, WritableRoots: []WritableRoot{"/tmp/work"}})
	require.NoError(t, err)
	require.Equal(t, []string{
		"boxlite-run", "--mode", "workspace-write", "--no-network", "--write", "/tmp/work",
		"--", "bash", "-c", "echo hi",
	}, env.Command)
}

func TestLiteVmSandboxTransformUnavailableRuntimeErrors(t *testing.T) {
	l := &LiteVmSandbox{InstallDir: t.TempDir()}
	_, err := l.Transform(CommandSpec{Program: "bash", Cwd: "/tmp"}, &SandboxPolicy{Mode: ModeReadOnly})
	require.Error(t, err)
}
