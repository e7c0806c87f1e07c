package execenv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverRuntimeDirEnvVarOverride(t *testing.T) {
	t.Setenv(RuntimeDirEnvVar, "/opt/custom-runtime")
	dir, err := DiscoverRuntimeDir(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "/opt/custom-runtime", dir)
}

func TestDiscoverRuntimeDirDirectDepsPath(t *testing.T) {
	install := t.TempDir()
	runtime := filepath.Join(install, "deps", "runtime")
	require.NoError(t, os.MkdirAll(runtime, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runtime, "mke2fs"), []byte("x"), 0o644))

	dir, err := DiscoverRuntimeDir(install)
	require.NoError(t, err)
	require.Equal(t, runtime, dir)
}

func TestDiscoverRuntimeDirNewestBuildMatchWins(t *testing.T) {
	install := t.TempDir()
	for _, suffix := range []string{"abc123", "def456"} {
		runtime := filepath.Join(install, "build", "boxlite-"+suffix, "out", "runtime")
		require.NoError(t, os.MkdirAll(runtime, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(runtime, "mke2fs"), []byte("x"), 0o644))
	}

	dir, err := DiscoverRuntimeDir(install)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(install, "build", "boxlite-def456", "out", "runtime"), dir)
}

func TestDiscoverRuntimeDirNotFoundIsError(t *testing.T) {
	_, err := DiscoverRuntimeDir(t.TempDir())
	require.Error(t, err)
}

func TestOverlayLoaderEnvPrependsRuntimeDirAndKeepsHostValue(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "/host/lib")
	t.Setenv("DYLD_LIBRARY_PATH", "")
	t.Setenv("DYLD_FALLBACK_LIBRARY_PATH", "")

	env := map[string]string{"LD_LIBRARY_PATH": "/existing/lib"}
	OverlayLoaderEnv(env, "/runtime/lib")

	require.Equal(t, "/runtime/lib:/existing/lib:/host/lib", env["LD_LIBRARY_PATH"])
}

func TestOverlayLoaderEnvDedupesRuntimeDirAlreadyPresent(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "")
	t.Setenv("DYLD_LIBRARY_PATH", "")
	t.Setenv("DYLD_FALLBACK_LIBRARY_PATH", "")

	env := map[string]string{"LD_LIBRARY_PATH": "/runtime/lib:/other"}
	OverlayLoaderEnv(env, "/runtime/lib")

	require.Equal(t, "/runtime/lib:/other", env["LD_LIBRARY_PATH"])
}

func TestOverlayLoaderEnvNoRuntimeDirLeavesListUntouched(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "")
	t.Setenv("DYLD_LIBRARY_PATH", "")
	t.Setenv("DYLD_FALLBACK_LIBRARY_PATH", "")

	env := map[string]string{"LD_LIBRARY_PATH": "/existing/lib"}
	OverlayLoaderEnv(env, "")

	require.Equal(t, "/existing/lib", env["LD_LIBRARY_PATH"])
}
