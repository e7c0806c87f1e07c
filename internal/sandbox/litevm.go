package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandboxrun/execcore/internal/execenv"
)

// LiteVmSandbox runs the command inside a lightweight guest VM. It is
// available on any platform once its runtime directory can be discovered
// (see execenv.DiscoverRuntimeDir), grounded on SPEC_FULL.md §B.1.
type LiteVmSandbox struct {
	// InstallDir is the directory under which the runtime is searched for.
	// Defaults to the directory containing the current executable.
	InstallDir string
}

func (l *LiteVmSandbox) installDir() string {
	if l.InstallDir != "" {
		return l.InstallDir
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Available reports whether a runtime directory can be discovered.
func (l *LiteVmSandbox) Available() bool {
	_, err := execenv.DiscoverRuntimeDir(l.installDir())
	return err == nil
}

// Transform wraps the command to run inside the guest VM, exporting the
// runtime directory and overlaying loader variables into the child's env.
func (l *LiteVmSandbox) Transform(spec CommandSpec, policy *SandboxPolicy) (*ExecEnv, error) {
	runtimeDir, err := execenv.DiscoverRuntimeDir(l.installDir())
	if err != nil {
		return nil, fmt.Errorf("litevm sandbox unavailable: %w", err)
	}

	env := map[string]string{
		"EXECCORE_LITEVM_RUNTIME_DIR": runtimeDir,
	}
	execenv.OverlayLoaderEnv(env, runtimeDir)

	if !policy.IsRestricted() {
		return &ExecEnv{
			Command: append([]string{spec.Program}, spec.Args...),
			Cwd:     spec.Cwd,
			Env:     env,
		}, nil
	}

	mode := string(policy.Mode)
	cmd := []string{"boxlite-run", "--mode", mode}
	if !policy.NetworkAccess {
		cmd = append(cmd, "--no-network")
	}
	for _, root := range policy.WritableRoots {
		cmd = append(cmd, "--write", string(root))
	}
	cmd = append(cmd, "--")
	cmd = append(cmd, spec.Program)
	cmd = append(cmd, spec.Args...)

	return &ExecEnv{
		Command: cmd,
		Cwd:     spec.Cwd,
		Env:     env,
	}, nil
}
