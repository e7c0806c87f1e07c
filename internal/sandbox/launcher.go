package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/execenv"
)

// StdinDisposition controls how the child's stdin is wired.
type StdinDisposition int

const (
	StdinDevNull StdinDisposition = iota
	StdinInherit
	StdinPipe
)

// AttemptPlan is the Sandbox Launcher's output: a ready-to-spawn
// invocation plus the policy the Exec Pipeline must honor while running it.
type AttemptPlan struct {
	Program string
	Argv    []string
	Env     map[string]string
	Cwd     string
	Stdin   StdinDisposition
	Policy  execcore.SandboxPolicy

	// ExtraFiles are inherited by the child beyond stdin/stdout/stderr, in
	// order, landing at fd 3, 4, ... Used to hand a sandboxed child its
	// escalation control socket; nil for plans that don't need one.
	ExtraFiles []*os.File
}

// Launcher implements C1: it turns a CommandSpec + SandboxPolicy into an
// AttemptPlan, selecting the OS-appropriate backend and assembling the
// child's environment.
type Launcher struct {
	log        *slog.Logger
	envPolicy  *execenv.ShellEnvironmentPolicy
	installDir string

	// memoized runtime-dir discovery result for the LiteVm backend.
	runtimeDir      string
	runtimeDirErr   error
	runtimeDirKnown bool
}

// NewLauncher constructs a Launcher. envPolicy may be nil to use the
// default (inherit-all) policy.
func NewLauncher(log *slog.Logger, envPolicy *execenv.ShellEnvironmentPolicy) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{log: log, envPolicy: envPolicy}
}

// ResolveSandboxType selects a backend as a pure function of host OS,
// matching spec.md §3's SandboxType definition.
func ResolveSandboxType(policy execcore.SandboxPolicy, preferLiteVm bool) execcore.SandboxType {
	if policy.Kind == execcore.SandboxDangerFullAccess {
		return execcore.SandboxTypeNone
	}
	if preferLiteVm {
		return execcore.SandboxTypeLiteVm
	}
	switch runtime.GOOS {
	case "darwin":
		return execcore.SandboxTypeSeatbelt
	case "linux":
		return execcore.SandboxTypeLandlockSeccomp
	default:
		return execcore.SandboxTypeNone
	}
}

func (l *Launcher) backendFor(t execcore.SandboxType) SandboxManager {
	switch t {
	case execcore.SandboxTypeSeatbelt:
		return &SeatbeltSandbox{}
	case execcore.SandboxTypeLandlockSeccomp:
		return &LinuxSandbox{}
	case execcore.SandboxTypeLiteVm:
		return &LiteVmSandbox{InstallDir: l.installDir}
	default:
		return &NoopSandbox{}
	}
}

// Plan builds an AttemptPlan for the given spec under the selected sandbox
// type. Returns execcore.KindSandboxUnavailable if the backend cannot
// produce a plan (e.g. missing runtime dir).
func (l *Launcher) Plan(spec execcore.CommandSpec, policy execcore.SandboxPolicy, sbType execcore.SandboxType) (*AttemptPlan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	backend := l.backendFor(sbType)
	if !backend.Available() {
		return nil, execcore.NewError(execcore.KindSandboxUnavailable,
			fmt.Sprintf("sandbox backend %s unavailable on this host", sbType), nil)
	}

	internalPolicy := toInternalPolicy(policy)
	internalSpec := CommandSpec{Program: spec.Program, Args: spec.Argv, Cwd: spec.Cwd}

	execEnv, err := backend.Transform(internalSpec, internalPolicy)
	if err != nil {
		return nil, execcore.NewError(execcore.KindSandboxUnavailable, "sandbox transform failed", err)
	}

	env := execenv.CreateEnvFrom(spec.Env, l.envPolicy)
	for k, v := range execEnv.Env {
		env[k] = v
	}

	if len(execEnv.Command) == 0 {
		return nil, execcore.NewError(execcore.KindInternal, "sandbox backend produced empty command", nil)
	}

	l.log.Debug("sandbox plan built",
		slog.String("sandbox_type", sbType.String()),
		slog.String("program", execEnv.Command[0]),
		slog.Int("argv_len", len(execEnv.Command)))

	return &AttemptPlan{
		Program: execEnv.Command[0],
		Argv:    execEnv.Command[1:],
		Env:     env,
		Cwd:     execEnv.Cwd,
		Stdin:   StdinDevNull,
		Policy:  policy,
	}, nil
}

func toInternalPolicy(p execcore.SandboxPolicy) *SandboxPolicy {
	switch p.Kind {
	case execcore.SandboxDangerFullAccess:
		return &SandboxPolicy{Mode: ModeFullAccess}
	case execcore.SandboxReadOnly:
		return &SandboxPolicy{Mode: ModeReadOnly, NetworkAccess: p.NetworkAllowed}
	case execcore.SandboxWorkspaceWrite:
		roots := make([]WritableRoot, len(p.WritableRoots))
		for i, r := range p.WritableRoots {
			roots[i] = WritableRoot(r)
		}
		return &SandboxPolicy{Mode: ModeWorkspaceWrite, WritableRoots: roots, NetworkAccess: p.NetworkAllowed}
	default:
		return &SandboxPolicy{Mode: ModeReadOnly}
	}
}
