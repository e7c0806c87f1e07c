package escalation

import (
	"context"
	"log/slog"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/policyengine"
)

// startShimServer wires a Server over an in-memory control socketpair and
// returns the child end's fd so a test can point Main's ControlSocketEnvVar
// at it, all within the same process.
func startShimServer(t *testing.T, engine *policyengine.Engine, inputs PolicyInputs) int {
	t.Helper()
	hostEnd, childEnd, err := NewControlSocketPair()
	require.NoError(t, err)

	srv := NewServer(hostEnd, engine, inputs, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	childFile, err := childEnd.File()
	require.NoError(t, err)
	childEnd.Close()
	t.Cleanup(func() { childFile.Close() })

	return int(childFile.Fd())
}

func TestMainRunsTrustedCommandLocally(t *testing.T) {
	engine := policyengine.New(slog.Default(), nil)
	fd := startShimServer(t, engine, PolicyInputs{
		SandboxPolicy: execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly},
		AskApproval:   execcore.AskForApproval{Kind: execcore.AskNever},
	})
	t.Setenv(ControlSocketEnvVar, strconv.Itoa(fd))

	code := Main([]string{"execcore", SelfInvokeFlag, "/bin/echo", "hi"})
	require.Equal(t, 0, code)
}

func TestMainRejectedCommandReturns126(t *testing.T) {
	engine := policyengine.New(slog.Default(), nil)
	fd := startShimServer(t, engine, PolicyInputs{
		SandboxPolicy: execcore.SandboxPolicy{Kind: execcore.SandboxReadOnly},
		AskApproval:   execcore.AskForApproval{Kind: execcore.AskReject, RejectReason: "frozen"},
	})
	t.Setenv(ControlSocketEnvVar, strconv.Itoa(fd))

	// "exit 0" is not a known-safe command, so rule 2 does not run it and
	// the AskReject rule denies it.
	code := Main([]string{"execcore", SelfInvokeFlag, "/bin/sh", "-c", "exit 0"})
	require.Equal(t, 126, code)
}

func TestMainMissingControlSocketEnvVar(t *testing.T) {
	t.Setenv(ControlSocketEnvVar, "")
	code := Main([]string{"execcore", SelfInvokeFlag, "/bin/echo", "hi"})
	require.Equal(t, 127, code)
}

func TestMainEscalatedCommandSuperExecs(t *testing.T) {
	engine := policyengine.New(slog.Default(), nil)
	fd := startShimServer(t, engine, PolicyInputs{
		SandboxPolicy: execcore.SandboxPolicy{Kind: execcore.SandboxDangerFullAccess},
		AskApproval:   execcore.AskForApproval{Kind: execcore.AskOnFailure},
	})
	t.Setenv(ControlSocketEnvVar, strconv.Itoa(fd))

	code := Main([]string{"execcore", SelfInvokeFlag, "/bin/sh", "-c", "exit 42"})
	require.Equal(t, 42, code)
}
