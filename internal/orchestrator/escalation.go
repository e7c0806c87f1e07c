package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sandboxrun/execcore"
	"github.com/sandboxrun/execcore/internal/escalation"
	"github.com/sandboxrun/execcore/internal/sandbox"
)

// escalationHandle tracks a per-attempt escalation.Server; closing it tears
// down the server's control socket once the sandboxed child is done with it.
type escalationHandle struct {
	cancel context.CancelFunc
}

func (h *escalationHandle) close() {
	if h != nil {
		h.cancel()
	}
}

// attachEscalation wires a fresh Escalation IPC control socket into plan
// for any attempt actually running inside a sandbox: it starts a
// escalation.Server against one end and adds the other end's fd plus
// ControlSocketEnvVar/ExecWrapperEnvVar to plan so an in-sandbox program
// built on escalation.Main can reach it. Unsandboxed plans (DangerFullAccess)
// have nothing to escalate from and are left untouched.
func (o *Orchestrator) attachEscalation(plan *sandbox.AttemptPlan, ask execcore.AskForApproval) (*escalationHandle, error) {
	if plan.Policy.Kind == execcore.SandboxDangerFullAccess {
		return nil, nil
	}

	hostEnd, childEnd, err := escalation.NewControlSocketPair()
	if err != nil {
		return nil, execcore.NewError(execcore.KindInternal, "escalation control socket", err)
	}
	childFile, err := childEnd.File()
	childEnd.Close()
	if err != nil {
		hostEnd.Close()
		return nil, execcore.NewError(execcore.KindInternal, "escalation control fd", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		hostEnd.Close()
		childFile.Close()
		return nil, execcore.NewError(execcore.KindInternal, "resolve own executable", err)
	}

	server := escalation.NewServer(hostEnd, o.policy, escalation.PolicyInputs{SandboxPolicy: plan.Policy, AskApproval: ask}, o.log)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := server.Serve(ctx); err != nil {
			o.log.Debug("escalation server stopped", slog.Any("error", err))
		}
	}()

	fd := 3 + len(plan.ExtraFiles)
	plan.ExtraFiles = append(plan.ExtraFiles, childFile)
	if plan.Env == nil {
		plan.Env = map[string]string{}
	}
	plan.Env[escalation.ControlSocketEnvVar] = fmt.Sprintf("%d", fd)
	plan.Env[escalation.ExecWrapperEnvVar] = execPath + " " + escalation.SelfInvokeFlag

	return &escalationHandle{cancel: cancel}, nil
}
