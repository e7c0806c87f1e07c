// execcore is the host binary for the sandboxed-execution core. Invoked
// normally it has nothing to do on its own; it exists so the Apply-Patch
// Runtime (internal/applypatch) can re-invoke it under a sandbox to apply a
// verified patch, and so the Escalation IPC (internal/escalation) has a
// program to install as a sandboxed child's privileged-exec shim.
//
// Usage:
//
//	execcore --exec-apply-patch '<patch text>'
//	execcore --exec-escalate-wrapper <file> [arg...]
package main

import (
	"fmt"
	"os"

	"github.com/sandboxrun/execcore/internal/applypatch"
	"github.com/sandboxrun/execcore/internal/escalation"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == applypatch.SelfInvokeFlag {
		os.Exit(applypatch.Main(os.Args))
	}
	if len(os.Args) >= 2 && os.Args[1] == escalation.SelfInvokeFlag {
		os.Exit(escalation.Main(os.Args))
	}

	fmt.Fprintln(os.Stderr, "execcore: no standalone mode; embed internal/orchestrator as a library")
	os.Exit(2)
}
