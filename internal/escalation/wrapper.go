package escalation

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// SelfInvokeFlag marks a re-exec of the host binary as the in-sandbox
// escalation shim: the sandboxed child's PATH is arranged so that running
// a privileged program actually runs the host binary with this flag,
// pointed at ExecWrapperEnvVar.
const SelfInvokeFlag = "--exec-escalate-wrapper"

// Main implements the shim side of the protocol: argv is
// [self, SelfInvokeFlag, file, arg...]. It opens a Client against the fd
// named by ControlSocketEnvVar and either runs file locally (ActionRun),
// hands its own stdio to the host for an out-of-sandbox run (ActionEscalate),
// or reports the denial (ActionDeny). Returns the process exit code.
func Main(argv []string) int {
	if len(argv) < 3 {
		fmt.Fprintln(os.Stderr, "escalation: usage: <wrapper> "+SelfInvokeFlag+" <file> [arg...]")
		return 2
	}
	file := argv[2]
	args := argv[3:]

	fdStr := os.Getenv(ControlSocketEnvVar)
	if fdStr == "" {
		fmt.Fprintln(os.Stderr, "escalation: "+ControlSocketEnvVar+" not set")
		return 127
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "escalation: invalid "+ControlSocketEnvVar+": "+err.Error())
		return 127
	}

	control, err := fdToUnixConn(fd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "escalation: "+err.Error())
		return 127
	}
	defer control.Close()

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	client := NewClient(control)
	sess, resp, err := client.Open(EscalateRequest{
		File:    file,
		Argv:    append([]string{file}, args...),
		Workdir: cwd,
		Env:     envToMap(os.Environ()),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "escalation: "+err.Error())
		return 127
	}
	defer sess.Close()

	switch resp.Action {
	case ActionDeny:
		fmt.Fprintln(os.Stderr, "escalation: denied: "+resp.Reason)
		return 126
	case ActionRun:
		return runLocally(file, args)
	case ActionEscalate:
		return superExecLocally(sess)
	default:
		fmt.Fprintln(os.Stderr, "escalation: unknown action "+string(resp.Action))
		return 127
	}
}

func runLocally(file string, args []string) int {
	cmd := exec.Command(file, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "escalation: "+err.Error())
		return 127
	}
	return 0
}

// superExecLocally hands the shim's own stdio fds to the host so the
// escalated child inherits them directly rather than being piped back.
func superExecLocally(sess *Session) int {
	result, err := sess.SuperExec([]int32{0, 1, 2}, []int{0, 1, 2})
	if err != nil {
		fmt.Fprintln(os.Stderr, "escalation: "+err.Error())
		return 127
	}
	return int(result.ExitCode)
}

func envToMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
