//go:build windows

package agentrunner

import (
	"os"
	"os/exec"
)

const (
	sigterm killSignal = iota
	sigkill
)

// setProcGroup is a no-op on Windows: process groups in the Unix sense do
// not exist, and exec.CommandContext already kills the direct child on
// context cancellation.
func setProcGroup(cmd *exec.Cmd) {}

// signalGroup kills the process by pid. Windows has no graceful-termination
// signal equivalent to SIGTERM that a CLI agent could trap, so sigterm and
// sigkill both hard-kill; the grace period in killGroup still elapses once
// before escalating, matching the unix timing even though the effect is
// immediate here.
func signalGroup(pid int, sig killSignal) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	proc.Kill()
}

// groupAlive always reports false: signalGroup already hard-kills the
// process on the first call (Windows has no distinct graceful-terminate
// signal to wait out), so by the time the poll loop checks, there is
// nothing left to escalate to SIGKILL.
func groupAlive(pid int) bool {
	return false
}
