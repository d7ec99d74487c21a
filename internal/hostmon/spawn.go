package hostmon

import (
	"os"
	"os/exec"
	"syscall"
)

// SpawnAgent self-execs this binary as a detached, short-lived agent
// process for one window boundary. The agent shares nothing with this
// process; it talks to us only through the store.
func SpawnAgent(event, windowID string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, "agent",
		"--event", event,
		"--window", windowID)

	// Detach: new session, no inherited stdio. If the main process dies
	// between spawn and completion, the agent still runs to completion.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}
