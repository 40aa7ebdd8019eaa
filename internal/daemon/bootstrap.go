package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// StartDaemon spawns a detached daemon process running the hidden "daemon"
// command of the current executable.
func StartDaemon(configPath string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	return StartDaemonWithPath(executable, configPath)
}

// StartDaemonWithPath spawns a detached daemon from a specific binary.
func StartDaemonWithPath(executable, configPath string) (int, error) {
	cmd := exec.Command(executable, daemonArgs(configPath)...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// The child is reparented once we exit; don't keep a zombie meanwhile
	_ = cmd.Process.Release()
	return pid, nil
}

func daemonArgs(configPath string) []string {
	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}
