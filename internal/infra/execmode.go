// Package infra implements infrastructure concerns: preference stores,
// process and foreground queries, display names, and lifecycle sinks.
package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the daemon.
type ExecMode string

const (
	// ExecModeUser runs as the desktop user on the session bus
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root on the system bus
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds paths and settings that depend on the execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	DataDir string // Preference store, key file and logs
	LogPath string
	BusKind string // "session" or "system"
	IsRoot  bool
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:    ExecModeSystem,
			DataDir: "/var/lib/applimit",
			LogPath: "/var/log/applimit.log",
			BusKind: "system",
			IsRoot:  true,
		}
	}
	return GetUserModeConfig()
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root, system bus)"
	case ExecModeUser:
		return "user (session bus)"
	default:
		return "unknown"
	}
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Honors XDG_DATA_HOME; under sudo the invoking user's home is used.
func GetUserModeConfig() *ExecModeConfig {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" || os.Getenv("SUDO_USER") != "" {
		base = filepath.Join(GetRealUserHome(), ".local", "share")
	}
	dataDir := filepath.Join(base, "applimit")
	return &ExecModeConfig{
		Mode:    ExecModeUser,
		DataDir: dataDir,
		LogPath: filepath.Join(dataDir, "applimit.log"),
		BusKind: "session",
		IsRoot:  os.Geteuid() == 0,
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
