package infra

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
)

const (
	// ServiceName is the systemd unit the daemon runs under.
	ServiceName = "applimit.service"
	// SocketName is the optional socket unit for the metrics listener.
	SocketName = "applimit.socket"
)

// UnitConfig describes the units to install.
type UnitConfig struct {
	ExecutablePath string
	ConfigPath     string        // Passed as --config when non-empty
	MetricsAddr    string        // Socket unit is written only when non-empty
	Watchdog       time.Duration // WatchdogSec; zero disables
}

// UnitManager installs the daemon as a systemd service, for the user
// manager in user mode or the system manager as root.
type UnitManager struct {
	mode    ExecMode
	unitDir string
}

// NewUnitManager creates a unit manager based on execution mode.
func NewUnitManager(config *ExecModeConfig) *UnitManager {
	dir := "/etc/systemd/system"
	if config.Mode == ExecModeUser {
		dir = filepath.Join(GetRealUserHome(), ".config", "systemd", "user")
	}
	return &UnitManager{mode: config.Mode, unitDir: dir}
}

// NewUnitManagerWithDir creates a unit manager writing to dir (for testing).
func NewUnitManagerWithDir(mode ExecMode, dir string) *UnitManager {
	return &UnitManager{mode: mode, unitDir: dir}
}

// ServicePath returns the service unit file path.
func (m *UnitManager) ServicePath() string {
	return filepath.Join(m.unitDir, ServiceName)
}

// SocketPath returns the socket unit file path.
func (m *UnitManager) SocketPath() string {
	return filepath.Join(m.unitDir, SocketName)
}

// generateService renders the service unit.
func (m *UnitManager) generateService(cfg UnitConfig) []byte {
	exec := cfg.ExecutablePath + " daemon"
	if cfg.ConfigPath != "" {
		exec += " --config " + cfg.ConfigPath
	}

	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "App usage limit enforcement"),
		unit.NewUnitOption("Service", "Type", "notify"),
		unit.NewUnitOption("Service", "ExecStart", exec),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", "10"),
	}
	if cfg.Watchdog > 0 {
		opts = append(opts, unit.NewUnitOption("Service", "WatchdogSec", fmt.Sprintf("%d", int(cfg.Watchdog.Seconds()))))
	}
	if cfg.MetricsAddr != "" {
		opts = append(opts, unit.NewUnitOption("Unit", "Requires", SocketName))
	}
	target := "multi-user.target"
	if m.mode == ExecModeUser {
		target = "default.target"
	}
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", target))
	return readAll(unit.Serialize(opts))
}

// generateSocket renders the metrics socket unit.
func (m *UnitManager) generateSocket(cfg UnitConfig) []byte {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "App usage limit metrics listener"),
		unit.NewUnitOption("Socket", "ListenStream", cfg.MetricsAddr),
		unit.NewUnitOption("Socket", "FileDescriptorName", "metrics"),
		unit.NewUnitOption("Socket", "Service", ServiceName),
		unit.NewUnitOption("Install", "WantedBy", "sockets.target"),
	}
	return readAll(unit.Serialize(opts))
}

// Write writes the unit files without touching the service manager.
func (m *UnitManager) Write(cfg UnitConfig) ([]string, error) {
	if err := os.MkdirAll(m.unitDir, 0755); err != nil {
		return nil, err
	}
	files := []string{m.ServicePath()}
	if err := os.WriteFile(m.ServicePath(), m.generateService(cfg), 0644); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr != "" {
		if err := os.WriteFile(m.SocketPath(), m.generateSocket(cfg), 0644); err != nil {
			return nil, err
		}
		files = append(files, m.SocketPath())
	} else {
		_ = os.Remove(m.SocketPath())
	}
	return files, nil
}

// NeedsUpdate checks if the service exists but has different content than expected.
func (m *UnitManager) NeedsUpdate(cfg UnitConfig) bool {
	current, err := os.ReadFile(m.ServicePath())
	if err != nil {
		return !os.IsNotExist(err)
	}
	return !bytes.Equal(current, m.generateService(cfg))
}

// IsInstalled checks if the service unit file exists.
func (m *UnitManager) IsInstalled() bool {
	_, err := os.Stat(m.ServicePath())
	return err == nil
}

// Install writes the units, then reloads, enables and (re)starts them.
func (m *UnitManager) Install(ctx context.Context, cfg UnitConfig) error {
	files, err := m.Write(cfg)
	if err != nil {
		return fmt.Errorf("failed to write unit files: %w", err)
	}

	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, files, false, true); err != nil {
		return fmt.Errorf("failed to enable units: %w", err)
	}
	return waitJob(ctx, func(ch chan<- string) (int, error) {
		return conn.RestartUnitContext(ctx, ServiceName, "replace", ch)
	})
}

// Uninstall stops and disables the units and removes the files.
func (m *UnitManager) Uninstall(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err == nil {
		defer conn.Close()
		// Ignore errors if not loaded
		_ = waitJob(ctx, func(ch chan<- string) (int, error) {
			return conn.StopUnitContext(ctx, ServiceName, "replace", ch)
		})
		_, _ = conn.DisableUnitFilesContext(ctx, []string{ServiceName, SocketName}, false)
	}

	_ = os.Remove(m.SocketPath())
	if err := os.Remove(m.ServicePath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if conn != nil {
		return conn.ReloadContext(ctx)
	}
	return nil
}

func (m *UnitManager) connect(ctx context.Context) (*sdbus.Conn, error) {
	var (
		conn *sdbus.Conn
		err  error
	)
	if m.mode == ExecModeUser {
		conn, err = sdbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = sdbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return conn, nil
}

// waitJob starts a systemd job and waits for its result.
func waitJob(ctx context.Context, start func(chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := start(ch); err != nil {
		return err
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("systemd job finished with %q", result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetMode returns the current execution mode.
func (m *UnitManager) GetMode() ExecMode {
	return m.mode
}

func readAll(r io.Reader) []byte {
	data, _ := io.ReadAll(r)
	return data
}
