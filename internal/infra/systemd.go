package infra

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// ActivatedMetricsListener returns the socket-activated "metrics" listener,
// or nil when not running under socket activation.
func ActivatedMetricsListener() (net.Listener, error) {
	if len(activation.Files(false)) == 0 {
		return nil, nil
	}
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if lns, ok := named["metrics"]; ok && len(lns) > 0 {
		return lns[0], nil
	}
	return nil, nil
}

// NotifyReady tells systemd the daemon has started.
func NotifyReady() error {
	return sdNotify(daemon.SdNotifyReady)
}

// NotifyStopping tells systemd the daemon is shutting down.
func NotifyStopping() error {
	return sdNotify(daemon.SdNotifyStopping)
}

// NotifyWatchdog sends a watchdog keep-alive.
func NotifyWatchdog() error {
	return sdNotify(daemon.SdNotifyWatchdog)
}

// WatchdogInterval returns half the configured watchdog timeout, or zero
// when the watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return 0
	}
	return interval / 2
}

func sdNotify(state string) error {
	// sent == false just means no notify socket; not an error outside systemd
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return nil
}

// SystemdNotifier reports daemon state to systemd. Outside a unit every
// call is a no-op.
type SystemdNotifier struct{}

func (SystemdNotifier) Ready() error    { return NotifyReady() }
func (SystemdNotifier) Stopping() error { return NotifyStopping() }
func (SystemdNotifier) Watchdog() error { return NotifyWatchdog() }
