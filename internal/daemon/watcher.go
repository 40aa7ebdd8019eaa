// Package daemon composes the enforcement engine into a long-running process.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/config"
	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/policy"
	"github.com/eliteGoblin/focusd/app_limit/internal/usage"
	"github.com/eliteGoblin/focusd/app_limit/internal/usecase"
)

// DefaultStatusKey is the preference key of the heartbeat record.
const DefaultStatusKey = "applimit.daemon_status"

// WatcherConfig holds watcher daemon configuration.
type WatcherConfig struct {
	Monitor           usecase.MonitorConfig
	Presenter         usecase.PresenterConfig
	HeartbeatInterval time.Duration // How often to write the status record
	WatchdogInterval  time.Duration // systemd keep-alive period, zero disables
	StatusKey         string
	Version           string
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Monitor:           usecase.DefaultMonitorConfig(),
		Presenter:         usecase.DefaultPresenterConfig(),
		HeartbeatInterval: 30 * time.Second,
		StatusKey:         DefaultStatusKey,
	}
}

// WatcherConfigFrom derives the watcher configuration from loaded config.
func WatcherConfigFrom(cfg *config.Config) (WatcherConfig, error) {
	boundary, err := usage.ParseBoundary(cfg.Monitor.ResetTime)
	if err != nil {
		return WatcherConfig{}, err
	}
	wc := DefaultWatcherConfig()
	wc.Monitor = usecase.MonitorConfig{
		TickInterval:    cfg.Monitor.TickInterval,
		FreshReadBudget: cfg.Monitor.FreshReadBudget,
		Debounce:        cfg.Monitor.Debounce,
		QueueSize:       cfg.Monitor.QueueSize,
		Boundary:        boundary,
	}
	wc.Presenter = usecase.PresenterConfig{
		PollInterval:    cfg.Presenter.PollInterval,
		MissThreshold:   cfg.Presenter.MissThreshold,
		NavigateTimeout: cfg.Presenter.NavigateTimeout,
	}
	wc.HeartbeatInterval = cfg.HeartbeatInterval
	if cfg.Prefs.StatusKey != "" {
		wc.StatusKey = cfg.Prefs.StatusKey
	}
	return wc, nil
}

// Notifier reports lifecycle transitions to the service manager.
type Notifier interface {
	Ready() error
	Stopping() error
	Watchdog() error
}

// WatcherDeps are the collaborators of a Watcher. Foreground, Probe, Sink,
// Namer and Notifier are optional.
type WatcherDeps struct {
	Guard      *policy.Guard
	Prefs      domain.PrefStore
	Policies   domain.PolicyStore
	Oracle     domain.UsageOracle
	Foreground domain.ForegroundEventSource
	Probe      domain.ForegroundProbe
	Liveness   domain.ProcessQuery
	Surface    domain.BlockSurface
	Sink       domain.LifecycleSink
	Namer      domain.AppNamer
	Snapshots  *usage.SnapshotStore
	Notifier   Notifier
	Clock      quartz.Clock
}

// Watcher is the enforcement daemon. It owns the monitor loop and the block
// presenter, feeds them host events, and writes a heartbeat record.
type Watcher struct {
	config    WatcherConfig
	deps      WatcherDeps
	ledger    *usage.Ledger
	monitor   *usecase.Monitor
	presenter *usecase.Presenter
	clock     quartz.Clock
	logger    *zap.Logger
	startedAt time.Time
}

// NewWatcher creates a new watcher daemon.
func NewWatcher(config WatcherConfig, deps WatcherDeps, logger *zap.Logger) *Watcher {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultWatcherConfig().HeartbeatInterval
	}
	if config.StatusKey == "" {
		config.StatusKey = DefaultStatusKey
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ledger := usage.NewLedger(deps.Oracle, logger)
	presenter := usecase.NewPresenter(config.Presenter, deps.Surface, deps.Liveness, deps.Guard, deps.Sink, deps.Clock, logger)
	mdeps := usecase.MonitorDeps{
		Guard:     deps.Guard,
		Policies:  deps.Policies,
		Ledger:    ledger,
		Probe:     deps.Probe,
		Presenter: presenter,
		Namer:     deps.Namer,
		Clock:     deps.Clock,
	}
	// A nil *SnapshotStore must stay a nil interface
	if deps.Snapshots != nil {
		mdeps.Snapshots = deps.Snapshots
	}
	monitor := usecase.NewMonitor(config.Monitor, mdeps, logger)
	presenter.OnDismissed(monitor.PostDismissed)

	return &Watcher{
		config:    config,
		deps:      deps,
		ledger:    ledger,
		monitor:   monitor,
		presenter: presenter,
		clock:     deps.Clock,
		logger:    logger.With(zap.String("component", "watcher")),
	}
}

// Run starts the watcher daemon loop.
// This blocks until context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.startedAt = w.clock.Now()
	w.seedLedger()

	var wg sync.WaitGroup
	monitorErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitorErr <- w.monitor.Run(ctx)
	}()

	if w.deps.Foreground != nil {
		events, err := w.deps.Foreground.Subscribe(ctx)
		if err != nil {
			// Ticks still probe the foreground
			w.logger.Warn("foreground events unavailable", zap.Error(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ev := range events {
					w.monitor.PostForeground(ev)
				}
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := w.deps.Policies.OnChange(ctx, func(key string) {
			w.logger.Debug("policy key changed", zap.String("key", key))
			w.monitor.PostPolicyChanged()
		})
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("policy change feed stopped", zap.Error(err))
		}
	}()

	w.logger.Info("watcher daemon started",
		zap.Int("pid", os.Getpid()),
		zap.String("version", w.config.Version))
	w.notify("ready", w.notifier().Ready)
	w.heartbeat(ctx)

	heartbeatTicker := w.clock.NewTicker(w.config.HeartbeatInterval, "watcher", "heartbeat")
	defer heartbeatTicker.Stop()

	var watchdog <-chan time.Time
	if w.config.WatchdogInterval > 0 {
		watchdogTicker := w.clock.NewTicker(w.config.WatchdogInterval, "watcher", "watchdog")
		defer watchdogTicker.Stop()
		watchdog = watchdogTicker.C
	}

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop

		case err = <-monitorErr:
			// Only returns early if its context ended
			break loop

		case <-heartbeatTicker.C:
			w.heartbeat(ctx)

		case <-watchdog:
			w.notify("watchdog", w.notifier().Watchdog)
		}
	}

	w.logger.Info("watcher daemon stopping")
	w.notify("stopping", w.notifier().Stopping)

	<-w.monitor.Done()
	w.presenter.Stop()
	wg.Wait()
	return err
}

// seedLedger restores today's persisted usage as verified evidence.
func (w *Watcher) seedLedger() {
	if w.deps.Snapshots == nil {
		return
	}
	day, records, err := w.deps.Snapshots.Load()
	if err != nil {
		w.logger.Warn("failed to load usage snapshot", zap.Error(err))
		return
	}
	dayStart := w.config.Monitor.Boundary.StartOfDay(w.clock.Now())
	if w.ledger.Seed(dayStart, day, records) {
		w.logger.Info("restored usage snapshot", zap.String("day", day), zap.Int("records", len(records)))
	} else if day != "" {
		w.logger.Info("discarding usage snapshot from another day", zap.String("day", day))
	}
}

// heartbeat writes the status record to the preference store.
func (w *Watcher) heartbeat(ctx context.Context) {
	status, err := w.Status(ctx)
	if err != nil {
		w.logger.Debug("no status for heartbeat", zap.Error(err))
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		w.logger.Warn("failed to encode status", zap.Error(err))
		return
	}
	if err := w.deps.Prefs.Set(w.config.StatusKey, string(data)); err != nil {
		w.logger.Warn("failed to update heartbeat", zap.Error(err))
	}
}

func (w *Watcher) notifier() Notifier {
	if w.deps.Notifier == nil {
		return nopNotifier{}
	}
	return w.deps.Notifier
}

func (w *Watcher) notify(state string, fn func() error) {
	if err := fn(); err != nil {
		w.logger.Debug("service manager notify failed", zap.String("state", state), zap.Error(err))
	}
}

// --- bridge.Controller implementation ---

// Refresh forces a policy reload and usage refresh.
func (w *Watcher) Refresh() {
	w.monitor.Refresh()
}

// Acknowledge dismisses the block screen and navigates home.
func (w *Watcher) Acknowledge(ctx context.Context) error {
	return w.presenter.Acknowledge(ctx)
}

// OpenHost dismisses the block screen and opens the host app.
func (w *Watcher) OpenHost(ctx context.Context) error {
	return w.presenter.OpenHost(ctx)
}

// Status reports the current daemon state.
func (w *Watcher) Status(ctx context.Context) (domain.DaemonStatus, error) {
	view, err := w.monitor.View(ctx)
	if err != nil {
		return domain.DaemonStatus{}, err
	}
	tracked := 0
	for _, p := range view.Policies {
		if p.Tracked() {
			tracked++
		}
	}
	return domain.DaemonStatus{
		PID:           os.Getpid(),
		Version:       w.config.Version,
		StartedAt:     w.startedAt.Unix(),
		LastHeartbeat: w.clock.Now().Unix(),
		Enabled:       view.Enabled,
		Tracked:       tracked,
		ActiveBlock:   view.ActiveBlock,
	}, nil
}

// SetPreference writes a preference on behalf of the host.
func (w *Watcher) SetPreference(key, value string) error {
	if key == w.config.StatusKey {
		return fmt.Errorf("%s is written by the daemon", key)
	}
	return w.deps.Prefs.Set(key, value)
}

// View returns a copy of the monitor state.
func (w *Watcher) View(ctx context.Context) (usecase.MonitorView, error) {
	return w.monitor.View(ctx)
}

type nopNotifier struct{}

func (nopNotifier) Ready() error    { return nil }
func (nopNotifier) Stopping() error { return nil }
func (nopNotifier) Watchdog() error { return nil }
