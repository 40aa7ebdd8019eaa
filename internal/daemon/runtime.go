package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/bridge"
	"github.com/eliteGoblin/focusd/app_limit/internal/config"
	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/infra"
	"github.com/eliteGoblin/focusd/app_limit/internal/metrics"
	"github.com/eliteGoblin/focusd/app_limit/internal/policy"
	"github.com/eliteGoblin/focusd/app_limit/internal/usage"
)

// Prefs is an opened preference backend.
type Prefs struct {
	domain.PrefStore
	Journal *infra.EncryptedPrefs // Set for the encrypted backend
	close   func() error
}

// Close releases the backend.
func (p *Prefs) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// OpenPrefs opens the configured preference backend.
func OpenPrefs(cfg *config.Config, logger *zap.Logger) (*Prefs, error) {
	switch cfg.Prefs.Backend {
	case config.BackendEncrypted:
		key, err := infra.EnsureKey(infra.KeyProviderFor(cfg.DataDir))
		if err != nil {
			return nil, fmt.Errorf("failed to get encryption key: %w", err)
		}
		store, err := infra.NewEncryptedPrefs(cfg.DataDir, key)
		if err != nil {
			return nil, err
		}
		return &Prefs{PrefStore: store, Journal: store, close: store.Close}, nil
	default:
		return &Prefs{PrefStore: infra.NewFilePrefs(cfg.DataDir, logger)}, nil
	}
}

// NewGuard builds the safety guard from config.
func NewGuard(cfg *config.Config, logger *zap.Logger) *policy.Guard {
	return policy.NewGuard(policy.GuardConfig{
		HostPackage:      cfg.HostPackage,
		SelfPackage:      cfg.SelfPackage,
		SystemPrefixes:   cfg.Filter.SystemPrefixes,
		SystemSubstrings: cfg.Filter.SystemSubstrings,
	}, logger)
}

// Run wires the engine to the bus, the preference store and systemd, then
// runs it until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger) error {
	wcfg, err := WatcherConfigFrom(cfg)
	if err != nil {
		return err
	}
	wcfg.Version = version
	wcfg.WatchdogInterval = infra.WatchdogInterval()

	prefs, err := OpenPrefs(cfg, logger)
	if err != nil {
		return err
	}
	defer prefs.Close()

	conn, err := bridge.Connect(cfg.Bus.Kind)
	if err != nil {
		return err
	}
	defer conn.Close()

	clock := quartz.NewReal()
	host := bridge.HostObject(conn, cfg.Bus.HostName, cfg.Bus.HostPath)
	guard := NewGuard(cfg, logger)

	probe := infra.NewProbeChain(logger,
		bridge.NewActiveWindowProbe(host),
		bridge.NewRecentUsageProbe(host, clock),
	)
	liveness := infra.NewLivenessChain(logger,
		infra.NewForegroundMatch(probe),
		infra.NewProcessTable(),
	)

	sinks := []domain.LifecycleSink{infra.NewLogSink(logger), bridge.NewLifecycleSignals(conn)}
	if prefs.Journal != nil {
		sinks = append(sinks, prefs.Journal)
	}

	watcher := NewWatcher(wcfg, WatcherDeps{
		Guard:      guard,
		Prefs:      prefs,
		Policies:   policy.NewPrefsPolicyStore(prefs, cfg.Prefs.PolicyKey, logger),
		Oracle:     bridge.NewOracleClient(host),
		Foreground: bridge.NewForegroundSignals(conn, cfg.Bus.HostPath, logger),
		Probe:      probe,
		Liveness:   liveness,
		Surface:    bridge.NewBlockSurfaceClient(host),
		Sink:       infra.NewFanoutSink(sinks...),
		Namer:      infra.NewDesktopNamer(),
		Snapshots:  usage.NewSnapshotStore(prefs, cfg.Prefs.UsageKey, cfg.Prefs.UsageDayKey, logger),
		Notifier:   infra.SystemdNotifier{},
		Clock:      clock,
	}, logger)

	if err := bridge.ExportEngine(conn, bridge.NewEngineService(watcher, logger)); err != nil {
		return err
	}

	if srv := metricsServer(cfg, logger); srv != nil {
		srv.Start()
		defer srv.Stop()
	}

	err = watcher.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// metricsServer prefers a socket-activated listener over metrics.addr.
func metricsServer(cfg *config.Config, logger *zap.Logger) *metrics.Server {
	ln, err := infra.ActivatedMetricsListener()
	if err != nil {
		logger.Warn("ignoring socket activation", zap.Error(err))
	}
	if ln == nil && cfg.Metrics.Addr == "" {
		return nil
	}
	srv := metrics.NewServer(cfg.Metrics.Addr, logger)
	if ln != nil {
		srv.SetListener(ln)
	}
	return srv
}
