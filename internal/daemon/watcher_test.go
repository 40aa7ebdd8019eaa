package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/config"
	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/policy"
	"github.com/eliteGoblin/focusd/app_limit/internal/usage"
)

const (
	testHost      = "com.example.smartmanagementapp"
	testPolicyKey = "flutter.blocked_apps"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type watcherHarness struct {
	watcher    *Watcher
	prefs      *memPrefs
	oracle     *fakeOracle
	surface    *fakeSurface
	foreground *fakeForeground
	notifier   *fakeNotifier
	clock      *quartz.Mock

	cancel context.CancelFunc
	errc   chan error
}

func newWatcherHarness(t *testing.T) *watcherHarness {
	clock := quartz.NewMock(t)
	clock.Set(testNow)

	h := &watcherHarness{
		prefs:      newMemPrefs(),
		oracle:     &fakeOracle{values: map[string]int64{}},
		surface:    &fakeSurface{},
		foreground: newFakeForeground(),
		notifier:   &fakeNotifier{},
		clock:      clock,
	}
	return h
}

func (h *watcherHarness) build() {
	logger := zap.NewNop()
	guard := policy.NewGuard(policy.GuardConfig{HostPackage: testHost}, logger)

	cfg := DefaultWatcherConfig()
	cfg.Monitor.TickInterval = time.Minute
	cfg.Version = "test"

	h.watcher = NewWatcher(cfg, WatcherDeps{
		Guard:      guard,
		Prefs:      h.prefs,
		Policies:   policy.NewPrefsPolicyStore(h.prefs, testPolicyKey, logger),
		Oracle:     h.oracle,
		Foreground: h.foreground,
		Liveness:   alwaysRunning{},
		Surface:    h.surface,
		Snapshots:  usage.NewSnapshotStore(h.prefs, "", "", logger),
		Notifier:   h.notifier,
		Clock:      h.clock,
	}, logger)
}

// start runs the watcher and waits until both of its tickers exist.
func (h *watcherHarness) start(t *testing.T) {
	t.Helper()
	h.build()
	ctx := testContext(t)

	monitorTrap := h.clock.Trap().NewTicker("monitor")
	defer monitorTrap.Close()
	heartbeatTrap := h.clock.Trap().NewTicker("watcher", "heartbeat")
	defer heartbeatTrap.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.errc = make(chan error, 1)
	go func() { h.errc <- h.watcher.Run(runCtx) }()

	monitorTrap.MustWait(ctx).MustRelease(ctx)
	heartbeatTrap.MustWait(ctx).MustRelease(ctx)
	t.Cleanup(func() { h.stop(t) })
}

func (h *watcherHarness) stop(t *testing.T) error {
	t.Helper()
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.errc:
		return err
	case <-time.After(10 * time.Second):
		require.FailNow(t, "watcher did not stop")
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func setPolicies(t *testing.T, prefs *memPrefs, raw string) {
	t.Helper()
	require.NoError(t, prefs.Set(testPolicyKey, raw))
}

func TestWatcher_HeartbeatAndNotify(t *testing.T) {
	h := newWatcherHarness(t)
	setPolicies(t, h.prefs, `[{"packageName":"com.a","timeLimit":10,"isBlocked":true}]`)
	h.start(t)

	status, ok, err := ReadStatus(h.prefs, DefaultStatusKey)
	require.NoError(t, err)
	require.True(t, ok, "initial heartbeat is written before the ticker starts")
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, testNow.Unix(), status.StartedAt)
	assert.True(t, status.Enabled)
	assert.Equal(t, 1, status.Tracked)
	assert.Nil(t, status.ActiveBlock)

	assert.Equal(t, []string{"ready"}, h.notifier.recorded())

	err = h.stop(t)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"ready", "stopping"}, h.notifier.recorded())
}

func TestWatcher_ForegroundEventBlocksAndAcknowledge(t *testing.T) {
	h := newWatcherHarness(t)
	setPolicies(t, h.prefs, `[{"packageName":"com.a","timeLimit":10,"isBlocked":true}]`)
	h.oracle.values["com.a"] = (11 * time.Minute).Milliseconds()
	h.start(t)
	ctx := testContext(t)

	h.foreground.events <- domain.ForegroundEvent{PackageID: "com.a", At: testNow}
	require.Eventually(t, func() bool { return h.surface.shownCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	status, err := h.watcher.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.ActiveBlock)
	assert.Equal(t, "com.a", status.ActiveBlock.PackageID)
	assert.Equal(t, 11, status.ActiveBlock.UsedMinutesAtBlock)

	require.NoError(t, h.watcher.Acknowledge(ctx))
	require.Eventually(t, func() bool {
		view, err := h.watcher.View(ctx)
		return err == nil && view.ActiveBlock == nil
	}, 5*time.Second, 5*time.Millisecond)

	h.surface.mu.Lock()
	defer h.surface.mu.Unlock()
	assert.Equal(t, 1, h.surface.home)
	assert.Equal(t, []string{"com.a"}, h.surface.hidden)
}

func TestWatcher_HostForegroundNeverBlocks(t *testing.T) {
	h := newWatcherHarness(t)
	setPolicies(t, h.prefs, `[{"packageName":"`+testHost+`","timeLimit":1,"isBlocked":true}]`)
	h.oracle.values[testHost] = (600 * time.Minute).Milliseconds()
	h.start(t)
	ctx := testContext(t)

	h.foreground.events <- domain.ForegroundEvent{PackageID: testHost, At: testNow}
	// The view round trip orders after the forwarded event
	require.Eventually(t, func() bool {
		view, err := h.watcher.View(ctx)
		return err == nil && view.LastForeground == "" && len(view.Policies) == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.surface.shownCount())
}

func TestWatcher_PolicyChangeReloads(t *testing.T) {
	h := newWatcherHarness(t)
	h.start(t)
	ctx := testContext(t)

	view, err := h.watcher.View(ctx)
	require.NoError(t, err)
	assert.False(t, view.Enabled)

	setPolicies(t, h.prefs, `[{"packageName":"com.b","timeLimit":5,"isBlocked":true}]`)
	require.Eventually(t, func() bool {
		view, err := h.watcher.View(ctx)
		return err == nil && view.Enabled
	}, 5*time.Second, 5*time.Millisecond)
}

func TestWatcher_SeedsTodaysSnapshot(t *testing.T) {
	h := newWatcherHarness(t)
	setPolicies(t, h.prefs, `[{"packageName":"com.a","timeLimit":10,"isBlocked":true}]`)
	require.NoError(t, usage.NewSnapshotStore(h.prefs, "", "", nil).Save("2026-03-10", []domain.UsageRecord{
		{PackageID: "com.a", UsedMillisToday: (5 * time.Minute).Milliseconds()},
	}))
	h.oracle.err = errors.New("usage access revoked")
	h.start(t)
	ctx := testContext(t)

	view, err := h.watcher.View(ctx)
	require.NoError(t, err)
	assert.Contains(t, view.Usage, domain.UsageRecord{PackageID: "com.a", UsedMillisToday: 300_000})
}

func TestWatcher_IgnoresYesterdaysSnapshot(t *testing.T) {
	h := newWatcherHarness(t)
	setPolicies(t, h.prefs, `[{"packageName":"com.a","timeLimit":10,"isBlocked":true}]`)
	require.NoError(t, usage.NewSnapshotStore(h.prefs, "", "", nil).Save("2026-03-09", []domain.UsageRecord{
		{PackageID: "com.a", UsedMillisToday: (9 * time.Minute).Milliseconds()},
	}))
	h.oracle.err = errors.New("usage access revoked")
	h.start(t)
	ctx := testContext(t)

	view, err := h.watcher.View(ctx)
	require.NoError(t, err)
	for _, r := range view.Usage {
		assert.Zero(t, r.UsedMillisToday, r.PackageID)
	}
}

func TestWatcher_SetPreference(t *testing.T) {
	h := newWatcherHarness(t)
	h.build()

	require.NoError(t, h.watcher.SetPreference(testPolicyKey, "[]"))
	v, ok, _ := h.prefs.Get(testPolicyKey)
	assert.True(t, ok)
	assert.Equal(t, "[]", v)

	assert.Error(t, h.watcher.SetPreference(DefaultStatusKey, "{}"))
}

func TestWatcherConfigFrom(t *testing.T) {
	cfg := &config.Config{
		HeartbeatInterval: 15 * time.Second,
		Monitor: config.MonitorConfig{
			TickInterval:    3 * time.Second,
			FreshReadBudget: 500 * time.Millisecond,
			Debounce:        2 * time.Second,
			QueueSize:       32,
			ResetTime:       "04:00",
		},
		Presenter: config.PresenterConfig{PollInterval: time.Second, MissThreshold: 3, NavigateTimeout: time.Second},
		Prefs:     config.PrefsConfig{StatusKey: "custom.status"},
	}

	wc, err := WatcherConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, wc.Monitor.TickInterval)
	assert.Equal(t, 500*time.Millisecond, wc.Monitor.FreshReadBudget)
	assert.Equal(t, 32, wc.Monitor.QueueSize)
	assert.Equal(t, "04:00", wc.Monitor.Boundary.String())
	assert.Equal(t, 3, wc.Presenter.MissThreshold)
	assert.Equal(t, time.Second, wc.Presenter.NavigateTimeout)
	assert.Equal(t, 15*time.Second, wc.HeartbeatInterval)
	assert.Equal(t, "custom.status", wc.StatusKey)

	cfg.Monitor.ResetTime = "noon"
	_, err = WatcherConfigFrom(cfg)
	assert.Error(t, err)
}
