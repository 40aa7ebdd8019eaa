// Package usecase contains the enforcement logic: the monitor control loop
// that decides when an app is over its limit, and the presenter that runs
// the block UI.
package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/metrics"
	"github.com/eliteGoblin/focusd/app_limit/internal/policy"
	"github.com/eliteGoblin/focusd/app_limit/internal/usage"
)

// ErrMonitorStopped is returned by queries made after Run has exited.
var ErrMonitorStopped = errors.New("monitor stopped")

// BlockPresenter enacts block decisions.
type BlockPresenter interface {
	// Present shows or refreshes session. Must be idempotent per package.
	Present(ctx context.Context, session domain.BlockSession) error

	// Dismiss tears down the current session, if any.
	Dismiss(reason domain.DismissReason)
}

// SnapshotWriter persists the ledger for the host app.
type SnapshotWriter interface {
	Save(day string, records []domain.UsageRecord) error
}

// MonitorConfig holds monitor configuration.
type MonitorConfig struct {
	TickInterval    time.Duration  // Periodic refresh and foreground probe (default 2s)
	FreshReadBudget time.Duration  // Max wait for an on-demand oracle read
	Debounce        time.Duration  // Min continuous foreground time before attribution
	QueueSize       int            // Event queue capacity
	Boundary        usage.Boundary // Start of the usage day
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		TickInterval:    2 * time.Second,
		FreshReadBudget: 750 * time.Millisecond,
		Debounce:        time.Second,
		QueueSize:       64,
	}
}

// MonitorView is a read-only copy of the monitor state.
type MonitorView struct {
	Enabled        bool
	Policies       map[string]domain.AppPolicy
	Usage          []domain.UsageRecord
	LastForeground string
	ActiveBlock    *domain.BlockSession
	Stale          bool
	LastRefresh    time.Time
}

// State returns the enforcement state of packageID.
func (v MonitorView) State(packageID string) domain.BlockState {
	if v.ActiveBlock != nil && v.ActiveBlock.PackageID == packageID {
		return domain.Blocked
	}
	return domain.Unblocked
}

// monitorState is owned by the Run goroutine. Nothing else reads or writes it.
type monitorState struct {
	enabled        bool
	known          *policy.Registry
	lastForeground string
	observedSince  time.Time // when lastForeground was first seen
	attributedAt   time.Time // end of the last fallback attribution
	active         *domain.BlockSession
	nextSessionID  uint64
	refreshing     bool
	lastRefresh    time.Time
}

type eventKind int

const (
	evForeground eventKind = iota
	evPolicyChanged
	evDismissed
	evRefresh
	evProbed
	evRefreshDone
	evView
)

func (k eventKind) String() string {
	switch k {
	case evForeground:
		return "foreground_changed"
	case evPolicyChanged:
		return "policy_changed"
	case evDismissed:
		return "dismissed"
	case evRefresh:
		return "refresh"
	case evProbed:
		return "probed"
	case evRefreshDone:
		return "refresh_done"
	case evView:
		return "view"
	default:
		return "unknown"
	}
}

type probeResult struct {
	packageID string
	err       error
	at        time.Time
}

type refreshResult struct {
	dayStart time.Time
	tracked  []string
	values   map[string]int64
	err      error
	at       time.Time
}

type event struct {
	kind       eventKind
	foreground domain.ForegroundEvent
	dismissal  domain.Dismissal
	probe      probeResult
	refresh    refreshResult
	reply      chan MonitorView
}

// Monitor is the enforcement control loop. All state changes happen on the
// goroutine running Run; other goroutines talk to it through its queue.
type Monitor struct {
	config    MonitorConfig
	guard     *policy.Guard
	policies  domain.PolicyStore
	ledger    *usage.Ledger
	probe     domain.ForegroundProbe
	presenter BlockPresenter
	namer     domain.AppNamer
	snapshots SnapshotWriter
	clock     quartz.Clock
	logger    *zap.Logger

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	state monitorState
}

// MonitorDeps are the collaborators of a Monitor. Probe, Namer and Snapshots
// are optional.
type MonitorDeps struct {
	Guard     *policy.Guard
	Policies  domain.PolicyStore
	Ledger    *usage.Ledger
	Probe     domain.ForegroundProbe
	Presenter BlockPresenter
	Namer     domain.AppNamer
	Snapshots SnapshotWriter
	Clock     quartz.Clock
}

// NewMonitor creates a monitor. Call Run to start it.
func NewMonitor(config MonitorConfig, deps MonitorDeps, logger *zap.Logger) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.FreshReadBudget <= 0 {
		config.FreshReadBudget = defaults.FreshReadBudget
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}

	return &Monitor{
		config:    config,
		guard:     deps.Guard,
		policies:  deps.Policies,
		ledger:    deps.Ledger,
		probe:     deps.Probe,
		presenter: deps.Presenter,
		namer:     deps.Namer,
		snapshots: deps.Snapshots,
		clock:     deps.Clock,
		logger:    logger.With(zap.String("component", "monitor")),
		events:    make(chan event, config.QueueSize),
		done:      make(chan struct{}),
		state:     monitorState{known: policy.NewRegistry(deps.Guard)},
	}
}

// Run loads policies, then processes ticks and events until ctx is canceled.
// Queued events are dropped on exit. Run must be called at most once.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.wg.Wait()
	defer close(m.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.logger.Info("monitor started",
		zap.Duration("tick_interval", m.config.TickInterval),
		zap.String("reset_time", m.config.Boundary.String()))

	m.safely(evPolicyChanged.String(), func() { m.reloadPolicies(ctx) })
	m.safely("tick", func() { m.tick(ctx) })

	ticker := m.clock.NewTicker(m.config.TickInterval, "monitor", "tick")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping", zap.Int("dropped_events", len(m.events)))
			return ctx.Err()

		case <-ticker.C:
			m.safely("tick", func() { m.tick(ctx) })

		case ev := <-m.events:
			metrics.EventsTotal.WithLabelValues(ev.kind.String()).Inc()
			m.safely(ev.kind.String(), func() { m.handle(ctx, ev) })
		}
	}
}

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// PostForeground queues a ForegroundChanged event.
func (m *Monitor) PostForeground(ev domain.ForegroundEvent) {
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	m.post(event{kind: evForeground, foreground: ev})
}

// PostPolicyChanged queues a policy reload.
func (m *Monitor) PostPolicyChanged() {
	m.post(event{kind: evPolicyChanged})
}

// PostDismissed queues a Dismissed event. Used as the presenter callback.
func (m *Monitor) PostDismissed(d domain.Dismissal) {
	m.post(event{kind: evDismissed, dismissal: d})
}

// Refresh forces a policy reload followed by an immediate usage refresh.
func (m *Monitor) Refresh() {
	m.post(event{kind: evRefresh})
}

// View returns a copy of the current state, read on the loop goroutine.
func (m *Monitor) View(ctx context.Context) (MonitorView, error) {
	reply := make(chan MonitorView, 1)
	if !m.post(event{kind: evView, reply: reply}) {
		return MonitorView{}, ErrMonitorStopped
	}
	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		return MonitorView{}, ErrMonitorStopped
	case <-ctx.Done():
		return MonitorView{}, ctx.Err()
	}
}

// post enqueues ev. Returns false once the monitor has stopped.
func (m *Monitor) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Monitor) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			m.logger.Error("monitor handler panicked",
				zap.String("handler", name),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn()
}

func (m *Monitor) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evForeground:
		m.handleForeground(ctx, ev.foreground)
	case evPolicyChanged:
		m.reloadPolicies(ctx)
	case evDismissed:
		m.handleDismissed(ev.dismissal)
	case evRefresh:
		m.reloadPolicies(ctx)
		m.tick(ctx)
	case evProbed:
		m.handleProbed(ctx, ev.probe)
	case evRefreshDone:
		m.handleRefreshDone(ctx, ev.refresh)
	case evView:
		ev.reply <- m.view()
	}
}

// reloadPolicies fully replaces the known policies. The ledger is untouched.
func (m *Monitor) reloadPolicies(ctx context.Context) {
	loaded, err := m.policies.Load()
	if err != nil {
		m.logger.Warn("failed to load policies, keeping previous set", zap.Error(err))
		return
	}

	m.state.known.Replace(m.guard.Filter(loaded))
	tracked := m.state.known.TrackedIDs()
	m.state.enabled = len(tracked) > 0
	metrics.TrackedPackages.Set(float64(len(tracked)))

	m.logger.Info("policies loaded",
		zap.Int("loaded", len(loaded)),
		zap.Int("known", m.state.known.Len()),
		zap.Strings("tracked", tracked))

	if a := m.state.active; a != nil {
		if _, ok := m.state.known.Tracked(a.PackageID); !ok {
			m.logger.Info("blocked package no longer tracked, lifting block",
				zap.String("package", a.PackageID))
			m.unblock(a.PackageID, domain.ReasonOverride)
		}
	}
}

// handleForeground is the low-latency path: decide on arrival, preferring a
// fresh oracle read over the cached ledger value.
func (m *Monitor) handleForeground(ctx context.Context, ev domain.ForegroundEvent) {
	m.observe(ev.PackageID, ev.At)

	if !m.guard.Admit(ev.PackageID) {
		if m.guard.IsProtected(ev.PackageID) {
			m.logger.Debug("ignoring foreground event for protected package")
		}
		return
	}
	if _, ok := m.state.known.Tracked(ev.PackageID); !ok {
		return
	}

	_, fresh := m.freshRead(ctx, ev.PackageID)
	m.evaluate(ctx, ev.PackageID, fresh)
}

func (m *Monitor) handleDismissed(d domain.Dismissal) {
	a := m.state.active
	if a == nil || a.ID != d.SessionID {
		m.logger.Debug("ignoring dismissal of inactive session",
			zap.String("package", d.PackageID),
			zap.Uint64("session", d.SessionID))
		return
	}
	m.state.active = nil
	switch d.Reason {
	case domain.ReasonAppLeft, domain.ReasonAcknowledged, domain.ReasonOpenHost:
		// The user is no longer in the app; wait for it to come back.
		if m.state.lastForeground == d.PackageID {
			m.state.lastForeground = ""
		}
	}
	m.logger.Info("package unblocked",
		zap.String("package", d.PackageID),
		zap.String("reason", string(d.Reason)))
}

// tick handles day rollover and starts the periodic refresh.
func (m *Monitor) tick(ctx context.Context) {
	metrics.TicksTotal.Inc()
	now := m.clock.Now()
	m.checkRollover(now)

	if !m.state.enabled {
		return
	}
	if m.state.refreshing {
		m.logger.Debug("previous refresh still pending, skipping")
		return
	}
	m.state.refreshing = true

	dayStart := m.config.Boundary.StartOfDay(now)
	tracked := m.state.known.TrackedIDs()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if m.probe != nil {
			current, err := m.probe.Current(ctx)
			if !m.post(event{kind: evProbed, probe: probeResult{packageID: current, err: err, at: m.clock.Now()}}) {
				return
			}
		}

		values, err := m.ledger.Fetch(ctx, dayStart, now)
		m.post(event{kind: evRefreshDone, refresh: refreshResult{
			dayStart: dayStart,
			tracked:  tracked,
			values:   values,
			err:      err,
			at:       now,
		}})
	}()
}

func (m *Monitor) checkRollover(now time.Time) {
	dayStart := m.config.Boundary.StartOfDay(now)
	current := m.ledger.Day()
	if current.IsZero() || !dayStart.After(current) {
		return
	}
	m.ledger.Rollover(dayStart)
	m.persist(now)
}

// handleProbed re-checks the package the probe chain sees in the foreground,
// in case the event path missed or filtered it.
func (m *Monitor) handleProbed(ctx context.Context, r probeResult) {
	if r.err != nil || r.packageID == "" {
		if r.err != nil {
			metrics.QueryFailures.WithLabelValues("probe", domain.ErrorKind(r.err)).Inc()
			m.logger.Debug("foreground probe failed", zap.Error(r.err))
		}
		// Unknown foreground: attribute nothing for this interval.
		m.state.attributedAt = r.at
		return
	}

	m.observe(r.packageID, r.at)
	if m.guard.Admit(r.packageID) {
		m.evaluate(ctx, r.packageID, false)
	}
}

func (m *Monitor) handleRefreshDone(ctx context.Context, r refreshResult) {
	m.state.refreshing = false
	m.state.lastRefresh = r.at

	if r.dayStart.Before(m.ledger.Day()) {
		m.logger.Debug("discarding refresh from previous usage day")
		return
	}

	fresh := r.err == nil
	if fresh {
		m.ledger.Apply(r.dayStart, r.tracked, r.values)
	} else {
		metrics.QueryFailures.WithLabelValues("oracle", domain.ErrorKind(r.err)).Inc()
		m.ledger.Fail(r.err)
	}

	if a := m.state.active; a != nil {
		m.evaluate(ctx, a.PackageID, fresh)
	}
	if fg := m.state.lastForeground; fg != "" && (m.state.active == nil || m.state.active.PackageID != fg) {
		m.evaluate(ctx, fg, fresh)
	}
	m.persist(r.at)
}

// observe updates the foreground bookkeeping and, while the oracle is
// unreachable, attributes elapsed time to a package seen continuously for
// at least the debounce period.
func (m *Monitor) observe(packageID string, at time.Time) {
	if !m.guard.Admit(packageID) {
		packageID = ""
	}
	s := &m.state
	if packageID != s.lastForeground {
		s.lastForeground = packageID
		s.observedSince = at
		s.attributedAt = at
		return
	}
	if packageID == "" || at.Sub(s.observedSince) < m.config.Debounce {
		return
	}

	delta := at.Sub(s.attributedAt)
	if delta <= 0 {
		return
	}
	s.attributedAt = at
	if !m.ledger.Stale() {
		return
	}
	if _, ok := s.known.Tracked(packageID); !ok {
		return
	}
	if s.active != nil && s.active.PackageID == packageID {
		return
	}
	m.ledger.RecordSessionDelta(packageID, delta.Milliseconds())
}

// evaluate applies the per-package state machine to the ledger value of
// packageID. fresh means the value was just verified by the oracle.
func (m *Monitor) evaluate(ctx context.Context, packageID string, fresh bool) {
	if !m.guard.Admit(packageID) {
		return
	}

	blocked := m.state.active != nil && m.state.active.PackageID == packageID
	pol, tracked := m.state.known.Tracked(packageID)
	if !tracked {
		if blocked {
			m.unblock(packageID, domain.ReasonOverride)
		}
		return
	}

	used := m.ledger.Usage(packageID)
	limit := pol.DailyLimit()
	over := limit > 0 && used >= limit

	if blocked {
		switch {
		case over:
			m.refreshBlock(ctx, pol, used)
		case fresh:
			m.logger.Info("usage verified below limit, lifting block",
				zap.String("package", packageID),
				zap.Int64("used_ms", used),
				zap.Int64("limit_ms", limit))
			m.unblock(packageID, domain.ReasonOverride)
		}
		return
	}

	if !over {
		return
	}
	if !fresh && !m.ledger.Verified(packageID) {
		m.logger.Debug("usage over limit but unverified, not blocking",
			zap.String("package", packageID))
		return
	}
	m.block(ctx, pol, used, fresh)
}

// block re-validates and presents a new session for pol.
func (m *Monitor) block(ctx context.Context, pol domain.AppPolicy, used int64, fresh bool) {
	pkg := pol.PackageID
	if err := m.guard.CheckBlock(pkg); err != nil {
		metrics.BlockFailures.WithLabelValues(domain.ErrorKind(err)).Inc()
		return
	}

	if !fresh {
		if v, ok := m.freshRead(ctx, pkg); ok {
			used = v
		}
	}
	if used < pol.DailyLimit() {
		m.logger.Debug("revalidation below limit, not blocking",
			zap.String("package", pkg),
			zap.Int64("used_ms", used))
		return
	}

	if prev := m.state.active; prev != nil {
		m.logger.Info("replacing active block",
			zap.String("previous", prev.PackageID),
			zap.String("package", pkg))
		m.state.active = nil
	}

	m.state.nextSessionID++
	session := domain.BlockSession{
		ID:                 m.state.nextSessionID,
		PackageID:          pkg,
		AppDisplayName:     m.displayName(pkg),
		StartedAt:          m.clock.Now(),
		LimitMinutes:       pol.DailyLimitMinutes,
		UsedMinutesAtBlock: int(used / time.Minute.Milliseconds()),
	}
	if err := m.presenter.Present(ctx, session); err != nil {
		metrics.BlockFailures.WithLabelValues(domain.ErrorKind(err)).Inc()
		m.logger.Warn("failed to present block, not blocking",
			zap.String("package", pkg),
			zap.Error(err))
		return
	}

	m.state.active = &session
	metrics.BlocksTotal.Inc()
	m.logger.Info("package blocked",
		zap.String("package", pkg),
		zap.Uint64("session", session.ID),
		zap.Int("used_minutes", session.UsedMinutesAtBlock),
		zap.Int("limit_minutes", session.LimitMinutes))
}

// refreshBlock updates the displayed values of the active session.
func (m *Monitor) refreshBlock(ctx context.Context, pol domain.AppPolicy, used int64) {
	updated := *m.state.active
	updated.LimitMinutes = pol.DailyLimitMinutes
	updated.UsedMinutesAtBlock = int(used / time.Minute.Milliseconds())
	if updated == *m.state.active {
		return
	}
	if err := m.presenter.Present(ctx, updated); err != nil {
		if errors.Is(err, ErrSessionEnded) {
			// Torn down before its dismissal reached us.
			m.state.active = nil
			if m.state.lastForeground == pol.PackageID {
				m.state.lastForeground = ""
			}
			m.logger.Info("block session ended during refresh",
				zap.String("package", pol.PackageID),
				zap.Uint64("session", updated.ID))
			return
		}
		m.logger.Warn("failed to refresh block", zap.String("package", pol.PackageID), zap.Error(err))
		return
	}
	m.state.active = &updated
}

func (m *Monitor) unblock(packageID string, reason domain.DismissReason) {
	a := m.state.active
	if a == nil || a.PackageID != packageID {
		return
	}
	m.state.active = nil
	m.presenter.Dismiss(reason)
}

// freshRead queries the oracle for packageID within the fresh-read budget.
func (m *Monitor) freshRead(ctx context.Context, packageID string) (int64, bool) {
	rctx, cancel := context.WithTimeout(ctx, m.config.FreshReadBudget)
	defer cancel()

	now := m.clock.Now()
	dayStart := m.config.Boundary.StartOfDay(now)
	values, err := m.ledger.Fetch(rctx, dayStart, now)
	if err != nil {
		metrics.QueryFailures.WithLabelValues("oracle", domain.ErrorKind(err)).Inc()
		m.logger.Debug("fresh usage read failed, using cached value",
			zap.String("package", packageID),
			zap.Error(err))
		return m.ledger.Usage(packageID), false
	}
	if dayStart.Before(m.ledger.Day()) {
		return m.ledger.Usage(packageID), false
	}
	return m.ledger.ApplyOne(dayStart, packageID, values[packageID]), true
}

func (m *Monitor) persist(now time.Time) {
	if m.snapshots == nil {
		return
	}
	day := m.config.Boundary.DayKey(now)
	if err := m.snapshots.Save(day, m.ledger.Records()); err != nil {
		m.logger.Warn("failed to persist usage snapshot", zap.Error(err))
	}
}

func (m *Monitor) displayName(packageID string) string {
	if m.namer == nil {
		return packageID
	}
	return m.namer.DisplayName(packageID)
}

func (m *Monitor) view() MonitorView {
	v := MonitorView{
		Enabled:        m.state.enabled,
		Policies:       m.state.known.GetAll(),
		Usage:          m.ledger.Records(),
		LastForeground: m.state.lastForeground,
		Stale:          m.ledger.Stale(),
		LastRefresh:    m.state.lastRefresh,
	}
	if a := m.state.active; a != nil {
		session := *a
		v.ActiveBlock = &session
	}
	return v
}
