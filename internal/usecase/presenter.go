package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/metrics"
	"github.com/eliteGoblin/focusd/app_limit/internal/policy"
)

// hideTimeout bounds the surface teardown call on dismissal.
const hideTimeout = 5 * time.Second

// ErrSessionEnded is returned by Present for a session that was already
// torn down. The caller must stop treating it as active.
var ErrSessionEnded = errors.New("block session already ended")

// PresenterConfig holds block presenter configuration.
type PresenterConfig struct {
	PollInterval    time.Duration // How often to ask whether the blocked app is still running
	MissThreshold   int           // Consecutive negative answers before the session ends
	NavigateTimeout time.Duration // Bound on NavigateHome and OpenHost
}

// DefaultPresenterConfig returns default presenter configuration.
func DefaultPresenterConfig() PresenterConfig {
	return PresenterConfig{
		PollInterval:    2 * time.Second,
		MissThreshold:   2,
		NavigateTimeout: 2 * time.Second,
	}
}

// presentation is one shown block session.
type presentation struct {
	session domain.BlockSession
	cancel  context.CancelFunc
	once    sync.Once
}

// Presenter drives the block UI lifecycle for at most one session at a time.
// While a session is shown it polls whether the blocked app is still running
// and tears itself down once the user has left it.
type Presenter struct {
	config   PresenterConfig
	surface  domain.BlockSurface
	liveness domain.ProcessQuery
	guard    *policy.Guard
	sink     domain.LifecycleSink
	clock    quartz.Clock
	logger   *zap.Logger

	mu          sync.Mutex
	current     *presentation
	ended       uint64        // Highest session id torn down; ids only grow
	pendingHide chan struct{} // Closed when the latest teardown has finished
	onDismissed func(domain.Dismissal)
	wg          sync.WaitGroup
}

// NewPresenter creates a presenter. sink may be nil.
func NewPresenter(
	config PresenterConfig,
	surface domain.BlockSurface,
	liveness domain.ProcessQuery,
	guard *policy.Guard,
	sink domain.LifecycleSink,
	clock quartz.Clock,
	logger *zap.Logger,
) *Presenter {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPresenterConfig().PollInterval
	}
	if config.MissThreshold < 1 {
		config.MissThreshold = 1
	}
	if config.NavigateTimeout <= 0 {
		config.NavigateTimeout = DefaultPresenterConfig().NavigateTimeout
	}
	return &Presenter{
		config:   config,
		surface:  surface,
		liveness: liveness,
		guard:    guard,
		sink:     sink,
		clock:    clock,
		logger:   logger.With(zap.String("component", "presenter")),
	}
}

// OnDismissed registers the callback run once per torn down session.
// Must be set before the first Present.
func (p *Presenter) OnDismissed(fn func(domain.Dismissal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDismissed = fn
}

// Present shows session. Re-presenting the package already shown only
// refreshes the displayed values and adopts the caller's session id. A
// different package replaces the old session. A session id that was already
// torn down is refused with ErrSessionEnded.
func (p *Presenter) Present(ctx context.Context, session domain.BlockSession) error {
	if err := p.guard.CheckBlock(session.PackageID); err != nil {
		return fmt.Errorf("present %s: %w", session.PackageID, err)
	}

	p.mu.Lock()
	if p.ended > 0 && session.ID <= p.ended {
		p.mu.Unlock()
		return fmt.Errorf("present %s session %d: %w", session.PackageID, session.ID, ErrSessionEnded)
	}
	cur := p.current
	if cur != nil && cur.session.PackageID == session.PackageID {
		session.StartedAt = cur.session.StartedAt
		cur.session = session
		p.mu.Unlock()

		if err := p.surface.Update(ctx, session); err != nil {
			p.logger.Warn("failed to update block surface",
				zap.String("package", session.PackageID),
				zap.Error(err))
		}
		return nil
	}
	if cur != nil {
		p.detach(cur)
	}
	p.mu.Unlock()

	if cur != nil {
		p.teardown(cur, domain.ReasonSuperseded)
	}

	// The previous surface must be gone before a new one is shown
	p.mu.Lock()
	pending := p.pendingHide
	p.mu.Unlock()
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return fmt.Errorf("show block surface for %s: %w", session.PackageID, ctx.Err())
		}
	}

	if err := p.surface.Show(ctx, session); err != nil {
		return fmt.Errorf("show block surface for %s: %w", session.PackageID, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	pr := &presentation{session: session, cancel: cancel}

	p.mu.Lock()
	p.current = pr
	p.mu.Unlock()

	p.logger.Info("block presented",
		zap.String("package", session.PackageID),
		zap.Int("used_minutes", session.UsedMinutesAtBlock),
		zap.Int("limit_minutes", session.LimitMinutes))
	p.publish(domain.LifecycleBlocked, session.PackageID)

	p.wg.Add(1)
	go p.poll(pollCtx, pr, session.PackageID)
	return nil
}

// Current returns the shown session, if any.
func (p *Presenter) Current() (domain.BlockSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return domain.BlockSession{}, false
	}
	return p.current.session, true
}

// Dismiss tears down the current session. Safe to call any number of times.
// It does not wait for the surface to be hidden.
func (p *Presenter) Dismiss(reason domain.DismissReason) {
	p.mu.Lock()
	pr := p.current
	if pr != nil {
		p.detach(pr)
	}
	p.mu.Unlock()

	if pr != nil {
		p.teardown(pr, reason)
	}
}

// Acknowledge dismisses the block and navigates to the home screen.
func (p *Presenter) Acknowledge(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, p.config.NavigateTimeout)
	defer cancel()

	// Home first: a foreground check between the two must not see the app again
	err := p.surface.NavigateHome(navCtx)
	p.Dismiss(domain.ReasonAcknowledged)
	if err != nil {
		return fmt.Errorf("navigate home: %w", err)
	}
	return nil
}

// OpenHost dismisses the block and brings the controlling app forward.
func (p *Presenter) OpenHost(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, p.config.NavigateTimeout)
	defer cancel()

	err := p.surface.OpenHost(navCtx)
	p.Dismiss(domain.ReasonOpenHost)
	if err != nil {
		return fmt.Errorf("open host app: %w", err)
	}
	return nil
}

// Stop cancels the liveness poll, runs a final dismiss and waits for the
// poll goroutine to exit.
func (p *Presenter) Stop() {
	p.Dismiss(domain.ReasonStopped)
	p.wg.Wait()
}

func (p *Presenter) poll(ctx context.Context, pr *presentation, pkg string) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.PollInterval, "presenter", "liveness")
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			running, err := p.liveness.IsRunning(ctx, pkg)
			if ctx.Err() != nil {
				return
			}
			if err == nil && running {
				misses = 0
				continue
			}
			// Query errors count as a miss.
			misses++
			p.logger.Debug("blocked app not observed",
				zap.String("package", pkg),
				zap.Int("misses", misses),
				zap.Error(err))
			if misses < p.config.MissThreshold {
				continue
			}

			p.logger.Info("blocked app left the foreground", zap.String("package", pkg))
			p.mu.Lock()
			p.detach(pr)
			p.mu.Unlock()
			p.teardown(pr, domain.ReasonAppLeft)
			return
		}
	}
}

// detach unlinks pr and marks its session id as ended. Caller holds p.mu.
func (p *Presenter) detach(pr *presentation) {
	if p.current == pr {
		p.current = nil
	}
	if pr.session.ID > p.ended {
		p.ended = pr.session.ID
	}
}

// teardown runs the dismissal side effects exactly once per presentation.
// Hiding the surface and the dismissal callback run on their own goroutine,
// after any earlier teardown, so neither the monitor loop nor the caller
// waits on the host.
func (p *Presenter) teardown(pr *presentation, reason domain.DismissReason) {
	pr.once.Do(func() {
		pr.cancel()

		done := make(chan struct{})
		p.mu.Lock()
		session := pr.session
		prev := p.pendingHide
		p.pendingHide = done
		notify := p.onDismissed
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer close(done)
			if prev != nil {
				<-prev
			}
			p.hide(session, reason)
			if notify != nil {
				notify(domain.Dismissal{
					PackageID: session.PackageID,
					SessionID: session.ID,
					Reason:    reason,
				})
			}
		}()
	})
}

func (p *Presenter) hide(session domain.BlockSession, reason domain.DismissReason) {
	ctx, cancel := context.WithTimeout(context.Background(), hideTimeout)
	defer cancel()
	if err := p.surface.Hide(ctx, session.PackageID); err != nil {
		p.logger.Warn("failed to hide block surface",
			zap.String("package", session.PackageID),
			zap.Error(err))
	}

	p.logger.Info("block dismissed",
		zap.String("package", session.PackageID),
		zap.Uint64("session", session.ID),
		zap.String("reason", string(reason)))
	metrics.DismissalsTotal.WithLabelValues(string(reason)).Inc()
	p.publish(domain.LifecycleUnblocked, session.PackageID)
}

func (p *Presenter) publish(kind domain.LifecycleKind, pkg string) {
	if p.sink == nil {
		return
	}
	ev := domain.LifecycleEvent{
		Kind:            kind,
		PackageID:       pkg,
		TimestampMillis: p.clock.Now().UnixMilli(),
	}
	if err := p.sink.Publish(ev); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("kind", string(kind)),
			zap.String("package", pkg),
			zap.Error(err))
	}
}
