// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// FakeHost simulates the host side of the engine: a device whose foreground
// app, usage aggregate and block screen are controlled by the test.
// It implements domain.UsageOracle, domain.ForegroundEventSource,
// domain.ForegroundProbe, domain.ProcessQuery and domain.BlockSurface.
type FakeHost struct {
	mu         sync.Mutex
	usage      map[string]int64
	oracleErr  error
	foreground string
	running    map[string]bool
	events     chan domain.ForegroundEvent

	shown   []domain.BlockSession
	updated []domain.BlockSession
	hidden  []string
	home    int
	opened  int
}

// NewFakeHost creates a host with nothing running.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		usage:   make(map[string]int64),
		running: make(map[string]bool),
		events:  make(chan domain.ForegroundEvent, 64),
	}
}

// SetUsage sets the oracle's foreground time for pkg today.
func (h *FakeHost) SetUsage(pkg string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage[pkg] = d.Milliseconds()
}

// SetOracleError makes every oracle query fail with err (nil clears it).
func (h *FakeHost) SetOracleError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.oracleErr = err
}

// Bring launches pkg into the foreground and emits ForegroundChanged.
func (h *FakeHost) Bring(pkg string) {
	h.mu.Lock()
	h.foreground = pkg
	h.running[pkg] = true
	h.mu.Unlock()

	select {
	case h.events <- domain.ForegroundEvent{PackageID: pkg, ActivityClass: pkg + ".Main", At: time.Now()}:
	default:
	}
}

// Leave closes pkg. The host emits no event for it; the engine has to notice.
func (h *FakeHost) Leave(pkg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, pkg)
	if h.foreground == pkg {
		h.foreground = ""
	}
}

// --- domain.UsageOracle ---

func (h *FakeHost) Query(context.Context, time.Time, time.Time) (map[string]int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.oracleErr != nil {
		return nil, h.oracleErr
	}
	out := make(map[string]int64, len(h.usage))
	for k, v := range h.usage {
		out[k] = v
	}
	return out, nil
}

// --- domain.ForegroundEventSource ---

func (h *FakeHost) Subscribe(ctx context.Context) (<-chan domain.ForegroundEvent, error) {
	out := make(chan domain.ForegroundEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-h.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// --- domain.ForegroundProbe and domain.ProcessQuery ---

func (h *FakeHost) Name() string { return "fake_host" }

func (h *FakeHost) Current(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.foreground, nil
}

func (h *FakeHost) IsRunning(_ context.Context, pkg string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running[pkg], nil
}

// --- domain.BlockSurface ---

func (h *FakeHost) Show(_ context.Context, s domain.BlockSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shown = append(h.shown, s)
	return nil
}

func (h *FakeHost) Update(_ context.Context, s domain.BlockSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updated = append(h.updated, s)
	return nil
}

func (h *FakeHost) Hide(_ context.Context, pkg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hidden = append(h.hidden, pkg)
	return nil
}

func (h *FakeHost) NavigateHome(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.home++
	h.foreground = ""
	return nil
}

func (h *FakeHost) OpenHost(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened++
	return nil
}

// Shown returns every session the block screen was asked to show.
func (h *FakeHost) Shown() []domain.BlockSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.BlockSession(nil), h.shown...)
}

// Hidden returns the packages whose block screen was removed, in order.
func (h *FakeHost) Hidden() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.hidden...)
}

// HomeCount reports how often the user was sent to the home screen.
func (h *FakeHost) HomeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.home
}

var (
	_ domain.UsageOracle           = (*FakeHost)(nil)
	_ domain.ForegroundEventSource = (*FakeHost)(nil)
	_ domain.ForegroundProbe       = (*FakeHost)(nil)
	_ domain.ProcessQuery          = (*FakeHost)(nil)
	_ domain.BlockSurface          = (*FakeHost)(nil)
)
