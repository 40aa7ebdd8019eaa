package bridge

import (
	"context"
	"time"

	"github.com/coder/quartz"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// DefaultRecentWindow is how far back RecentUsageProbe accepts a last-used
// timestamp as "in the foreground now".
const DefaultRecentWindow = 3 * time.Second

// ActiveWindowProbe asks the host for the package of the focused window.
//
//	ActiveApp() -> s
type ActiveWindowProbe struct {
	obj caller
}

// NewActiveWindowProbe wraps the host object.
func NewActiveWindowProbe(obj caller) *ActiveWindowProbe {
	return &ActiveWindowProbe{obj: obj}
}

func (p *ActiveWindowProbe) Name() string { return "active_window" }

// Current returns the focused package, or "" if the host does not know.
func (p *ActiveWindowProbe) Current(ctx context.Context) (string, error) {
	var pkg string
	if err := call(ctx, p.obj, "ActiveApp", []interface{}{&pkg}); err != nil {
		return "", err
	}
	return pkg, nil
}

// RecentUsageProbe picks the most recently used package from the host's
// last-used timestamps, counting only those inside Window.
//
//	LastUsed(x startMs, x endMs) -> a{sx}
type RecentUsageProbe struct {
	obj    caller
	clock  quartz.Clock
	Window time.Duration
}

// NewRecentUsageProbe wraps the host object.
func NewRecentUsageProbe(obj caller, clock quartz.Clock) *RecentUsageProbe {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RecentUsageProbe{obj: obj, clock: clock, Window: DefaultRecentWindow}
}

func (p *RecentUsageProbe) Name() string { return "recent_usage" }

// Current returns the newest package used within Window, or "".
func (p *RecentUsageProbe) Current(ctx context.Context) (string, error) {
	now := p.clock.Now()
	start := now.Add(-p.Window)

	var lastUsed map[string]int64
	if err := call(ctx, p.obj, "LastUsed", []interface{}{&lastUsed}, start.UnixMilli(), now.UnixMilli()); err != nil {
		return "", err
	}
	return newest(lastUsed, start.UnixMilli()), nil
}

// newest returns the package with the largest timestamp not before floor.
// Ties go to the lexically smaller id so the answer is stable.
func newest(lastUsed map[string]int64, floor int64) string {
	best := ""
	var bestAt int64
	for pkg, at := range lastUsed {
		if pkg == "" || at < floor {
			continue
		}
		if best == "" || at > bestAt || (at == bestAt && pkg < best) {
			best, bestAt = pkg, at
		}
	}
	return best
}

var (
	_ domain.ForegroundProbe = (*ActiveWindowProbe)(nil)
	_ domain.ForegroundProbe = (*RecentUsageProbe)(nil)
)
