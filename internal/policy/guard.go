package policy

import (
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// Default filters for packages that must never be tracked.
var (
	DefaultSystemPrefixes   = []string{"com.android", "android"}
	DefaultSystemSubstrings = []string{"launcher"}
)

// GuardConfig configures the Safety Guard.
type GuardConfig struct {
	HostPackage      string   // Identity of the controlling app, never blocked
	SelfPackage      string   // Identity of this engine, ignored like system packages
	SystemPrefixes   []string // Package id prefixes treated as system UI
	SystemSubstrings []string // Package id substrings treated as system UI (launchers)
}

// Guard enforces the host-app safety invariant.
// It is consulted at policy ingestion, at every decision point and again
// right before a block is executed.
type Guard struct {
	host       string
	self       string
	prefixes   []string
	substrings []string
	logger     *zap.Logger
}

// NewGuard creates a guard. An empty host package protects nothing, which
// config validation rejects before we get here. Nil filter lists fall back
// to the defaults; an empty non-nil list disables that filter.
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SystemPrefixes == nil {
		cfg.SystemPrefixes = DefaultSystemPrefixes
	}
	if cfg.SystemSubstrings == nil {
		cfg.SystemSubstrings = DefaultSystemSubstrings
	}
	g := &Guard{
		host:   strings.TrimSpace(cfg.HostPackage),
		self:   strings.TrimSpace(cfg.SelfPackage),
		logger: logger.With(zap.String("component", "guard")),
	}
	for _, p := range cfg.SystemPrefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			g.prefixes = append(g.prefixes, p)
		}
	}
	for _, s := range cfg.SystemSubstrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			g.substrings = append(g.substrings, s)
		}
	}
	return g
}

// HostPackage returns the protected identity.
func (g *Guard) HostPackage() string {
	return g.host
}

// IsProtected reports whether packageID is the host application.
func (g *Guard) IsProtected(packageID string) bool {
	return g.host != "" && strings.TrimSpace(packageID) == g.host
}

// IsSystem reports whether packageID is system UI, a launcher or the engine itself.
func (g *Guard) IsSystem(packageID string) bool {
	id := strings.ToLower(strings.TrimSpace(packageID))
	if id == "" {
		return true
	}
	if g.self != "" && id == strings.ToLower(g.self) {
		return true
	}
	for _, p := range g.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	for _, s := range g.substrings {
		if strings.Contains(id, s) {
			return true
		}
	}
	return false
}

// Admit reports whether a foreground observation of packageID may be used
// for decisions at all.
func (g *Guard) Admit(packageID string) bool {
	return !g.IsProtected(packageID) && !g.IsSystem(packageID)
}

// Filter drops protected ids from a freshly loaded policy list.
func (g *Guard) Filter(policies []domain.AppPolicy) []domain.AppPolicy {
	kept := make([]domain.AppPolicy, 0, len(policies))
	for _, p := range policies {
		if g.IsProtected(p.PackageID) {
			g.logger.Debug("dropping policy for protected package",
				zap.String("package", p.PackageID))
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// CheckBlock is the last line of defense before a block is shown.
// Returns ErrInvariantViolation if packageID is protected.
func (g *Guard) CheckBlock(packageID string) error {
	if !g.IsProtected(packageID) {
		return nil
	}
	g.logger.Error("block requested for protected package, aborting",
		zap.String("package", packageID))
	return domain.ErrInvariantViolation
}
