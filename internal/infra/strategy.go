package infra

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// errNoStrategy is returned by an empty chain.
var errNoStrategy = errors.New("no strategy configured")

// ProbeChain asks foreground probes in order. The first probe that answers
// with a package wins. An empty answer from every probe means unknown.
type ProbeChain struct {
	probes []domain.ForegroundProbe
	logger *zap.Logger
}

// NewProbeChain creates a chain over probes, tried in the given order.
func NewProbeChain(logger *zap.Logger, probes ...domain.ForegroundProbe) *ProbeChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeChain{probes: probes, logger: logger.With(zap.String("component", "probe_chain"))}
}

// Name identifies the chain in logs.
func (c *ProbeChain) Name() string {
	return "probe_chain"
}

// Current returns the foreground package, or "" when no probe knows.
// An error is returned only when every probe failed.
func (c *ProbeChain) Current(ctx context.Context) (string, error) {
	if len(c.probes) == 0 {
		return "", errNoStrategy
	}
	var errs []error
	for _, p := range c.probes {
		pkg, err := p.Current(ctx)
		if err != nil {
			c.logger.Debug("foreground probe failed, trying next",
				zap.String("probe", p.Name()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if pkg != "" {
			return pkg, nil
		}
	}
	if len(errs) == len(c.probes) {
		return "", errors.Join(errs...)
	}
	return "", nil
}

// LivenessChain asks process queries in order. The first query that
// answers without error wins.
type LivenessChain struct {
	queries []domain.ProcessQuery
	logger  *zap.Logger
}

// NewLivenessChain creates a chain over queries, tried in the given order.
func NewLivenessChain(logger *zap.Logger, queries ...domain.ProcessQuery) *LivenessChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LivenessChain{queries: queries, logger: logger.With(zap.String("component", "liveness_chain"))}
}

// Name identifies the chain in logs.
func (c *LivenessChain) Name() string {
	return "liveness_chain"
}

// IsRunning returns the first successful answer.
func (c *LivenessChain) IsRunning(ctx context.Context, packageID string) (bool, error) {
	if len(c.queries) == 0 {
		return false, errNoStrategy
	}
	var errs []error
	for _, q := range c.queries {
		running, err := q.IsRunning(ctx, packageID)
		if err == nil {
			return running, nil
		}
		c.logger.Debug("liveness query failed, trying next",
			zap.String("query", q.Name()),
			zap.String("package", packageID),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", q.Name(), err))
	}
	return false, errors.Join(errs...)
}

// ForegroundMatch answers liveness as "packageId is the foreground app",
// using a foreground probe. An unknown foreground is an error so the next
// strategy is consulted.
type ForegroundMatch struct {
	probe domain.ForegroundProbe
}

// NewForegroundMatch creates a liveness query backed by probe.
func NewForegroundMatch(probe domain.ForegroundProbe) *ForegroundMatch {
	return &ForegroundMatch{probe: probe}
}

// Name identifies the strategy in logs.
func (m *ForegroundMatch) Name() string {
	return "foreground_match"
}

// IsRunning reports whether packageID is in the foreground.
func (m *ForegroundMatch) IsRunning(ctx context.Context, packageID string) (bool, error) {
	current, err := m.probe.Current(ctx)
	if err != nil {
		return false, err
	}
	if current == "" {
		return false, fmt.Errorf("foreground unknown: %w", domain.ErrTransientQuery)
	}
	return current == packageID, nil
}

// Ensure implementations satisfy interfaces
var _ domain.ForegroundProbe = (*ProbeChain)(nil)
var _ domain.ProcessQuery = (*LivenessChain)(nil)
var _ domain.ProcessQuery = (*ForegroundMatch)(nil)
