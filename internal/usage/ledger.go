// Package usage keeps per-app usage-today, merged from the usage oracle and
// persisted for the host app.
package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

type entry struct {
	verified    int64 // last oracle value (or same-day snapshot)
	delta       int64 // fallback increments since the last oracle value
	hasVerified bool
}

// Ledger merges oracle snapshots into per-package usage-today.
//
// A successful refresh replaces prior values; the oracle aggregate is
// authoritative. Session deltas only fill in while the oracle is unreachable.
// Not safe for concurrent use: the monitor loop owns it. Fetch is the one
// method that may run on another goroutine.
type Ledger struct {
	oracle  domain.UsageOracle
	logger  *zap.Logger
	day     time.Time
	records map[string]*entry
	stale   bool
}

// NewLedger creates an empty ledger over oracle.
func NewLedger(oracle domain.UsageOracle, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		oracle:  oracle,
		logger:  logger.With(zap.String("component", "ledger")),
		records: make(map[string]*entry),
	}
}

// Refresh pulls usage for tracked packages over [windowStart, windowEnd) and
// replaces the ledger values. On oracle failure the previous snapshot is kept
// and the error is returned for the caller's freshness bookkeeping.
func (l *Ledger) Refresh(ctx context.Context, windowStart, windowEnd time.Time, tracked []string) (map[string]int64, error) {
	values, err := l.Fetch(ctx, windowStart, windowEnd)
	if err != nil {
		l.Fail(err)
		return nil, err
	}
	return l.Apply(windowStart, tracked, values), nil
}

// Fetch queries the oracle without touching ledger state.
func (l *Ledger) Fetch(ctx context.Context, windowStart, windowEnd time.Time) (map[string]int64, error) {
	if l.oracle == nil {
		return nil, fmt.Errorf("no usage oracle: %w", domain.ErrPermissionDenied)
	}
	values, err := l.oracle.Query(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("query usage oracle: %w", err)
	}
	return values, nil
}

// Apply stores a successful oracle result for the tracked packages.
// dayStart identifies the usage day the values belong to; a new day clears
// everything first.
func (l *Ledger) Apply(dayStart time.Time, tracked []string, values map[string]int64) map[string]int64 {
	if !dayStart.Equal(l.day) {
		l.Rollover(dayStart)
	}
	out := make(map[string]int64, len(tracked))
	for _, id := range tracked {
		out[id] = l.applyOne(id, values[id])
	}
	l.stale = false
	return out
}

// ApplyOne stores an oracle value for a single package.
func (l *Ledger) ApplyOne(dayStart time.Time, packageID string, millis int64) int64 {
	if !dayStart.Equal(l.day) {
		l.Rollover(dayStart)
	}
	return l.applyOne(packageID, millis)
}

func (l *Ledger) applyOne(id string, millis int64) int64 {
	if millis < 0 {
		millis = 0
	}
	e := l.entry(id)
	if e.hasVerified && millis < e.verified {
		// Usage today never goes backwards within a day.
		l.logger.Debug("oracle reported less than verified usage, keeping verified",
			zap.String("package", id),
			zap.Int64("oracle_ms", millis),
			zap.Int64("verified_ms", e.verified))
		millis = e.verified
	}
	e.verified = millis
	e.delta = 0
	e.hasVerified = true
	return millis
}

// Fail records a failed refresh. Values are kept as they are.
func (l *Ledger) Fail(err error) {
	l.stale = true
	l.logger.Warn("usage refresh failed, keeping previous snapshot",
		zap.String("kind", domain.ErrorKind(err)),
		zap.Error(err))
}

// RecordSessionDelta adds fallback foreground time for packageID.
func (l *Ledger) RecordSessionDelta(packageID string, deltaMillis int64) {
	if deltaMillis <= 0 {
		return
	}
	l.entry(packageID).delta += deltaMillis
}

// Usage returns usage-today in milliseconds, 0 if unknown.
func (l *Ledger) Usage(packageID string) int64 {
	e, ok := l.records[packageID]
	if !ok {
		return 0
	}
	return e.verified + e.delta
}

// Verified reports whether an oracle read (or a same-day snapshot) backs
// the usage of packageID.
func (l *Ledger) Verified(packageID string) bool {
	e, ok := l.records[packageID]
	return ok && e.hasVerified
}

// Stale reports whether the last refresh failed.
func (l *Ledger) Stale() bool {
	return l.stale
}

// Day returns the start of the usage day the values belong to.
func (l *Ledger) Day() time.Time {
	return l.day
}

// Rollover clears all values for a new usage day.
func (l *Ledger) Rollover(dayStart time.Time) {
	if !l.day.IsZero() {
		l.logger.Info("usage day rolled over",
			zap.Time("previous", l.day),
			zap.Time("current", dayStart))
	}
	l.day = dayStart
	l.records = make(map[string]*entry)
}

// Seed restores a persisted snapshot as verified evidence. Ignored unless
// it belongs to dayStart.
func (l *Ledger) Seed(dayStart time.Time, snapshotDay string, records []domain.UsageRecord) bool {
	if snapshotDay != dayStart.Format(DayKeyLayout) {
		return false
	}
	if !dayStart.Equal(l.day) {
		l.Rollover(dayStart)
	}
	for _, r := range records {
		l.applyOne(r.PackageID, r.UsedMillisToday)
	}
	return true
}

// Records returns the current usage sorted by package id.
func (l *Ledger) Records() []domain.UsageRecord {
	out := make([]domain.UsageRecord, 0, len(l.records))
	for id := range l.records {
		out = append(out, domain.UsageRecord{PackageID: id, UsedMillisToday: l.Usage(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageID < out[j].PackageID })
	return out
}

func (l *Ledger) entry(id string) *entry {
	e, ok := l.records[id]
	if !ok {
		e = &entry{}
		l.records[id] = e
	}
	return e
}
