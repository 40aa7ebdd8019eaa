package usage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// SnapshotStore persists the ledger for host-app display.
type SnapshotStore struct {
	prefs       domain.PrefStore
	usageKey    string
	dayKey      string
	logger      *zap.Logger
	lastWritten string
}

// NewSnapshotStore writes snapshots under usageKey and their day under dayKey.
func NewSnapshotStore(prefs domain.PrefStore, usageKey, dayKey string, logger *zap.Logger) *SnapshotStore {
	if usageKey == "" {
		usageKey = DefaultUsageKey
	}
	if dayKey == "" {
		dayKey = DefaultUsageDayKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{
		prefs:    prefs,
		usageKey: usageKey,
		dayKey:   dayKey,
		logger:   logger.With(zap.String("component", "snapshot_store")),
	}
}

// Save writes records for day. Unchanged snapshots are not rewritten.
func (s *SnapshotStore) Save(day string, records []domain.UsageRecord) error {
	raw, err := EncodeSnapshot(records)
	if err != nil {
		return err
	}
	if day+"\n"+raw == s.lastWritten {
		return nil
	}
	if err := s.prefs.Set(s.dayKey, day); err != nil {
		return fmt.Errorf("write %s: %w", s.dayKey, err)
	}
	if err := s.prefs.Set(s.usageKey, raw); err != nil {
		return fmt.Errorf("write %s: %w", s.usageKey, err)
	}
	s.lastWritten = day + "\n" + raw
	return nil
}

// Load returns the persisted snapshot and the day it belongs to.
func (s *SnapshotStore) Load() (string, []domain.UsageRecord, error) {
	day, _, err := s.prefs.Get(s.dayKey)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", s.dayKey, err)
	}
	raw, ok, err := s.prefs.Get(s.usageKey)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", s.usageKey, err)
	}
	if !ok {
		return day, nil, nil
	}
	records, err := DecodeSnapshot(raw, s.logger)
	if err != nil {
		return day, nil, err
	}
	return day, records, nil
}
