package usage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// Preference keys the snapshot is persisted under by default.
const (
	DefaultUsageKey    = "flutter.app_usage_time"
	DefaultUsageDayKey = "applimit.usage_day"
)

type snapshotEntry struct {
	PackageID        string `json:"packageId"`
	SecondsUsedToday int64  `json:"secondsUsedToday"`
}

// EncodeSnapshot renders records as a JSON array of
// {packageId, secondsUsedToday}, sorted by package id. Seconds are truncated.
func EncodeSnapshot(records []domain.UsageRecord) (string, error) {
	entries := make([]snapshotEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, snapshotEntry{
			PackageID:        r.PackageID,
			SecondsUsedToday: r.UsedMillisToday / 1000,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PackageID < entries[j].PackageID })

	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeSnapshot parses a persisted snapshot. Malformed entries are skipped.
func DecodeSnapshot(raw string, logger *zap.Logger) ([]domain.UsageRecord, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, fmt.Errorf("%w: usage snapshot: %v", domain.ErrConfigParse, err)
	}

	records := make([]domain.UsageRecord, 0, len(elems))
	for i, elem := range elems {
		var e snapshotEntry
		if err := json.Unmarshal(elem, &e); err != nil || e.PackageID == "" || e.SecondsUsedToday < 0 {
			logger.Warn("skipping malformed usage entry", zap.Int("index", i), zap.ByteString("entry", elem))
			continue
		}
		records = append(records, domain.UsageRecord{
			PackageID:       e.PackageID,
			UsedMillisToday: e.SecondsUsedToday * 1000,
		})
	}
	return records, nil
}
