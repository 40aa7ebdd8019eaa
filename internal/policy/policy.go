// Package policy loads per-app daily limits from the host's preference store
// and guards the host application against ever being blocked.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// DefaultPolicyKey is the preference key the host writes the blocked-app list to.
const DefaultPolicyKey = "flutter.blocked_apps"

// wirePolicy is one element of the host's blocked-app list.
// Pointers distinguish a missing field from its zero value.
type wirePolicy struct {
	PackageName *string `json:"packageName"`
	TimeLimit   *int    `json:"timeLimit"`
	IsBlocked   *bool   `json:"isBlocked"`
}

// Decode parses the preference value into policies, in stored order.
// The value is a JSON array whose elements are either objects or strings
// holding an encoded object. Malformed elements are skipped and logged;
// only an unreadable top-level value returns an error.
func Decode(raw string, logger *zap.Logger) ([]domain.AppPolicy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, fmt.Errorf("%w: policy list: %v", domain.ErrConfigParse, err)
	}

	policies := make([]domain.AppPolicy, 0, len(elems))
	for i, elem := range elems {
		p, err := decodeOne(elem)
		if err != nil {
			logger.Warn("skipping malformed policy entry",
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func decodeOne(elem json.RawMessage) (domain.AppPolicy, error) {
	// Host versions that store a list of strings double-encode each entry.
	var inner string
	if err := json.Unmarshal(elem, &inner); err == nil {
		elem = json.RawMessage(inner)
	}

	var w wirePolicy
	if err := json.Unmarshal(elem, &w); err != nil {
		return domain.AppPolicy{}, fmt.Errorf("%w: %v", domain.ErrConfigParse, err)
	}
	if w.PackageName == nil || strings.TrimSpace(*w.PackageName) == "" {
		return domain.AppPolicy{}, fmt.Errorf("%w: missing packageName", domain.ErrConfigParse)
	}
	if w.TimeLimit == nil {
		return domain.AppPolicy{}, fmt.Errorf("%w: %s: missing timeLimit", domain.ErrConfigParse, *w.PackageName)
	}
	if *w.TimeLimit < 0 {
		return domain.AppPolicy{}, fmt.Errorf("%w: %s: negative timeLimit %d", domain.ErrConfigParse, *w.PackageName, *w.TimeLimit)
	}

	p := domain.AppPolicy{
		PackageID:         strings.TrimSpace(*w.PackageName),
		DailyLimitMinutes: *w.TimeLimit,
		Blocked:           true,
	}
	if w.IsBlocked != nil {
		p.Blocked = *w.IsBlocked
	}
	return p, nil
}

// Encode renders policies in the host's wire format. Used by tests and the CLI.
func Encode(policies []domain.AppPolicy) (string, error) {
	out := make([]wirePolicy, len(policies))
	for i := range policies {
		p := policies[i]
		out[i] = wirePolicy{
			PackageName: &p.PackageID,
			TimeLimit:   &p.DailyLimitMinutes,
			IsBlocked:   &p.Blocked,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
