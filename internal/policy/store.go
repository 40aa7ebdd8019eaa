package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// PrefsPolicyStore adapts a preference store to domain.PolicyStore.
type PrefsPolicyStore struct {
	prefs  domain.PrefStore
	key    string
	logger *zap.Logger
}

// NewPrefsPolicyStore reads policies from key in prefs.
func NewPrefsPolicyStore(prefs domain.PrefStore, key string, logger *zap.Logger) *PrefsPolicyStore {
	if key == "" {
		key = DefaultPolicyKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrefsPolicyStore{
		prefs:  prefs,
		key:    key,
		logger: logger.With(zap.String("component", "policy_store")),
	}
}

// Load returns the stored policies. A missing key is an empty set.
func (s *PrefsPolicyStore) Load() ([]domain.AppPolicy, error) {
	raw, ok, err := s.prefs.Get(s.key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.key, err)
	}
	if !ok {
		return nil, nil
	}
	return Decode(raw, s.logger)
}

// OnChange calls fn for every change of the policy key until ctx is done.
func (s *PrefsPolicyStore) OnChange(ctx context.Context, fn func(key string)) error {
	changes, err := s.prefs.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to preferences: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			if key != s.key {
				continue
			}
			s.logger.Debug("policy key changed", zap.String("key", key))
			fn(key)
		}
	}
}

// Ensure PrefsPolicyStore implements domain.PolicyStore.
var _ domain.PolicyStore = (*PrefsPolicyStore)(nil)
