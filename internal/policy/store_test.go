package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// memPrefs implements domain.PrefStore in memory for testing
type memPrefs struct {
	mu      sync.Mutex
	values  map[string]string
	getErr  error
	changes chan string
}

func newMemPrefs() *memPrefs {
	return &memPrefs{values: map[string]string{}, changes: make(chan string, 8)}
}

func (m *memPrefs) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memPrefs) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	m.changes <- key
	return nil
}

func (m *memPrefs) Subscribe(ctx context.Context) (<-chan string, error) {
	return m.changes, nil
}

func TestPrefsPolicyStore_Load(t *testing.T) {
	prefs := newMemPrefs()
	store := NewPrefsPolicyStore(prefs, "", zap.NewNop())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, got, "missing key is an empty policy set")

	prefs.values[DefaultPolicyKey] = `[{"packageName":"com.a","timeLimit":10,"isBlocked":true},{"bad":true}]`
	got, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, []domain.AppPolicy{{PackageID: "com.a", DailyLimitMinutes: 10, Blocked: true}}, got)
}

func TestPrefsPolicyStore_LoadError(t *testing.T) {
	prefs := newMemPrefs()
	prefs.getErr = errors.New("disk gone")
	store := NewPrefsPolicyStore(prefs, "policies", nil)

	_, err := store.Load()
	assert.Error(t, err)
}

func TestPrefsPolicyStore_OnChangeFiltersKeys(t *testing.T) {
	prefs := newMemPrefs()
	store := NewPrefsPolicyStore(prefs, "policies", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.OnChange(ctx, func(key string) { notified <- key })
	}()

	require.NoError(t, prefs.Set("unrelated", "x"))
	require.NoError(t, prefs.Set("policies", "[]"))

	select {
	case key := <-notified:
		assert.Equal(t, "policies", key)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
	assert.Len(t, notified, 0)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
