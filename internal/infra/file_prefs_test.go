package infra

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

func TestFilePrefs_GetSet(t *testing.T) {
	prefs := NewFilePrefs(t.TempDir(), zap.NewNop())

	_, ok, err := prefs.Get("flutter.blocked_apps")
	require.NoError(t, err)
	assert.False(t, ok, "missing file is an empty store")

	require.NoError(t, prefs.Set("flutter.blocked_apps", `["{\"packageName\":\"com.a\",\"timeLimit\":5}"]`))
	v, ok, err := prefs.Get("flutter.blocked_apps")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `["{\"packageName\":\"com.a\",\"timeLimit\":5}"]`, v)

	info, err := os.Stat(prefs.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFilePrefs_PreservesForeignValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, prefsFileName)
	host := `{"flutter.blocked_apps":[{"packageName":"com.a","timeLimit":5}],"flutter.theme":"dark","flutter.count":3}`
	require.NoError(t, os.WriteFile(path, []byte(host), 0600))

	prefs := NewFilePrefsWithPath(path, nil)
	v, ok, err := prefs.Get("flutter.blocked_apps")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"packageName":"com.a","timeLimit":5}]`, v, "non-string values come back as raw JSON")

	require.NoError(t, prefs.Set("applimit.usage_day", "2026-03-10"))
	all, err := prefs.All()
	require.NoError(t, err)
	assert.Equal(t, "dark", all["flutter.theme"])
	assert.Equal(t, "3", all["flutter.count"])
	assert.Equal(t, "2026-03-10", all["applimit.usage_day"])
}

func TestFilePrefs_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, prefsFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	prefs := NewFilePrefsWithPath(path, nil)
	_, _, err := prefs.Get("k")
	assert.ErrorIs(t, err, domain.ErrConfigParse)
}

func TestFilePrefs_Subscribe(t *testing.T) {
	prefs := NewFilePrefs(t.TempDir(), zap.NewNop())
	require.NoError(t, prefs.Set("a", "1"))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := prefs.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, prefs.Set("b", "2"))

	select {
	case key := <-ch:
		assert.Equal(t, "b", key)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
}

func TestChangedKeys(t *testing.T) {
	before := map[string]json.RawMessage{"a": json.RawMessage(`"1"`), "b": json.RawMessage(`[1, 2]`), "c": json.RawMessage(`"x"`)}
	after := map[string]json.RawMessage{"a": json.RawMessage(`"1"`), "b": json.RawMessage(`[1,2]`), "d": json.RawMessage(`"y"`)}

	assert.Equal(t, []string{"c", "d"}, changedKeys(before, after), "whitespace-only differences are not changes")
}
