package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// fakeOracle implements domain.UsageOracle for testing
type fakeOracle struct {
	values map[string]int64
	err    error
	calls  int
}

func (f *fakeOracle) Query(ctx context.Context, start, end time.Time) (map[string]int64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]int64, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

var (
	day1 = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
)

func TestLedger_RefreshReplaces(t *testing.T) {
	oracle := &fakeOracle{values: map[string]int64{"com.a": 5 * 60_000}}
	l := NewLedger(oracle, zap.NewNop())
	ctx := context.Background()

	_, err := l.Refresh(ctx, day1, day1.Add(time.Hour), []string{"com.a"})
	require.NoError(t, err)
	assert.Equal(t, int64(5*60_000), l.Usage("com.a"))

	oracle.values["com.a"] = 7 * 60_000
	got, err := l.Refresh(ctx, day1, day1.Add(2*time.Hour), []string{"com.a"})
	require.NoError(t, err)

	// V2, not V1+V2
	assert.Equal(t, int64(7*60_000), l.Usage("com.a"))
	assert.Equal(t, map[string]int64{"com.a": 7 * 60_000}, got)
}

func TestLedger_RefreshDiscardsSessionDeltas(t *testing.T) {
	oracle := &fakeOracle{values: map[string]int64{"com.a": 60_000}}
	l := NewLedger(oracle, nil)
	ctx := context.Background()

	_, err := l.Refresh(ctx, day1, day1.Add(time.Hour), []string{"com.a"})
	require.NoError(t, err)

	l.RecordSessionDelta("com.a", 10_000)
	l.RecordSessionDelta("com.a", 5_000)
	assert.Equal(t, int64(75_000), l.Usage("com.a"))

	oracle.values["com.a"] = 70_000
	_, err = l.Refresh(ctx, day1, day1.Add(time.Hour), []string{"com.a"})
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), l.Usage("com.a"))
}

func TestLedger_FailureKeepsSnapshot(t *testing.T) {
	oracle := &fakeOracle{values: map[string]int64{"com.a": 90_000}}
	l := NewLedger(oracle, nil)
	ctx := context.Background()

	_, err := l.Refresh(ctx, day1, day1.Add(time.Hour), []string{"com.a"})
	require.NoError(t, err)
	assert.False(t, l.Stale())

	oracle.err = domain.ErrPermissionDenied
	_, err = l.Refresh(ctx, day1, day1.Add(time.Hour), []string{"com.a"})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.True(t, l.Stale())
	assert.Equal(t, int64(90_000), l.Usage("com.a"), "stale but available, not zeroed")
	assert.True(t, l.Verified("com.a"))
}

func TestLedger_MonotonicWithinDay(t *testing.T) {
	oracle := &fakeOracle{values: map[string]int64{"com.a": 120_000}}
	l := NewLedger(oracle, nil)
	ctx := context.Background()

	_, err := l.Refresh(ctx, day1, day1.Add(time.Hour), []string{"com.a"})
	require.NoError(t, err)

	oracle.values["com.a"] = 60_000
	_, err = l.Refresh(ctx, day1, day1.Add(time.Hour), []string{"com.a"})
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), l.Usage("com.a"))

	// A new day resets.
	_, err = l.Refresh(ctx, day2, day2.Add(time.Hour), []string{"com.a"})
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), l.Usage("com.a"))
	assert.Equal(t, day2, l.Day())
}

func TestLedger_MissingPackageIsZero(t *testing.T) {
	l := NewLedger(&fakeOracle{values: map[string]int64{}}, nil)

	got, err := l.Refresh(context.Background(), day1, day1.Add(time.Hour), []string{"com.a", "com.b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"com.a": 0, "com.b": 0}, got)
	assert.Equal(t, int64(0), l.Usage("com.unknown"))
	assert.False(t, l.Verified("com.unknown"))
	assert.True(t, l.Verified("com.a"))
}

func TestLedger_NoOracle(t *testing.T) {
	l := NewLedger(nil, nil)
	_, err := l.Refresh(context.Background(), day1, day1.Add(time.Hour), []string{"com.a"})
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
}

func TestLedger_SessionDeltaIgnoresNonPositive(t *testing.T) {
	l := NewLedger(nil, nil)
	l.RecordSessionDelta("com.a", 0)
	l.RecordSessionDelta("com.a", -500)
	assert.Equal(t, int64(0), l.Usage("com.a"))
	assert.Empty(t, l.Records())
}

func TestLedger_Seed(t *testing.T) {
	l := NewLedger(nil, nil)
	records := []domain.UsageRecord{{PackageID: "com.a", UsedMillisToday: 300_000}}

	assert.False(t, l.Seed(day1, "2026-03-09", records), "snapshot from another day is ignored")
	assert.Equal(t, int64(0), l.Usage("com.a"))

	assert.True(t, l.Seed(day1, "2026-03-10", records))
	assert.Equal(t, int64(300_000), l.Usage("com.a"))
	assert.True(t, l.Verified("com.a"))
}

func TestLedger_Records(t *testing.T) {
	l := NewLedger(&fakeOracle{values: map[string]int64{"com.b": 2000, "com.a": 1000}}, nil)
	_, err := l.Refresh(context.Background(), day1, day1, []string{"com.b", "com.a"})
	require.NoError(t, err)

	assert.Equal(t, []domain.UsageRecord{
		{PackageID: "com.a", UsedMillisToday: 1000},
		{PackageID: "com.b", UsedMillisToday: 2000},
	}, l.Records())
}
