package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

func TestProbeChain_Current(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		probes  []*fakeProbe
		want    string
		wantErr bool
		calls   []int
	}{
		{
			name:   "first answer wins",
			probes: []*fakeProbe{{name: "tasks", pkg: "com.a"}, {name: "usage", pkg: "com.b"}},
			want:   "com.a",
			calls:  []int{1, 0},
		},
		{
			name:   "falls back on error",
			probes: []*fakeProbe{{name: "tasks", err: boom}, {name: "usage", pkg: "com.b"}},
			want:   "com.b",
			calls:  []int{1, 1},
		},
		{
			name:   "falls back on unknown",
			probes: []*fakeProbe{{name: "tasks"}, {name: "usage", pkg: "com.b"}},
			want:   "com.b",
			calls:  []int{1, 1},
		},
		{
			name:   "unknown and failed is unknown",
			probes: []*fakeProbe{{name: "tasks"}, {name: "usage", err: boom}},
			want:   "",
			calls:  []int{1, 1},
		},
		{
			name:    "all failed is an error",
			probes:  []*fakeProbe{{name: "tasks", err: boom}, {name: "usage", err: boom}},
			wantErr: true,
			calls:   []int{1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probes := make([]domain.ForegroundProbe, len(tt.probes))
			for i, p := range tt.probes {
				probes[i] = p
			}

			got, err := NewProbeChain(nil, probes...).Current(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, boom)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			for i, p := range tt.probes {
				assert.Equal(t, tt.calls[i], p.calls, p.name)
			}
		})
	}
}

func TestProbeChain_Empty(t *testing.T) {
	_, err := NewProbeChain(nil).Current(context.Background())
	assert.Error(t, err)
}

func TestLivenessChain_IsRunning(t *testing.T) {
	transient := domain.ErrTransientQuery

	t.Run("first successful answer wins even if negative", func(t *testing.T) {
		first := &fakeQuery{name: "foreground", running: false}
		second := &fakeQuery{name: "process_table", running: true}

		running, err := NewLivenessChain(nil, first, second).IsRunning(context.Background(), "com.a")
		require.NoError(t, err)
		assert.False(t, running)
		assert.Zero(t, second.calls)
	})

	t.Run("falls back on error", func(t *testing.T) {
		first := &fakeQuery{name: "foreground", err: transient}
		second := &fakeQuery{name: "process_table", running: true}

		running, err := NewLivenessChain(nil, first, second).IsRunning(context.Background(), "com.a")
		require.NoError(t, err)
		assert.True(t, running)
	})

	t.Run("all failed", func(t *testing.T) {
		q := &fakeQuery{name: "process_table", err: transient}
		_, err := NewLivenessChain(nil, q).IsRunning(context.Background(), "com.a")
		assert.ErrorIs(t, err, transient)
	})
}

func TestForegroundMatch(t *testing.T) {
	probe := &fakeProbe{name: "tasks", pkg: "com.a"}
	m := NewForegroundMatch(probe)

	running, err := m.IsRunning(context.Background(), "com.a")
	require.NoError(t, err)
	assert.True(t, running)

	running, err = m.IsRunning(context.Background(), "com.b")
	require.NoError(t, err)
	assert.False(t, running)

	probe.pkg = ""
	_, err = m.IsRunning(context.Background(), "com.a")
	assert.ErrorIs(t, err, domain.ErrTransientQuery, "unknown foreground defers to the next strategy")
}
