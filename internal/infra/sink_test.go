package infra

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

func TestFanoutSink_PublishesToAll(t *testing.T) {
	failing := &recordingSink{err: errors.New("bus gone")}
	ok := &recordingSink{}
	ev := domain.LifecycleEvent{Kind: domain.LifecycleBlocked, PackageID: "com.a", TimestampMillis: 42}

	err := NewFanoutSink(failing, nil, ok).Publish(ev)
	assert.ErrorContains(t, err, "bus gone")
	assert.Equal(t, []domain.LifecycleEvent{ev}, failing.events)
	assert.Equal(t, []domain.LifecycleEvent{ev}, ok.events, "a failing sink does not stop the rest")
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	assert.NoError(t, sink.Publish(domain.LifecycleEvent{Kind: domain.LifecycleUnblocked, PackageID: "com.a", TimestampMillis: 7}))

	entries := logs.FilterMessage("lifecycle event").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "unblocked", fields["kind"])
		assert.Equal(t, "com.a", fields["package"])
		assert.Equal(t, int64(7), fields["timestamp_ms"])
	}
}
