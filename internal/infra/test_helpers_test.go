package infra

import (
	"context"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// fakeProbe is a test double for domain.ForegroundProbe
type fakeProbe struct {
	name  string
	pkg   string
	err   error
	calls int
}

func (f *fakeProbe) Name() string { return f.name }

func (f *fakeProbe) Current(context.Context) (string, error) {
	f.calls++
	return f.pkg, f.err
}

// fakeQuery is a test double for domain.ProcessQuery
type fakeQuery struct {
	name    string
	running bool
	err     error
	calls   int
}

func (f *fakeQuery) Name() string { return f.name }

func (f *fakeQuery) IsRunning(context.Context, string) (bool, error) {
	f.calls++
	return f.running, f.err
}

// recordingSink is a test double for domain.LifecycleSink
type recordingSink struct {
	events []domain.LifecycleEvent
	err    error
}

func (r *recordingSink) Publish(ev domain.LifecycleEvent) error {
	r.events = append(r.events, ev)
	return r.err
}
