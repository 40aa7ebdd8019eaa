package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// signalConn is the part of *dbus.Conn used for signal subscription.
type signalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// emitter is the part of *dbus.Conn used to broadcast signals.
type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// ForegroundSignals turns the host's ForegroundChanged signal into
// foreground events.
//
//	ForegroundChanged(s pkg, s activityClass, x timestampMs)
type ForegroundSignals struct {
	conn   signalConn
	path   dbus.ObjectPath
	logger *zap.Logger
}

// NewForegroundSignals subscribes on conn to signals emitted at path.
func NewForegroundSignals(conn signalConn, path string, logger *zap.Logger) *ForegroundSignals {
	if path == "" {
		path = DefaultHostPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForegroundSignals{
		conn:   conn,
		path:   dbus.ObjectPath(path),
		logger: logger.With(zap.String("component", "foreground_signals")),
	}
}

func (s *ForegroundSignals) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(s.path),
		dbus.WithMatchInterface(HostInterface),
		dbus.WithMatchMember(ForegroundSignalName),
	}
}

// Subscribe streams foreground events until ctx is done.
func (s *ForegroundSignals) Subscribe(ctx context.Context) (<-chan domain.ForegroundEvent, error) {
	if err := s.conn.AddMatchSignal(s.matchOptions()...); err != nil {
		return nil, classify("AddMatchSignal", err)
	}

	sigs := make(chan *dbus.Signal, 16)
	s.conn.Signal(sigs)

	out := make(chan domain.ForegroundEvent, 16)
	go func() {
		defer close(out)
		defer func() {
			s.conn.RemoveSignal(sigs)
			if err := s.conn.RemoveMatchSignal(s.matchOptions()...); err != nil {
				s.logger.Debug("failed to remove signal match", zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				ev, err := parseForeground(sig)
				if err != nil {
					s.logger.Debug("ignoring signal", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// parseForeground decodes a ForegroundChanged signal. A zero timestamp
// leaves At unset so the receiver stamps it.
func parseForeground(sig *dbus.Signal) (domain.ForegroundEvent, error) {
	if sig == nil || sig.Name != HostInterface+"."+ForegroundSignalName {
		return domain.ForegroundEvent{}, fmt.Errorf("unexpected signal")
	}
	var (
		pkg, class string
		at         int64
	)
	if err := dbus.Store(sig.Body, &pkg, &class, &at); err != nil {
		return domain.ForegroundEvent{}, fmt.Errorf("decode %s: %v: %w", sig.Name, err, domain.ErrConfigParse)
	}
	if pkg == "" {
		return domain.ForegroundEvent{}, fmt.Errorf("empty package in %s: %w", sig.Name, domain.ErrConfigParse)
	}
	ev := domain.ForegroundEvent{PackageID: pkg, ActivityClass: class}
	if at > 0 {
		ev.At = time.UnixMilli(at)
	}
	return ev, nil
}

// LifecycleSignals broadcasts block lifecycle events from the engine object.
//
//	Blocked(s pkg, x timestampMs)
//	Unblocked(s pkg, x timestampMs)
type LifecycleSignals struct {
	conn emitter
}

// NewLifecycleSignals emits on conn.
func NewLifecycleSignals(conn emitter) *LifecycleSignals {
	return &LifecycleSignals{conn: conn}
}

// Publish emits the signal that matches ev.Kind.
func (s *LifecycleSignals) Publish(ev domain.LifecycleEvent) error {
	var member string
	switch ev.Kind {
	case domain.LifecycleBlocked:
		member = "Blocked"
	case domain.LifecycleUnblocked:
		member = "Unblocked"
	default:
		return fmt.Errorf("unknown lifecycle kind %q", ev.Kind)
	}
	if err := s.conn.Emit(EnginePath, EngineInterface+"."+member, ev.PackageID, ev.TimestampMillis); err != nil {
		return classify("Emit", err)
	}
	return nil
}

var (
	_ domain.ForegroundEventSource = (*ForegroundSignals)(nil)
	_ domain.LifecycleSink         = (*LifecycleSignals)(nil)
)
