package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

const callTimeout = 5 * time.Second

// Controller is what the engine object forwards to.
type Controller interface {
	Refresh()
	Acknowledge(ctx context.Context) error
	OpenHost(ctx context.Context) error
	Status(ctx context.Context) (domain.DaemonStatus, error)
	SetPreference(key, value string) error
}

// EngineService is the object the daemon exports at EnginePath. Every
// exported method returning *dbus.Error is callable over the bus.
type EngineService struct {
	ctrl   Controller
	logger *zap.Logger
}

// NewEngineService forwards bus calls to ctrl.
func NewEngineService(ctrl Controller, logger *zap.Logger) *EngineService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineService{ctrl: ctrl, logger: logger.With(zap.String("component", "engine_service"))}
}

// Refresh schedules an immediate usage refresh.
func (s *EngineService) Refresh() *dbus.Error {
	s.ctrl.Refresh()
	return nil
}

// Acknowledge dismisses the block screen and sends the user home.
func (s *EngineService) Acknowledge() *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return s.fail("Acknowledge", s.ctrl.Acknowledge(ctx))
}

// OpenHost dismisses the block screen and opens the host app.
func (s *EngineService) OpenHost() *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return s.fail("OpenHost", s.ctrl.OpenHost(ctx))
}

// Status returns the daemon status as JSON.
func (s *EngineService) Status() (string, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	status, err := s.ctrl.Status(ctx)
	if err != nil {
		return "", s.fail("Status", err)
	}
	data, err := json.Marshal(status)
	if err != nil {
		return "", s.fail("Status", err)
	}
	return string(data), nil
}

// SetPreference writes one preference key.
func (s *EngineService) SetPreference(key, value string) *dbus.Error {
	if key == "" {
		return dbus.MakeFailedError(errors.New("empty key"))
	}
	return s.fail("SetPreference", s.ctrl.SetPreference(key, value))
}

func (s *EngineService) fail(method string, err error) *dbus.Error {
	if err == nil {
		return nil
	}
	s.logger.Warn("bus call failed", zap.String("method", method), zap.Error(err))
	if errors.Is(err, domain.ErrPermissionDenied) {
		return dbus.NewError("org.freedesktop.DBus.Error.AccessDenied", []interface{}{err.Error()})
	}
	return dbus.MakeFailedError(err)
}

// exporter is the part of *dbus.Conn used to publish the engine object.
type exporter interface {
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Export(v interface{}, path dbus.ObjectPath, iface string) error
}

// ErrNameTaken means another engine already owns the bus name.
var ErrNameTaken = errors.New("engine bus name already taken")

// ExportEngine claims EngineName and publishes svc with introspection data.
func ExportEngine(conn exporter, svc *EngineService) error {
	reply, err := conn.RequestName(EngineName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%s: %w", EngineName, ErrNameTaken)
	}

	if err := conn.Export(svc, EnginePath, EngineInterface); err != nil {
		return fmt.Errorf("failed to export engine: %w", err)
	}

	node := &introspect.Node{
		Name: EnginePath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    EngineInterface,
				Methods: introspect.Methods(svc),
				Signals: []introspect.Signal{
					{Name: "Blocked", Args: lifecycleArgs},
					{Name: "Unblocked", Args: lifecycleArgs},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), EnginePath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}
	return nil
}

var lifecycleArgs = []introspect.Arg{
	{Name: "package", Type: "s"},
	{Name: "timestamp_ms", Type: "x"},
}

// EngineClient calls a running engine, used by the CLI.
type EngineClient struct {
	obj caller
}

// NewEngineClient returns a client for the engine object on conn.
func NewEngineClient(conn *dbus.Conn) *EngineClient {
	return &EngineClient{obj: conn.Object(EngineName, EnginePath)}
}

func (c *EngineClient) Refresh(ctx context.Context) error {
	return invoke(ctx, c.obj, EngineInterface, "Refresh", nil)
}

func (c *EngineClient) Acknowledge(ctx context.Context) error {
	return invoke(ctx, c.obj, EngineInterface, "Acknowledge", nil)
}

func (c *EngineClient) SetPreference(ctx context.Context, key, value string) error {
	return invoke(ctx, c.obj, EngineInterface, "SetPreference", nil, key, value)
}

func (c *EngineClient) Status(ctx context.Context) (domain.DaemonStatus, error) {
	var raw string
	if err := invoke(ctx, c.obj, EngineInterface, "Status", []interface{}{&raw}); err != nil {
		return domain.DaemonStatus{}, err
	}
	var status domain.DaemonStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return domain.DaemonStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}
