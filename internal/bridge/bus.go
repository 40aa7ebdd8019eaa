// Package bridge adapts the engine's external interfaces to D-Bus: the host
// app exports the usage oracle, foreground signals and block surface, and the
// engine exports its own entry points and lifecycle signals.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

const (
	// Host app object, implemented by the controlling application
	DefaultHostName      = "io.github.elitegoblin.applimit.Host"
	DefaultHostPath      = "/io/github/elitegoblin/applimit/Host"
	HostInterface        = "io.github.elitegoblin.applimit.Host"
	ForegroundSignalName = "ForegroundChanged"

	// Engine object, exported by the daemon
	EngineName      = "io.github.elitegoblin.applimit"
	EnginePath      = "/io/github/elitegoblin/applimit"
	EngineInterface = "io.github.elitegoblin.applimit.Engine"
)

// Bus kinds accepted by Connect.
const (
	BusSession = "session"
	BusSystem  = "system"
)

// caller is the part of dbus.BusObject the clients use.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Connect opens a shared connection to the session or system bus.
func Connect(kind string) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch kind {
	case BusSystem:
		conn, err = dbus.ConnectSystemBus()
	case BusSession, "":
		conn, err = dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", kind, err)
	}
	return conn, nil
}

// HostObject returns the host app object on conn.
func HostObject(conn *dbus.Conn, name, path string) dbus.BusObject {
	if name == "" {
		name = DefaultHostName
	}
	if path == "" {
		path = DefaultHostPath
	}
	return conn.Object(name, dbus.ObjectPath(path))
}

// permissionErrors are the D-Bus error names that mean "not allowed", as
// opposed to "failed this time".
var permissionErrors = map[string]bool{
	"org.freedesktop.DBus.Error.AccessDenied": true,
	"org.freedesktop.DBus.Error.AuthFailed":   true,
	"org.freedesktop.DBus.Error.NotSupported": true,
}

// classify maps a D-Bus call failure onto the domain error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrTransientQuery)
	}

	name := ""
	var dErr dbus.Error
	var dErrPtr *dbus.Error
	switch {
	case errors.As(err, &dErr):
		name = dErr.Name
	case errors.As(err, &dErrPtr):
		name = dErrPtr.Name
	}
	if permissionErrors[name] {
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrPermissionDenied)
	}
	return fmt.Errorf("%s: %v: %w", op, err, domain.ErrTransientQuery)
}

// call invokes a host method and stores the reply into out.
func call(ctx context.Context, obj caller, method string, out []interface{}, args ...interface{}) error {
	return invoke(ctx, obj, HostInterface, method, out, args...)
}

func invoke(ctx context.Context, obj caller, iface, method string, out []interface{}, args ...interface{}) error {
	c := obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if c.Err != nil {
		return classify(method, c.Err)
	}
	if len(out) == 0 {
		return nil
	}
	if err := c.Store(out...); err != nil {
		return fmt.Errorf("%s: decode reply: %v: %w", method, err, domain.ErrTransientQuery)
	}
	return nil
}
