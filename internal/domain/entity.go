// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// AppPolicy is a daily limit configured for one application.
type AppPolicy struct {
	PackageID         string
	DailyLimitMinutes int
	Blocked           bool // Only blocked policies are enforced
}

// DailyLimit returns the limit as milliseconds.
func (p AppPolicy) DailyLimit() int64 {
	return int64(p.DailyLimitMinutes) * time.Minute.Milliseconds()
}

// Tracked reports whether the policy takes part in enforcement.
func (p AppPolicy) Tracked() bool {
	return p.Blocked
}

// UsageRecord is the foreground time accumulated today for one package.
type UsageRecord struct {
	PackageID       string
	UsedMillisToday int64
}

// BlockState is the per-package enforcement state.
type BlockState int

const (
	Unblocked BlockState = iota
	Blocked
)

func (s BlockState) String() string {
	if s == Blocked {
		return "blocked"
	}
	return "unblocked"
}

// BlockSession identifies the app currently suppressed by the block surface.
type BlockSession struct {
	ID                 uint64    `json:"id"`
	PackageID          string    `json:"packageId"`
	AppDisplayName     string    `json:"appDisplayName"`
	StartedAt          time.Time `json:"startedAt"`
	LimitMinutes       int       `json:"limitMinutes"`
	UsedMinutesAtBlock int       `json:"usedMinutesAtBlock"`
}

// ForegroundEvent is a window-focus change reported by the host.
type ForegroundEvent struct {
	PackageID     string
	ActivityClass string
	At            time.Time
}

// DismissReason names the exit path that ended a block session.
type DismissReason string

const (
	ReasonAppLeft      DismissReason = "app_left"
	ReasonAcknowledged DismissReason = "acknowledged"
	ReasonOpenHost     DismissReason = "open_host"
	ReasonSuperseded   DismissReason = "superseded"
	ReasonOverride     DismissReason = "override"
	ReasonStopped      DismissReason = "stopped"
)

// Dismissal is sent to the monitor once a block session is torn down.
type Dismissal struct {
	PackageID string
	SessionID uint64
	Reason    DismissReason
}

// LifecycleKind distinguishes block and unblock broadcasts.
type LifecycleKind string

const (
	LifecycleBlocked   LifecycleKind = "blocked"
	LifecycleUnblocked LifecycleKind = "unblocked"
)

// LifecycleEvent is broadcast to the host whenever a block starts or ends.
type LifecycleEvent struct {
	Kind            LifecycleKind `json:"-"`
	PackageID       string        `json:"packageId"`
	TimestampMillis int64         `json:"timestampMillis"`
}

// DaemonStatus is the heartbeat record written by the running daemon.
// Persisted to the preference store so the CLI can report on it.
type DaemonStatus struct {
	PID           int           `json:"pid"`
	Version       string        `json:"version,omitempty"`
	StartedAt     int64         `json:"started_at"`
	LastHeartbeat int64         `json:"last_heartbeat"`
	Enabled       bool          `json:"enabled"`
	Tracked       int           `json:"tracked"`
	ActiveBlock   *BlockSession `json:"active_block,omitempty"`
}
