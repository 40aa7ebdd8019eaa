package domain

import (
	"context"
	"time"
)

// PrefStore is the key/value preference store shared with the host app.
// Implementations: JSON file watched with fsnotify, SQLCipher database.
type PrefStore interface {
	// Get returns the raw value for key and whether it exists.
	Get(key string) (string, bool, error)

	// Set stores value under key.
	Set(key, value string) error

	// Subscribe returns a channel of changed keys. The channel is closed
	// after ctx is canceled.
	Subscribe(ctx context.Context) (<-chan string, error)
}

// PolicyStore supplies the blocked-app set and per-app daily limits.
type PolicyStore interface {
	// Load returns policies in stored order.
	// Malformed entries are skipped, never failing the whole load.
	Load() ([]AppPolicy, error)

	// OnChange calls fn whenever a policy-relevant key changes.
	// Blocks until ctx is canceled.
	OnChange(ctx context.Context, fn func(key string)) error
}

// UsageOracle is the authoritative (but coarse) system usage aggregate.
type UsageOracle interface {
	// Query returns foreground milliseconds per package for [start, end).
	Query(ctx context.Context, start, end time.Time) (map[string]int64, error)
}

// ForegroundEventSource streams window-focus changes.
type ForegroundEventSource interface {
	// Subscribe returns a stream that is closed once ctx is canceled.
	Subscribe(ctx context.Context) (<-chan ForegroundEvent, error)
}

// ForegroundProbe answers "which package is in the foreground right now".
type ForegroundProbe interface {
	// Name identifies the strategy in logs.
	Name() string

	// Current returns the foreground package id, or "" if none is known.
	Current(ctx context.Context) (string, error)
}

// ProcessQuery answers "is this package still running in the foreground".
type ProcessQuery interface {
	// Name identifies the strategy in logs.
	Name() string

	// IsRunning reports whether packageID is still running.
	IsRunning(ctx context.Context, packageID string) (bool, error)
}

// BlockSurface is the full-screen block UI owned by the host.
type BlockSurface interface {
	// Show takes over the foreground for session.
	Show(ctx context.Context, session BlockSession) error

	// Update refreshes the displayed values of an already shown session.
	Update(ctx context.Context, session BlockSession) error

	// Hide removes the block UI for packageID.
	Hide(ctx context.Context, packageID string) error

	// NavigateHome brings the user to a neutral home state.
	NavigateHome(ctx context.Context) error

	// OpenHost brings the controlling app forward.
	OpenHost(ctx context.Context) error
}

// LifecycleSink receives block/unblock broadcasts.
type LifecycleSink interface {
	Publish(event LifecycleEvent) error
}

// AppNamer resolves a human readable application name.
type AppNamer interface {
	DisplayName(packageID string) string
}

// KeyProvider abstracts encryption key retrieval.
// Implementation: FileKeyProvider reads a key file next to the database.
type KeyProvider interface {
	// GetKey returns the 32-byte encryption key.
	GetKey() ([]byte, error)

	// StoreKey persists the encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}
