package daemon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/infra"
)

// ReadStatus loads the heartbeat record the daemon last wrote.
func ReadStatus(prefs domain.PrefStore, key string) (domain.DaemonStatus, bool, error) {
	if key == "" {
		key = DefaultStatusKey
	}
	raw, ok, err := prefs.Get(key)
	if err != nil || !ok {
		return domain.DaemonStatus{}, false, err
	}
	var status domain.DaemonStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return domain.DaemonStatus{}, false, fmt.Errorf("decode %s: %v: %w", key, err, domain.ErrConfigParse)
	}
	return status, true, nil
}

// Liveness summarizes a heartbeat record for display.
type Liveness struct {
	Running bool          // PID exists
	Stale   bool          // Heartbeat older than three intervals
	Age     time.Duration // Since the last heartbeat
}

// CheckLiveness reports whether the daemon behind status is alive.
func CheckLiveness(status domain.DaemonStatus, interval time.Duration, now time.Time) Liveness {
	if interval <= 0 {
		interval = DefaultWatcherConfig().HeartbeatInterval
	}
	age := now.Sub(time.Unix(status.LastHeartbeat, 0))
	return Liveness{
		Running: status.PID > 0 && infra.PIDAlive(status.PID),
		Stale:   age > 3*interval,
		Age:     age,
	}
}
