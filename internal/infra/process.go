package infra

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// commLen is the kernel limit on a process name, excluding the NUL.
const commLen = 15

// ProcessTable answers liveness from the OS process list via gopsutil.
type ProcessTable struct {
	names func(ctx context.Context) ([]string, error)
}

// NewProcessTable creates a process table query.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{names: processNames}
}

// Name identifies the strategy in logs.
func (t *ProcessTable) Name() string {
	return "process_table"
}

// IsRunning reports whether a process for packageID is in the process list.
func (t *ProcessTable) IsRunning(ctx context.Context, packageID string) (bool, error) {
	names, err := t.names(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %v: %w", err, domain.ErrTransientQuery)
	}
	for _, name := range names {
		if MatchesPackage(name, packageID) {
			return true, nil
		}
	}
	return false, nil
}

// MatchesPackage reports whether processName plausibly runs packageID: the
// full id or its last dotted segment, case-insensitive, allowing for the
// kernel's truncated process names.
func MatchesPackage(processName, packageID string) bool {
	name := strings.ToLower(strings.TrimSpace(processName))
	if name == "" || packageID == "" {
		return false
	}
	id := strings.ToLower(packageID)
	candidates := []string{id}
	if i := strings.LastIndex(id, "."); i >= 0 && i < len(id)-1 {
		candidates = append(candidates, id[i+1:])
	}
	for _, c := range candidates {
		if name == c {
			return true
		}
		if len(name) == commLen && strings.HasPrefix(c, name) {
			return true
		}
	}
	return false
}

// PIDAlive reports whether pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func processNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // Process may have exited
		}
		names = append(names, name)
	}
	return names, nil
}

// Ensure ProcessTable implements domain.ProcessQuery.
var _ domain.ProcessQuery = (*ProcessTable)(nil)
