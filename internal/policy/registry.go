package policy

import (
	"sort"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// Registry is the set of known policies keyed by package id.
// It is not safe for concurrent use; the monitor loop owns its instance.
type Registry struct {
	guard    *Guard
	policies map[string]domain.AppPolicy
}

// NewRegistry creates an empty registry that refuses protected ids.
func NewRegistry(guard *Guard) *Registry {
	return &Registry{
		guard:    guard,
		policies: make(map[string]domain.AppPolicy),
	}
}

// NewRegistryWithPolicies creates a registry pre-filled with policies (for testing).
func NewRegistryWithPolicies(guard *Guard, policies ...domain.AppPolicy) *Registry {
	r := NewRegistry(guard)
	r.Replace(policies)
	return r
}

// Register adds or overwrites a policy. Protected ids are dropped.
// Returns false if the policy was refused.
func (r *Registry) Register(p domain.AppPolicy) bool {
	if r.guard != nil && r.guard.IsProtected(p.PackageID) {
		return false
	}
	r.policies[p.PackageID] = p
	return true
}

// Replace swaps the whole set. Later entries win on duplicate ids.
func (r *Registry) Replace(policies []domain.AppPolicy) {
	r.policies = make(map[string]domain.AppPolicy, len(policies))
	for _, p := range policies {
		r.Register(p)
	}
}

// Get returns a policy by package id.
func (r *Registry) Get(id string) (domain.AppPolicy, bool) {
	p, ok := r.policies[id]
	return p, ok
}

// Tracked returns the policy for id only if it is enforced.
func (r *Registry) Tracked(id string) (domain.AppPolicy, bool) {
	p, ok := r.policies[id]
	if !ok || !p.Tracked() {
		return domain.AppPolicy{}, false
	}
	return p, true
}

// TrackedIDs returns the enforced package ids, sorted.
func (r *Registry) TrackedIDs() []string {
	ids := make([]string, 0, len(r.policies))
	for id, p := range r.policies {
		if p.Tracked() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetAll returns a copy of all policies.
func (r *Registry) GetAll() map[string]domain.AppPolicy {
	out := make(map[string]domain.AppPolicy, len(r.policies))
	for id, p := range r.policies {
		out[id] = p
	}
	return out
}

// Len returns the number of known policies.
func (r *Registry) Len() int {
	return len(r.policies)
}
