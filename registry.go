package modload

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Priority is the loading priority tier of a module. Higher tiers are warmed
// up first and sort first in warmup plans.
type Priority string

const (
	// PriorityCritical modules are required for the application shell.
	PriorityCritical Priority = "critical"
	// PriorityHigh modules are loaded eagerly for most roles.
	PriorityHigh Priority = "high"
	// PriorityMedium is the default tier.
	PriorityMedium Priority = "medium"
	// PriorityLow modules load purely on demand.
	PriorityLow Priority = "low"
)

// priorityScores maps tiers to warmup scores.
var priorityScores = map[Priority]int{
	PriorityCritical: 100,
	PriorityHigh:     75,
	PriorityMedium:   50,
	PriorityLow:      25,
}

// Score returns the numeric warmup score for the tier. Unknown tiers score
// as medium.
func (p Priority) Score() int {
	if s, ok := priorityScores[p]; ok {
		return s
	}
	return priorityScores[PriorityMedium]
}

// valid reports whether the tier is a known value.
func (p Priority) valid() bool {
	_, ok := priorityScores[p]
	return ok
}

// ModuleDescriptor is the static description of a loadable feature module.
// Descriptors are registered at startup and never mutated afterwards; every
// other component reads them through the Registry.
type ModuleDescriptor struct {
	// ID is the unique module identifier callers pass to LoadModule.
	ID string `json:"id" yaml:"id" toml:"id"`

	// Name is the human-readable display name.
	Name string `json:"name" yaml:"name" toml:"name"`

	// RequiredPermissions must all be held by the requesting user.
	RequiredPermissions []string `json:"requiredPermissions" yaml:"requiredPermissions" toml:"requiredPermissions"`

	// RequiredRole, when set, must match the requesting user's role.
	RequiredRole string `json:"requiredRole" yaml:"requiredRole" toml:"requiredRole"`

	// Timeout bounds a single artifact-loader invocation.
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`

	// MaxRetries overrides the coordinator default when positive.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries" toml:"maxRetries"`

	// CacheEnabled controls whether successful artifacts are cached.
	CacheEnabled bool `json:"cacheEnabled" yaml:"cacheEnabled" toml:"cacheEnabled"`

	// FallbackModules are alternative module ids, in preference order,
	// suggested when this module repeatedly fails.
	FallbackModules []string `json:"fallbackModules" yaml:"fallbackModules" toml:"fallbackModules"`

	// Priority is the loading priority tier.
	Priority Priority `json:"priority" yaml:"priority" toml:"priority"`

	// MobileSupport marks the module as usable on mobile clients.
	MobileSupport bool `json:"mobileSupport" yaml:"mobileSupport" toml:"mobileSupport"`
}

// Validate checks the descriptor for configuration errors.
func (d *ModuleDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrDescriptorInvalid)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("%w: module %q: timeout must be positive", ErrDescriptorInvalid, d.ID)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("%w: module %q: maxRetries must not be negative", ErrDescriptorInvalid, d.ID)
	}
	if d.Priority != "" && !d.Priority.valid() {
		return fmt.Errorf("%w: module %q: unknown priority %q", ErrDescriptorInvalid, d.ID, d.Priority)
	}
	return nil
}

// Registry holds the static module descriptors. It is populated during
// startup and read-only afterwards; Register rejects duplicates so a
// descriptor can never be silently replaced.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*ModuleDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*ModuleDescriptor)}
}

// Register validates and adds a descriptor. Defaults are applied here:
// missing priority becomes medium, missing name falls back to the id.
func (r *Registry) Register(desc ModuleDescriptor) error {
	if desc.Priority == "" {
		desc.Priority = PriorityMedium
	}
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDescriptor, desc.ID)
	}
	r.descriptors[desc.ID] = &desc
	return nil
}

// Get returns the descriptor for the given id, or ErrModuleNotFound.
func (r *Registry) Get(id string) (*ModuleDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	return desc, nil
}

// Has reports whether a descriptor is registered for the id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descriptors[id]
	return ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []*ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ModuleDescriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all registered module ids sorted alphabetically.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultsForRole returns the ids of modules a user with the given role
// should have warmed up: every critical or high priority module whose role
// requirement is empty or matches the role.
func (r *Registry) DefaultsForRole(role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, desc := range r.descriptors {
		if desc.Priority != PriorityCritical && desc.Priority != PriorityHigh {
			continue
		}
		if desc.RequiredRole != "" && desc.RequiredRole != role {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
