package modload

import (
	"context"
	"slices"
	"time"
)

// ArtifactLoader is the capability that produces artifacts. The orchestrator
// does not know how the artifact is made, only that the call may be slow and
// may fail with classified or unclassified errors. Implementations must
// honor context cancellation where they can; loads that cannot be aborted
// are raced against the descriptor timeout and their late results discarded.
type ArtifactLoader interface {
	Load(ctx context.Context, desc *ModuleDescriptor) (Artifact, error)
}

// ArtifactLoaderFunc adapts a function to the ArtifactLoader interface.
type ArtifactLoaderFunc func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error)

// Load implements ArtifactLoader.
func (f ArtifactLoaderFunc) Load(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
	return f(ctx, desc)
}

// User identifies the requesting principal for permission checks and event
// attribution.
type User struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// PermissionGate authorizes module access. It is consulted synchronously
// before any cache or loader activity.
type PermissionGate interface {
	CanAccess(requiredPermissions []string, requiredRole string, user User) bool
}

// AllowAllGate authorizes everything. The default when no gate is injected.
type AllowAllGate struct{}

// CanAccess implements PermissionGate.
func (AllowAllGate) CanAccess([]string, string, User) bool { return true }

// StandardPermissionGate authorizes a user who holds every required
// permission and, when a role is required, that exact role.
type StandardPermissionGate struct{}

// CanAccess implements PermissionGate.
func (StandardPermissionGate) CanAccess(requiredPermissions []string, requiredRole string, user User) bool {
	if requiredRole != "" && user.Role != requiredRole {
		return false
	}
	for _, perm := range requiredPermissions {
		if !slices.Contains(user.Permissions, perm) {
			return false
		}
	}
	return true
}

// LoadOptions tunes one LoadModule call.
type LoadOptions struct {
	// User is the requesting principal, checked against the descriptor's
	// permission requirements.
	User User

	// Actor and Session attribute emitted events.
	Actor   string
	Session string

	// BypassCache forces a fresh load even when a cached artifact exists.
	BypassCache bool

	// Timeout overrides the descriptor timeout when positive.
	Timeout time.Duration
}
