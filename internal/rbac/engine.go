package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// DenyReason explains why a decision came back negative.
type DenyReason string

const (
	// DenyUnauthenticated means the user record could not be found.
	DenyUnauthenticated DenyReason = "unauthenticated"
	// DenyNoRole means the user exists but carries no role, or the role
	// has no grants at all.
	DenyNoRole DenyReason = "no_role"
	// DenyFeature means the role has no grant for the requested feature.
	DenyFeature DenyReason = "feature_denied"
	// DenyPermission means the feature grant exists but lacks the
	// requested permission.
	DenyPermission DenyReason = "permission_denied"
)

// Decision is the tagged outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenyReason // empty when Allowed

	Feature    string
	Permission string
}

// Allow constructs a positive decision for the checked pair.
func Allow(feature, permission string) Decision {
	return Decision{Allowed: true, Feature: feature, Permission: permission}
}

// Deny constructs a negative decision carrying the reason.
func Deny(reason DenyReason, feature, permission string) Decision {
	return Decision{Reason: reason, Feature: feature, Permission: permission}
}

// Engine evaluates authorization decisions against the active store. It is
// stateless: every call re-reads the user's role and grants, so a decision
// always reflects committed storage state.
type Engine struct {
	store Store
}

// NewEngine constructs an Engine on the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Decide checks whether the user holds the named permission on the named
// feature. The error return is reserved for storage failures; a missing
// user or grant is a Deny, not an error.
func (e *Engine) Decide(ctx context.Context, userID, featureName, permissionName string) (Decision, error) {
	uwr, err := e.store.FindUserByUserIDWithRole(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Deny(DenyUnauthenticated, featureName, permissionName), nil
		}
		return Decision{}, fmt.Errorf("rbac: load user %q: %w", userID, err)
	}
	if uwr.Role == nil || len(uwr.Role.Grants) == 0 {
		return Deny(DenyNoRole, featureName, permissionName), nil
	}
	grant := uwr.Role.GrantFor(featureName)
	if grant == nil {
		return Deny(DenyFeature, featureName, permissionName), nil
	}
	for _, p := range grant.Permissions {
		if p.Name == permissionName {
			return Allow(featureName, permissionName), nil
		}
	}
	return Deny(DenyPermission, featureName, permissionName), nil
}

// DecideRequest infers the (feature, permission) pair from an HTTP method
// and path, then runs the explicit check.
func (e *Engine) DecideRequest(ctx context.Context, userID, method, path string) (Decision, error) {
	feature, permission := InferTarget(method, path)
	return e.Decide(ctx, userID, feature, permission)
}

// DefaultFeature names the feature inferred for a path with no segments.
const DefaultFeature = "default"

// InferTarget derives the protected (feature, permission) pair from an
// HTTP method and path. It is a pure function; given the same pair the
// result is always identical.
//
// The feature is the first non-empty path segment. The substring "/sudo"
// anywhere in the path forces the sudo permission regardless of method;
// otherwise the method decides, with POST paths inspected for
// delete/remove, update/edit and create/add keywords, in that order.
func InferTarget(method, path string) (feature, permission string) {
	feature = DefaultFeature
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			feature = seg
			break
		}
	}

	if strings.Contains(path, "/sudo") {
		return feature, PermSudo
	}

	switch strings.ToUpper(method) {
	case "GET":
		permission = PermRead
	case "POST":
		switch {
		case strings.Contains(path, "/delete") || strings.Contains(path, "/remove"):
			permission = PermDelete
		case strings.Contains(path, "/update") || strings.Contains(path, "/edit"):
			permission = PermUpdate
		case strings.Contains(path, "/create") || strings.Contains(path, "/add"):
			permission = PermCreate
		default:
			permission = PermCreate
		}
	case "PUT", "PATCH":
		permission = PermUpdate
	case "DELETE":
		permission = PermDelete
	default:
		permission = PermRead
	}
	return feature, permission
}
