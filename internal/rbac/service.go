package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// Observer receives notifications after a mutation has been committed.
// Hooks are invoked synchronously, at least once, best effort: a hook
// failure is logged and never undoes the committed mutation.
type Observer interface {
	OnUserRegister(ctx context.Context, user User) error
	OnRoleUpdate(ctx context.Context, userID string, role Role) error
}

// Service performs role-graph mutations. It is built only on the Store
// contract, so behavior is identical regardless of backend.
type Service struct {
	store           Store
	logger          *slog.Logger
	observers       []Observer
	defaultRoleName string
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithObserver registers a post-commit observer.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithDefaultRole sets the role name consulted at registration time.
func WithDefaultRole(name string) ServiceOption {
	return func(s *Service) { s.defaultRoleName = strings.TrimSpace(name) }
}

// NewService constructs a Service.
func NewService(store Store, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Bootstrap idempotently ensures the five standard permissions exist.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.EnsureStandardPermissions(ctx); err != nil {
		return fmt.Errorf("rbac: bootstrap: %w", err)
	}
	return nil
}

// GrantPermissions adds permissions to the role's grant for the feature,
// creating the grant when absent. Merging happens here; the store's
// ReplaceRoleGrants always receives the full resulting grant list.
func (s *Service) GrantPermissions(ctx context.Context, roleID, featureID ID, permissionIDs []ID) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	role, err := s.store.FindRoleByIDWithGrants(ctx, roleID)
	if err != nil {
		return fmt.Errorf("rbac: grant: %w", err)
	}
	grants := flattenGrants(role.Grants)
	merged := false
	for i := range grants {
		if grants[i].FeatureID == featureID {
			grants[i].PermissionIDs = unionIDs(grants[i].PermissionIDs, permissionIDs)
			merged = true
			break
		}
	}
	if !merged {
		grants = append(grants, FeatureGrant{FeatureID: featureID, PermissionIDs: unionIDs(nil, permissionIDs)})
	}
	return s.store.ReplaceRoleGrants(ctx, roleID, grants)
}

// RevokePermissions removes permissions from the role's grant for the
// feature. A grant left empty is dropped entirely.
func (s *Service) RevokePermissions(ctx context.Context, roleID, featureID ID, permissionIDs []ID) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	role, err := s.store.FindRoleByIDWithGrants(ctx, roleID)
	if err != nil {
		return fmt.Errorf("rbac: revoke: %w", err)
	}
	remove := make(map[ID]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		remove[id] = struct{}{}
	}
	grants := make([]FeatureGrant, 0, len(role.Grants))
	for _, g := range flattenGrants(role.Grants) {
		if g.FeatureID != featureID {
			grants = append(grants, g)
			continue
		}
		kept := g.PermissionIDs[:0]
		for _, pid := range g.PermissionIDs {
			if _, drop := remove[pid]; !drop {
				kept = append(kept, pid)
			}
		}
		if len(kept) > 0 {
			grants = append(grants, FeatureGrant{FeatureID: g.FeatureID, PermissionIDs: kept})
		}
	}
	return s.store.ReplaceRoleGrants(ctx, roleID, grants)
}

// DeleteFeatureEverywhere removes a feature and its grants from every
// role that referenced it.
func (s *Service) DeleteFeatureEverywhere(ctx context.Context, featureID ID) error {
	return s.store.DeleteFeature(ctx, featureID)
}

// DeletePermissionEverywhere removes a permission from every grant that
// referenced it.
func (s *Service) DeletePermissionEverywhere(ctx context.Context, permissionID ID) error {
	return s.store.DeletePermission(ctx, permissionID)
}

// RegisterUser creates a user record, assigning the configured default
// role when one is set and exists. Fails with shared.ErrConflict when the
// external user id or email is already taken.
func (s *Service) RegisterUser(ctx context.Context, userID, name, email string) (User, error) {
	nu := NewUser{UserID: strings.TrimSpace(userID), Name: name, Email: email}
	if nu.UserID == "" {
		return User{}, fmt.Errorf("rbac: register: user id required")
	}
	if s.defaultRoleName != "" {
		role, err := s.store.FindRoleByName(ctx, s.defaultRoleName)
		switch {
		case err == nil:
			nu.RoleID = role.ID
		case errors.Is(err, shared.ErrNotFound):
			// Leave the role unset when the configured default is absent.
		default:
			return User{}, fmt.Errorf("rbac: register: default role: %w", err)
		}
	}
	user, err := s.store.CreateUser(ctx, nu)
	if err != nil {
		return User{}, fmt.Errorf("rbac: register %q: %w", nu.UserID, err)
	}
	for _, o := range s.observers {
		if err := o.OnUserRegister(ctx, user); err != nil {
			s.logger.Error("user register hook failed",
				slog.String("user_id", user.UserID), slog.Any("error", err))
		}
	}
	return user, nil
}

// AssignRole points the user at the named role and notifies observers.
func (s *Service) AssignRole(ctx context.Context, userID, roleName string) (User, error) {
	user, err := s.store.FindUserByUserID(ctx, userID)
	if err != nil {
		return User{}, fmt.Errorf("rbac: assign role: user %q: %w", userID, err)
	}
	role, err := s.store.FindRoleByName(ctx, roleName)
	if err != nil {
		return User{}, fmt.Errorf("rbac: assign role: role %q: %w", roleName, err)
	}
	updated, err := s.store.UpdateUser(ctx, user.ID, UserUpdate{RoleID: &role.ID})
	if err != nil {
		return User{}, fmt.Errorf("rbac: assign role: %w", err)
	}
	for _, o := range s.observers {
		if err := o.OnRoleUpdate(ctx, updated.UserID, role); err != nil {
			s.logger.Error("role update hook failed",
				slog.String("user_id", updated.UserID),
				slog.String("role", role.Name), slog.Any("error", err))
		}
	}
	return updated, nil
}

func flattenGrants(details []GrantDetail) []FeatureGrant {
	grants := make([]FeatureGrant, 0, len(details))
	for _, d := range details {
		ids := make([]ID, 0, len(d.Permissions))
		for _, p := range d.Permissions {
			ids = append(ids, p.ID)
		}
		grants = append(grants, FeatureGrant{FeatureID: d.Feature.ID, PermissionIDs: ids})
	}
	return grants
}

func unionIDs(existing, extra []ID) []ID {
	seen := make(map[ID]struct{}, len(existing)+len(extra))
	out := make([]ID, 0, len(existing)+len(extra))
	for _, id := range existing {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range extra {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
