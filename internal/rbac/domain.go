package rbac

import "time"

// ID is the opaque identifier used for every entity on every backend.
// Adapters translate their native key shapes to and from this type so
// callers never branch on storage representation.
type ID string

// Standard permission names created by Bootstrap.
const (
	PermRead   = "read"
	PermCreate = "create"
	PermUpdate = "update"
	PermDelete = "delete"
	PermSudo   = "sudo"
)

// StandardPermissions lists the five permissions every deployment starts with.
func StandardPermissions() []string {
	return []string{PermRead, PermCreate, PermUpdate, PermDelete, PermSudo}
}

// Permission represents an atomic capability, e.g. "read" or "sudo".
type Permission struct {
	ID          ID        `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Feature represents a named application module that can be protected
// independently.
type Feature struct {
	ID          ID        `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role represents a named bundle of per-feature permission grants.
type Role struct {
	ID          ID        `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FeatureGrant holds the permission set a role carries for one feature.
// A role has at most one grant per feature.
type FeatureGrant struct {
	FeatureID     ID   `json:"feature_id"`
	PermissionIDs []ID `json:"permission_ids"`
}

// GrantDetail is a FeatureGrant expanded with the full feature and
// permission records, as returned by FindRoleByIDWithGrants.
type GrantDetail struct {
	Feature     Feature      `json:"feature"`
	Permissions []Permission `json:"permissions"`
}

// RoleWithGrants joins a role with its expanded grant set.
type RoleWithGrants struct {
	Role
	Grants []GrantDetail `json:"grants"`
}

// User is a lightweight reference record; the host application owns the
// real identity and profile. UserID is the host's external key and never
// changes after creation.
type User struct {
	ID        ID        `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	RoleID    ID        `json:"role_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserWithRole joins a user with its resolved role and grants. Role is nil
// when the user has no role assigned.
type UserWithRole struct {
	User
	Role *RoleWithGrants `json:"role,omitempty"`
}

// Counts aggregates entity totals for dashboards.
type Counts struct {
	Users       int64 `json:"users"`
	Roles       int64 `json:"roles"`
	Features    int64 `json:"features"`
	Permissions int64 `json:"permissions"`
}

// HasGrant reports whether the role holds the named permission on the
// named feature.
func (r *RoleWithGrants) HasGrant(featureName, permissionName string) bool {
	for _, g := range r.Grants {
		if g.Feature.Name != featureName {
			continue
		}
		for _, p := range g.Permissions {
			if p.Name == permissionName {
				return true
			}
		}
	}
	return false
}

// GrantFor returns the expanded grant for the named feature, or nil when
// the role has none.
func (r *RoleWithGrants) GrantFor(featureName string) *GrantDetail {
	for i := range r.Grants {
		if r.Grants[i].Feature.Name == featureName {
			return &r.Grants[i]
		}
	}
	return nil
}
