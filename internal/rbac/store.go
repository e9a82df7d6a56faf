package rbac

import "context"

// Page is one window of a listing plus the filtered total.
type Page[T any] struct {
	Items []T
	Total int64
}

// NewUser carries the fields required to create a user record.
type NewUser struct {
	UserID string
	Name   string
	Email  string
	RoleID ID // optional
}

// UserUpdate describes a partial update. Nil fields are left untouched;
// a non-nil RoleID pointing at the empty ID clears the role.
type UserUpdate struct {
	Name   *string
	Email  *string
	RoleID *ID
}

// NewRole carries the fields required to create a role. Grants may be
// empty for a role created without any access.
type NewRole struct {
	Name        string
	Description string
	Grants      []FeatureGrant
}

// Store is the contract every storage backend implements. Both adapters
// must expose identical observable semantics for every operation; callers
// never see backend-native row or document shapes.
//
// Lookup misses on update/delete targets return shared.ErrNotFound,
// unique-constraint violations on create return shared.ErrConflict, and
// driver failures return shared.ErrInternal. No operation retries.
type Store interface {
	CreateUser(ctx context.Context, nu NewUser) (User, error)
	FindUserByUserID(ctx context.Context, userID string) (User, error)
	FindUserByUserIDWithRole(ctx context.Context, userID string) (UserWithRole, error)
	UpdateUser(ctx context.Context, id ID, upd UserUpdate) (User, error)
	// DeleteUser removes the user record. Deleting a user never touches
	// the role graph.
	DeleteUser(ctx context.Context, id ID) error
	// ListUsers returns the page [offset, offset+limit) ordered by
	// creation time descending. A non-empty search filters by
	// case-insensitive substring match over user_id, name and email;
	// Total is the filtered count.
	ListUsers(ctx context.Context, limit, offset int, search string) (Page[User], error)

	CreateRole(ctx context.Context, nr NewRole) (Role, error)
	FindRoleByName(ctx context.Context, name string) (Role, error)
	FindRoleByID(ctx context.Context, id ID) (Role, error)
	FindRoleByIDWithGrants(ctx context.Context, id ID) (RoleWithGrants, error)
	UpdateRole(ctx context.Context, id ID, name, description string) (Role, error)
	// DeleteRole clears the role reference of every user that held the
	// role, then removes the role and its grants.
	DeleteRole(ctx context.Context, id ID) error
	ListRoles(ctx context.Context, limit, offset int) (Page[Role], error)
	// ReplaceRoleGrants atomically replaces the role's entire grant set
	// with exactly the supplied grants. Features omitted from the new set
	// lose all their permissions; nothing is merged. Grants referencing
	// unknown features or permissions fail with shared.ErrNotFound.
	ReplaceRoleGrants(ctx context.Context, roleID ID, grants []FeatureGrant) error

	CreateFeature(ctx context.Context, name, description string) (Feature, error)
	FindFeatureByName(ctx context.Context, name string) (Feature, error)
	FindFeatureByID(ctx context.Context, id ID) (Feature, error)
	UpdateFeature(ctx context.Context, id ID, name, description string) (Feature, error)
	// DeleteFeature removes the feature and cascades: afterwards no
	// role's grant set references it. Idempotent at the grant level.
	DeleteFeature(ctx context.Context, id ID) error
	ListFeatures(ctx context.Context, limit, offset int) (Page[Feature], error)

	CreatePermission(ctx context.Context, name, description string) (Permission, error)
	FindPermissionByName(ctx context.Context, name string) (Permission, error)
	FindPermissionByID(ctx context.Context, id ID) (Permission, error)
	UpdatePermission(ctx context.Context, id ID, name, description string) (Permission, error)
	// DeletePermission removes the permission and cascades it out of
	// every grant that referenced it.
	DeletePermission(ctx context.Context, id ID) error
	ListPermissions(ctx context.Context, limit, offset int) (Page[Permission], error)

	// FeaturePermissions returns the permission names the user holds on
	// the named feature, empty when the user, its role or the grant is
	// absent.
	FeaturePermissions(ctx context.Context, userID, featureName string) ([]string, error)

	Counts(ctx context.Context) (Counts, error)

	// EnsureStandardPermissions creates any of the five standard
	// permissions that are missing. Safe to call on every startup.
	EnsureStandardPermissions(ctx context.Context) error

	Close() error
}
