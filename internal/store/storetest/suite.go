// Package storetest runs one conformance suite against every storage
// backend. The two adapters persist very differently, so each behavior
// asserted here is asserted on both to keep their observable semantics
// identical.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) rbac.Store

// Run executes the whole conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("PermissionCRUD", func(t *testing.T) { testPermissionCRUD(t, newStore(t)) })
	t.Run("FeatureCRUD", func(t *testing.T) { testFeatureCRUD(t, newStore(t)) })
	t.Run("RoleLifecycle", func(t *testing.T) { testRoleLifecycle(t, newStore(t)) })
	t.Run("UserLifecycle", func(t *testing.T) { testUserLifecycle(t, newStore(t)) })
	t.Run("ListUsersSearch", func(t *testing.T) { testListUsersSearch(t, newStore(t)) })
	t.Run("ReplaceGrantsFullReplace", func(t *testing.T) { testReplaceGrants(t, newStore(t)) })
	t.Run("ReplaceGrantsValidatesReferences", func(t *testing.T) { testReplaceGrantsValidates(t, newStore(t)) })
	t.Run("FeatureDeleteCascades", func(t *testing.T) { testFeatureDeleteCascades(t, newStore(t)) })
	t.Run("PermissionDeleteCascades", func(t *testing.T) { testPermissionDeleteCascades(t, newStore(t)) })
	t.Run("RoleDeleteClearsUsers", func(t *testing.T) { testRoleDeleteClearsUsers(t, newStore(t)) })
	t.Run("BootstrapIdempotence", func(t *testing.T) { testBootstrapIdempotence(t, newStore(t)) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore(t)) })
	t.Run("EndToEnd", func(t *testing.T) { testEndToEnd(t, newStore(t)) })
}

func testPermissionCRUD(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	created, err := st.CreatePermission(ctx, "approve", "approve documents")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "approve", created.Name)

	_, err = st.CreatePermission(ctx, "approve", "duplicate")
	assert.True(t, errors.Is(err, shared.ErrConflict), "duplicate name must conflict, got %v", err)

	byName, err := st.FindPermissionByName(ctx, "approve")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byID, err := st.FindPermissionByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "approve", byID.Name)

	updated, err := st.UpdatePermission(ctx, created.ID, "approve2", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "approve2", updated.Name)

	_, err = st.FindPermissionByName(ctx, "approve")
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	_, err = st.UpdatePermission(ctx, "nope", "x", "")
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	require.NoError(t, st.DeletePermission(ctx, created.ID))
	_, err = st.FindPermissionByID(ctx, created.ID)
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func testFeatureCRUD(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	created, err := st.CreateFeature(ctx, "billing", "invoices and payments")
	require.NoError(t, err)

	_, err = st.CreateFeature(ctx, "billing", "")
	assert.True(t, errors.Is(err, shared.ErrConflict))

	byName, err := st.FindFeatureByName(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	updated, err := st.UpdateFeature(ctx, created.ID, "billing", "new description")
	require.NoError(t, err)
	assert.Equal(t, "new description", updated.Description)

	page, err := st.ListFeatures(ctx, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Items, 1)
}

func testRoleLifecycle(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	read, err := st.CreatePermission(ctx, "read", "")
	require.NoError(t, err)
	create, err := st.CreatePermission(ctx, "create", "")
	require.NoError(t, err)
	billing, err := st.CreateFeature(ctx, "billing", "")
	require.NoError(t, err)
	inventory, err := st.CreateFeature(ctx, "inventory", "")
	require.NoError(t, err)

	role, err := st.CreateRole(ctx, rbac.NewRole{
		Name:        "manager",
		Description: "billing manager",
		Grants: []rbac.FeatureGrant{
			{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID, create.ID}},
			{FeatureID: inventory.ID, PermissionIDs: []rbac.ID{read.ID}},
		},
	})
	require.NoError(t, err)

	_, err = st.CreateRole(ctx, rbac.NewRole{Name: "manager"})
	assert.True(t, errors.Is(err, shared.ErrConflict))

	withGrants, err := st.FindRoleByIDWithGrants(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, withGrants.Grants, 2)
	// Grants come back ordered by feature name, permissions by name.
	assert.Equal(t, "billing", withGrants.Grants[0].Feature.Name)
	assert.Equal(t, "inventory", withGrants.Grants[1].Feature.Name)
	require.Len(t, withGrants.Grants[0].Permissions, 2)
	assert.Equal(t, "create", withGrants.Grants[0].Permissions[0].Name)
	assert.Equal(t, "read", withGrants.Grants[0].Permissions[1].Name)

	assert.True(t, withGrants.HasGrant("billing", "create"))
	assert.False(t, withGrants.HasGrant("billing", "delete"))

	byName, err := st.FindRoleByName(ctx, "manager")
	require.NoError(t, err)
	assert.Equal(t, role.ID, byName.ID)

	renamed, err := st.UpdateRole(ctx, role.ID, "ops-manager", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "ops-manager", renamed.Name)
	_, err = st.FindRoleByName(ctx, "manager")
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	page, err := st.ListRoles(ctx, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
}

func testUserLifecycle(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	user, err := st.CreateUser(ctx, rbac.NewUser{UserID: "alice", Name: "Alice", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Empty(t, user.RoleID)

	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "alice", Email: "other@example.com"})
	assert.True(t, errors.Is(err, shared.ErrConflict), "duplicate user_id must conflict")

	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "alice2", Email: "alice@example.com"})
	assert.True(t, errors.Is(err, shared.ErrConflict), "duplicate email must conflict")

	// A failed create must not leave half-claimed uniqueness behind.
	second, err := st.CreateUser(ctx, rbac.NewUser{UserID: "alice2", Email: "alice2@example.com"})
	require.NoError(t, err)

	found, err := st.FindUserByUserID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	withRole, err := st.FindUserByUserIDWithRole(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, withRole.Role)

	newName := "Alice Cooper"
	updated, err := st.UpdateUser(ctx, user.ID, rbac.UserUpdate{Name: &newName})
	require.NoError(t, err)
	assert.Equal(t, "Alice Cooper", updated.Name)
	assert.Equal(t, "alice@example.com", updated.Email, "untouched fields must survive partial update")

	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "ghost-role", RoleID: "no-such-role"})
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	require.NoError(t, st.DeleteUser(ctx, second.ID))
	assert.True(t, errors.Is(st.DeleteUser(ctx, second.ID), shared.ErrNotFound))

	// Deleting released the email for reuse.
	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "alice3", Email: "alice2@example.com"})
	require.NoError(t, err)
}

func testListUsersSearch(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	for _, u := range []rbac.NewUser{
		{UserID: "alice", Name: "Alice Smith", Email: "alice@example.com"},
		{UserID: "bob", Name: "Bob Jones", Email: "bob@corp.example"},
		{UserID: "carol", Name: "Carol ALICEA", Email: "carol@example.com"},
	} {
		_, err := st.CreateUser(ctx, u)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond) // distinct creation times for ordering
	}

	page, err := st.ListUsers(ctx, 10, 0, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "carol", page.Items[0].UserID, "newest first")
	assert.Equal(t, "alice", page.Items[2].UserID)

	// Case-insensitive substring across user_id, name and email.
	page, err = st.ListUsers(ctx, 10, 0, "ALICE")
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	page, err = st.ListUsers(ctx, 10, 0, "corp.example")
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, "bob", page.Items[0].UserID)

	// Total reflects the filter, items the window.
	page, err = st.ListUsers(ctx, 1, 1, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "alice", page.Items[0].UserID)

	page, err = st.ListUsers(ctx, 10, 0, "nobody")
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Total)
	assert.Empty(t, page.Items)

	// Pattern metacharacters in the term match literally, they are not
	// wildcards.
	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "dave", Name: "100% Dave", Email: "dave@example.com"})
	require.NoError(t, err)

	page, err = st.ListUsers(ctx, 10, 0, "100%")
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, "dave", page.Items[0].UserID)

	page, err = st.ListUsers(ctx, 10, 0, "a_i")
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Total, "underscore must not match arbitrary characters")
}

func testReplaceGrants(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	read, _ := st.CreatePermission(ctx, "read", "")
	create, _ := st.CreatePermission(ctx, "create", "")
	billing, _ := st.CreateFeature(ctx, "billing", "")
	role, err := st.CreateRole(ctx, rbac.NewRole{
		Name:   "manager",
		Grants: []rbac.FeatureGrant{{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID, create.ID}}},
	})
	require.NoError(t, err)

	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "alice", RoleID: role.ID})
	require.NoError(t, err)

	perms, err := st.FeaturePermissions(ctx, "alice", "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"create", "read"}, perms)

	// Full replace: "create" is dropped, not merged.
	err = st.ReplaceRoleGrants(ctx, role.ID, []rbac.FeatureGrant{{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}}})
	require.NoError(t, err)

	perms, err = st.FeaturePermissions(ctx, "alice", "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms)

	// Replacing with an empty set strips every grant.
	require.NoError(t, st.ReplaceRoleGrants(ctx, role.ID, nil))
	withGrants, err := st.FindRoleByIDWithGrants(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, withGrants.Grants)

	err = st.ReplaceRoleGrants(ctx, "no-such-role", nil)
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func testReplaceGrantsValidates(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	read, _ := st.CreatePermission(ctx, "read", "")
	billing, _ := st.CreateFeature(ctx, "billing", "")
	role, err := st.CreateRole(ctx, rbac.NewRole{Name: "manager"})
	require.NoError(t, err)

	err = st.ReplaceRoleGrants(ctx, role.ID, []rbac.FeatureGrant{{FeatureID: "ghost", PermissionIDs: []rbac.ID{read.ID}}})
	assert.True(t, errors.Is(err, shared.ErrNotFound), "unknown feature must be rejected, got %v", err)

	err = st.ReplaceRoleGrants(ctx, role.ID, []rbac.FeatureGrant{{FeatureID: billing.ID, PermissionIDs: []rbac.ID{"ghost"}}})
	assert.True(t, errors.Is(err, shared.ErrNotFound), "unknown permission must be rejected, got %v", err)

	// A grant with no permission ids still names a feature; an unknown
	// one is rejected, not skipped.
	err = st.ReplaceRoleGrants(ctx, role.ID, []rbac.FeatureGrant{{FeatureID: "ghost"}})
	assert.True(t, errors.Is(err, shared.ErrNotFound), "unknown feature with empty permission set must be rejected, got %v", err)

	// The failed replace rolled back whole, leaving the previous (empty)
	// grant set intact.
	withGrants, err := st.FindRoleByIDWithGrants(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, withGrants.Grants)
}

func testFeatureDeleteCascades(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	read, _ := st.CreatePermission(ctx, "read", "")
	billing, _ := st.CreateFeature(ctx, "billing", "")
	inventory, _ := st.CreateFeature(ctx, "inventory", "")

	manager, err := st.CreateRole(ctx, rbac.NewRole{Name: "manager", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}},
		{FeatureID: inventory.ID, PermissionIDs: []rbac.ID{read.ID}},
	}})
	require.NoError(t, err)
	viewer, err := st.CreateRole(ctx, rbac.NewRole{Name: "viewer", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}},
	}})
	require.NoError(t, err)

	require.NoError(t, st.DeleteFeature(ctx, billing.ID))

	// Every role that referenced the feature lost the grant.
	for _, id := range []rbac.ID{manager.ID, viewer.ID} {
		withGrants, err := st.FindRoleByIDWithGrants(ctx, id)
		require.NoError(t, err)
		for _, g := range withGrants.Grants {
			assert.NotEqual(t, "billing", g.Feature.Name)
		}
	}
	withGrants, err := st.FindRoleByIDWithGrants(ctx, manager.ID)
	require.NoError(t, err)
	require.Len(t, withGrants.Grants, 1)
	assert.Equal(t, "inventory", withGrants.Grants[0].Feature.Name)

	// Second delete is a no-op, not an error.
	require.NoError(t, st.DeleteFeature(ctx, billing.ID))
}

func testPermissionDeleteCascades(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	read, _ := st.CreatePermission(ctx, "read", "")
	create, _ := st.CreatePermission(ctx, "create", "")
	billing, _ := st.CreateFeature(ctx, "billing", "")

	role, err := st.CreateRole(ctx, rbac.NewRole{Name: "manager", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID, create.ID}},
	}})
	require.NoError(t, err)

	require.NoError(t, st.DeletePermission(ctx, create.ID))

	withGrants, err := st.FindRoleByIDWithGrants(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, withGrants.Grants, 1)
	require.Len(t, withGrants.Grants[0].Permissions, 1)
	assert.Equal(t, "read", withGrants.Grants[0].Permissions[0].Name)

	// Removing the last permission drops the grant entirely.
	require.NoError(t, st.DeletePermission(ctx, read.ID))
	withGrants, err = st.FindRoleByIDWithGrants(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, withGrants.Grants)

	require.NoError(t, st.DeletePermission(ctx, create.ID))
}

func testRoleDeleteClearsUsers(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	role, err := st.CreateRole(ctx, rbac.NewRole{Name: "manager"})
	require.NoError(t, err)
	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "alice", RoleID: role.ID})
	require.NoError(t, err)
	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "bob", RoleID: role.ID})
	require.NoError(t, err)

	require.NoError(t, st.DeleteRole(ctx, role.ID))

	// Users survive with the role reference cleared, on every backend.
	for _, userID := range []string{"alice", "bob"} {
		user, err := st.FindUserByUserID(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, user.RoleID)
	}

	assert.True(t, errors.Is(st.DeleteRole(ctx, role.ID), shared.ErrNotFound))
}

func testBootstrapIdempotence(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.EnsureStandardPermissions(ctx))
	}

	page, err := st.ListPermissions(ctx, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)

	names := make([]string, 0, len(page.Items))
	for _, p := range page.Items {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, rbac.StandardPermissions(), names)
}

func testCounts(t *testing.T, st rbac.Store) {
	ctx := context.Background()

	require.NoError(t, st.EnsureStandardPermissions(ctx))
	_, err := st.CreateFeature(ctx, "billing", "")
	require.NoError(t, err)
	_, err = st.CreateRole(ctx, rbac.NewRole{Name: "manager"})
	require.NoError(t, err)
	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "alice"})
	require.NoError(t, err)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Users)
	assert.EqualValues(t, 1, counts.Roles)
	assert.EqualValues(t, 1, counts.Features)
	assert.EqualValues(t, 5, counts.Permissions)
}

// testEndToEnd walks the scenario chain from registration to cascading
// deletes, checking decisions after every mutation.
func testEndToEnd(t *testing.T, st rbac.Store) {
	ctx := context.Background()
	engine := rbac.NewEngine(st)
	svc := rbac.NewService(st, nil)

	require.NoError(t, svc.Bootstrap(ctx))

	read, err := st.FindPermissionByName(ctx, "read")
	require.NoError(t, err)
	create, err := st.FindPermissionByName(ctx, "create")
	require.NoError(t, err)

	billing, err := st.CreateFeature(ctx, "billing", "")
	require.NoError(t, err)
	reports, err := st.CreateFeature(ctx, "reports", "")
	require.NoError(t, err)

	role, err := st.CreateRole(ctx, rbac.NewRole{Name: "manager", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID, create.ID}},
		{FeatureID: reports.ID, PermissionIDs: []rbac.ID{read.ID}},
	}})
	require.NoError(t, err)

	_, err = svc.RegisterUser(ctx, "alice", "Alice", "alice@example.com")
	require.NoError(t, err)
	_, err = svc.AssignRole(ctx, "alice", "manager")
	require.NoError(t, err)

	decision, err := engine.Decide(ctx, "alice", "billing", "read")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = engine.Decide(ctx, "alice", "billing", "delete")
	require.NoError(t, err)
	assert.Equal(t, rbac.DenyPermission, decision.Reason)

	// Narrow the billing grant to read only; create must now be denied.
	require.NoError(t, st.ReplaceRoleGrants(ctx, role.ID, []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}},
		{FeatureID: reports.ID, PermissionIDs: []rbac.ID{read.ID}},
	}))
	decision, err = engine.Decide(ctx, "alice", "billing", "create")
	require.NoError(t, err)
	assert.Equal(t, rbac.DenyPermission, decision.Reason)

	// Inferred checks.
	decision, err = engine.DecideRequest(ctx, "alice", "GET", "/billing/invoices")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "billing", decision.Feature)
	assert.Equal(t, "read", decision.Permission)

	decision, err = engine.DecideRequest(ctx, "alice", "POST", "/billing/delete/42")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "delete", decision.Permission)

	// Removing the feature everywhere turns the denial into FeatureDenied;
	// the reports grant keeps the role non-empty.
	require.NoError(t, svc.DeleteFeatureEverywhere(ctx, billing.ID))
	decision, err = engine.Decide(ctx, "alice", "billing", "read")
	require.NoError(t, err)
	assert.Equal(t, rbac.DenyFeature, decision.Reason)

	// Duplicate registration conflicts.
	_, err = svc.RegisterUser(ctx, "bob", "", "")
	require.NoError(t, err)
	_, err = svc.RegisterUser(ctx, "bob", "", "")
	assert.True(t, errors.Is(err, shared.ErrConflict))
}
