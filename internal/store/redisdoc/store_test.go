package redisdoc_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/store/redisdoc"
	"github.com/gatekeep-io/gatekeep/internal/store/storetest"
)

func newTestStore(t *testing.T) rbac.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisdoc.New(client)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newTestStore)
}

// The document layout has no cross-document transaction, so a feature
// delete walks role documents one at a time. Roles that vanish mid-walk
// must not fail the whole cascade.
func TestDeleteFeatureSkipsVanishedRole(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	read, err := st.CreatePermission(ctx, "read", "")
	require.NoError(t, err)
	billing, err := st.CreateFeature(ctx, "billing", "")
	require.NoError(t, err)

	keep, err := st.CreateRole(ctx, rbac.NewRole{Name: "keep", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}},
	}})
	require.NoError(t, err)
	gone, err := st.CreateRole(ctx, rbac.NewRole{Name: "gone", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}},
	}})
	require.NoError(t, err)
	require.NoError(t, st.DeleteRole(ctx, gone.ID))

	require.NoError(t, st.DeleteFeature(ctx, billing.ID))

	withGrants, err := st.FindRoleByIDWithGrants(ctx, keep.ID)
	require.NoError(t, err)
	assert.Empty(t, withGrants.Grants)
}

// Roles may hold references to catalog entries deleted out from under
// them; reads must drop those references instead of erroring.
func TestGrantExpansionSkipsDanglingReferences(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := redisdoc.New(client)

	read, err := st.CreatePermission(ctx, "read", "")
	require.NoError(t, err)
	billing, err := st.CreateFeature(ctx, "billing", "")
	require.NoError(t, err)
	role, err := st.CreateRole(ctx, rbac.NewRole{Name: "manager", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}},
	}})
	require.NoError(t, err)

	// Rip the feature document out from under the role, bypassing the
	// cascade.
	mr.HDel("rbac:features", string(billing.ID))

	withGrants, err := st.FindRoleByIDWithGrants(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, withGrants.Grants)
}

func TestCreateUserReleasesUserIDOnEmailConflict(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.CreateUser(ctx, rbac.NewUser{UserID: "alice", Email: "shared@example.com"})
	require.NoError(t, err)

	// The email index is claimed second; on conflict the user_id claim
	// must be rolled back so the id stays usable.
	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "bob", Email: "shared@example.com"})
	require.Error(t, err)

	_, err = st.CreateUser(ctx, rbac.NewUser{UserID: "bob", Email: "bob@example.com"})
	require.NoError(t, err)
}
