package rbac_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

func TestInferTarget(t *testing.T) {
	cases := []struct {
		name       string
		method     string
		path       string
		feature    string
		permission string
	}{
		{"get reads", "GET", "/billing/invoices", "billing", "read"},
		{"post delete keyword", "POST", "/billing/delete/42", "billing", "delete"},
		{"post remove keyword", "POST", "/users/remove", "users", "delete"},
		{"post update keyword", "POST", "/users/update/7", "users", "update"},
		{"post edit keyword", "POST", "/users/edit", "users", "update"},
		{"post create keyword", "POST", "/users/create", "users", "create"},
		{"post add keyword", "POST", "/users/add", "users", "create"},
		{"post default creates", "POST", "/users", "users", "create"},
		{"put updates", "PUT", "/users/7", "users", "update"},
		{"patch updates", "PATCH", "/users/7", "users", "update"},
		{"delete deletes", "DELETE", "/users/7", "users", "delete"},
		{"unknown method reads", "OPTIONS", "/users", "users", "read"},
		{"lowercase method", "get", "/billing", "billing", "read"},
		{"root path default feature", "GET", "/", "default", "read"},
		{"empty path default feature", "GET", "", "default", "read"},
		{"sudo wins over get", "GET", "/billing/sudo", "billing", "sudo"},
		{"sudo wins over post keywords", "POST", "/billing/sudo/delete", "billing", "sudo"},
		{"sudo as first segment", "DELETE", "/sudo/anything", "sudo", "sudo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feature, permission := rbac.InferTarget(tc.method, tc.path)
			assert.Equal(t, tc.feature, feature)
			assert.Equal(t, tc.permission, permission)

			// Pure function: the same pair always infers the same target.
			f2, p2 := rbac.InferTarget(tc.method, tc.path)
			assert.Equal(t, feature, f2)
			assert.Equal(t, permission, p2)
		})
	}
}

// stubStore panics on anything the engine should never call.
type stubStore struct {
	rbac.Store
	users map[string]rbac.UserWithRole
	err   error
}

func (s *stubStore) FindUserByUserIDWithRole(ctx context.Context, userID string) (rbac.UserWithRole, error) {
	if s.err != nil {
		return rbac.UserWithRole{}, s.err
	}
	uwr, ok := s.users[userID]
	if !ok {
		return rbac.UserWithRole{}, shared.ErrNotFound
	}
	return uwr, nil
}

func grantedRole(feature string, perms ...string) *rbac.RoleWithGrants {
	detail := rbac.GrantDetail{Feature: rbac.Feature{ID: "f1", Name: feature}}
	for _, p := range perms {
		detail.Permissions = append(detail.Permissions, rbac.Permission{ID: rbac.ID("perm-" + p), Name: p})
	}
	return &rbac.RoleWithGrants{
		Role:   rbac.Role{ID: "r1", Name: "manager"},
		Grants: []rbac.GrantDetail{detail},
	}
}

func TestDecide(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown user is unauthenticated", func(t *testing.T) {
		engine := rbac.NewEngine(&stubStore{users: map[string]rbac.UserWithRole{}})
		decision, err := engine.Decide(ctx, "ghost", "billing", "read")
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, rbac.DenyUnauthenticated, decision.Reason)
	})

	t.Run("user without role is denied", func(t *testing.T) {
		engine := rbac.NewEngine(&stubStore{users: map[string]rbac.UserWithRole{
			"alice": {User: rbac.User{UserID: "alice"}},
		}})
		decision, err := engine.Decide(ctx, "alice", "billing", "read")
		require.NoError(t, err)
		assert.Equal(t, rbac.DenyNoRole, decision.Reason)
	})

	t.Run("role without grants is denied", func(t *testing.T) {
		engine := rbac.NewEngine(&stubStore{users: map[string]rbac.UserWithRole{
			"alice": {User: rbac.User{UserID: "alice", RoleID: "r1"}, Role: &rbac.RoleWithGrants{Role: rbac.Role{ID: "r1"}}},
		}})
		decision, err := engine.Decide(ctx, "alice", "billing", "read")
		require.NoError(t, err)
		assert.Equal(t, rbac.DenyNoRole, decision.Reason)
	})

	t.Run("missing feature grant is denied", func(t *testing.T) {
		engine := rbac.NewEngine(&stubStore{users: map[string]rbac.UserWithRole{
			"alice": {User: rbac.User{UserID: "alice", RoleID: "r1"}, Role: grantedRole("billing", "read")},
		}})
		decision, err := engine.Decide(ctx, "alice", "inventory", "read")
		require.NoError(t, err)
		assert.Equal(t, rbac.DenyFeature, decision.Reason)
	})

	t.Run("missing permission is denied", func(t *testing.T) {
		engine := rbac.NewEngine(&stubStore{users: map[string]rbac.UserWithRole{
			"alice": {User: rbac.User{UserID: "alice", RoleID: "r1"}, Role: grantedRole("billing", "read")},
		}})
		decision, err := engine.Decide(ctx, "alice", "billing", "delete")
		require.NoError(t, err)
		assert.Equal(t, rbac.DenyPermission, decision.Reason)
	})

	t.Run("granted pair is allowed", func(t *testing.T) {
		engine := rbac.NewEngine(&stubStore{users: map[string]rbac.UserWithRole{
			"alice": {User: rbac.User{UserID: "alice", RoleID: "r1"}, Role: grantedRole("billing", "read", "create")},
		}})
		decision, err := engine.Decide(ctx, "alice", "billing", "create")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Empty(t, decision.Reason)
	})

	t.Run("storage failure propagates", func(t *testing.T) {
		engine := rbac.NewEngine(&stubStore{err: shared.ErrInternal})
		_, err := engine.Decide(ctx, "alice", "billing", "read")
		require.Error(t, err)
		assert.True(t, errors.Is(err, shared.ErrInternal))
	})
}

func TestDecideRequest(t *testing.T) {
	engine := rbac.NewEngine(&stubStore{users: map[string]rbac.UserWithRole{
		"alice": {User: rbac.User{UserID: "alice", RoleID: "r1"}, Role: grantedRole("billing", "read")},
	}})

	decision, err := engine.DecideRequest(context.Background(), "alice", "GET", "/billing/invoices")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "billing", decision.Feature)
	assert.Equal(t, "read", decision.Permission)

	decision, err = engine.DecideRequest(context.Background(), "alice", "POST", "/billing/delete/42")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, rbac.DenyPermission, decision.Reason)
	assert.Equal(t, "delete", decision.Permission)
}
