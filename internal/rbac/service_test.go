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

// serviceStore records mutations so tests can assert the exact grant
// list handed to ReplaceRoleGrants.
type serviceStore struct {
	rbac.Store

	role      rbac.RoleWithGrants
	roleErr   error
	replaced  [][]rbac.FeatureGrant
	roles     map[string]rbac.Role
	users     map[string]rbac.User
	created   []rbac.NewUser
	createErr error
	updated   map[rbac.ID]rbac.UserUpdate
}

func newServiceStore() *serviceStore {
	return &serviceStore{
		roles:   map[string]rbac.Role{},
		users:   map[string]rbac.User{},
		updated: map[rbac.ID]rbac.UserUpdate{},
	}
}

func (s *serviceStore) FindRoleByIDWithGrants(ctx context.Context, id rbac.ID) (rbac.RoleWithGrants, error) {
	if s.roleErr != nil {
		return rbac.RoleWithGrants{}, s.roleErr
	}
	return s.role, nil
}

func (s *serviceStore) ReplaceRoleGrants(ctx context.Context, roleID rbac.ID, grants []rbac.FeatureGrant) error {
	s.replaced = append(s.replaced, grants)
	return nil
}

func (s *serviceStore) FindRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	role, ok := s.roles[name]
	if !ok {
		return rbac.Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (s *serviceStore) FindUserByUserID(ctx context.Context, userID string) (rbac.User, error) {
	user, ok := s.users[userID]
	if !ok {
		return rbac.User{}, shared.ErrNotFound
	}
	return user, nil
}

func (s *serviceStore) CreateUser(ctx context.Context, nu rbac.NewUser) (rbac.User, error) {
	if s.createErr != nil {
		return rbac.User{}, s.createErr
	}
	s.created = append(s.created, nu)
	return rbac.User{ID: "u1", UserID: nu.UserID, Name: nu.Name, Email: nu.Email, RoleID: nu.RoleID}, nil
}

func (s *serviceStore) UpdateUser(ctx context.Context, id rbac.ID, upd rbac.UserUpdate) (rbac.User, error) {
	s.updated[id] = upd
	user := s.users["bob"]
	if upd.RoleID != nil {
		user.RoleID = *upd.RoleID
	}
	return user, nil
}

func (s *serviceStore) EnsureStandardPermissions(ctx context.Context) error {
	return nil
}

type recordingObserver struct {
	registered []rbac.User
	updates    []string
	fail       bool
}

func (o *recordingObserver) OnUserRegister(ctx context.Context, user rbac.User) error {
	o.registered = append(o.registered, user)
	if o.fail {
		return errors.New("hook down")
	}
	return nil
}

func (o *recordingObserver) OnRoleUpdate(ctx context.Context, userID string, role rbac.Role) error {
	o.updates = append(o.updates, userID+":"+role.Name)
	if o.fail {
		return errors.New("hook down")
	}
	return nil
}

func roleWithBilling(perms ...rbac.ID) rbac.RoleWithGrants {
	detail := rbac.GrantDetail{Feature: rbac.Feature{ID: "feat-billing", Name: "billing"}}
	for _, p := range perms {
		detail.Permissions = append(detail.Permissions, rbac.Permission{ID: p, Name: string(p)})
	}
	return rbac.RoleWithGrants{Role: rbac.Role{ID: "r1", Name: "manager"}, Grants: []rbac.GrantDetail{detail}}
}

func TestGrantPermissionsMergesAtServiceLayer(t *testing.T) {
	store := newServiceStore()
	store.role = roleWithBilling("read")
	svc := rbac.NewService(store, nil)

	err := svc.GrantPermissions(context.Background(), "r1", "feat-billing", []rbac.ID{"create", "read"})
	require.NoError(t, err)

	require.Len(t, store.replaced, 1)
	require.Len(t, store.replaced[0], 1)
	grant := store.replaced[0][0]
	assert.Equal(t, rbac.ID("feat-billing"), grant.FeatureID)
	assert.ElementsMatch(t, []rbac.ID{"read", "create"}, grant.PermissionIDs)
}

func TestGrantPermissionsCreatesMissingGrant(t *testing.T) {
	store := newServiceStore()
	store.role = roleWithBilling("read")
	svc := rbac.NewService(store, nil)

	err := svc.GrantPermissions(context.Background(), "r1", "feat-inventory", []rbac.ID{"read"})
	require.NoError(t, err)

	require.Len(t, store.replaced, 1)
	require.Len(t, store.replaced[0], 2)
	assert.Equal(t, rbac.ID("feat-billing"), store.replaced[0][0].FeatureID)
	assert.Equal(t, rbac.ID("feat-inventory"), store.replaced[0][1].FeatureID)
}

func TestRevokePermissionsDropsEmptyGrant(t *testing.T) {
	store := newServiceStore()
	store.role = roleWithBilling("read", "create")
	svc := rbac.NewService(store, nil)

	err := svc.RevokePermissions(context.Background(), "r1", "feat-billing", []rbac.ID{"read", "create"})
	require.NoError(t, err)

	require.Len(t, store.replaced, 1)
	assert.Empty(t, store.replaced[0])
}

func TestRevokePermissionsKeepsRemainder(t *testing.T) {
	store := newServiceStore()
	store.role = roleWithBilling("read", "create")
	svc := rbac.NewService(store, nil)

	err := svc.RevokePermissions(context.Background(), "r1", "feat-billing", []rbac.ID{"create"})
	require.NoError(t, err)

	require.Len(t, store.replaced, 1)
	require.Len(t, store.replaced[0], 1)
	assert.Equal(t, []rbac.ID{"read"}, store.replaced[0][0].PermissionIDs)
}

func TestRegisterUserAssignsDefaultRole(t *testing.T) {
	store := newServiceStore()
	store.roles["member"] = rbac.Role{ID: "r-member", Name: "member"}
	observer := &recordingObserver{}
	svc := rbac.NewService(store, nil, rbac.WithDefaultRole("member"), rbac.WithObserver(observer))

	user, err := svc.RegisterUser(context.Background(), "bob", "Bob", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, rbac.ID("r-member"), user.RoleID)
	require.Len(t, observer.registered, 1)
	assert.Equal(t, "bob", observer.registered[0].UserID)
}

func TestRegisterUserWithoutDefaultRoleLeavesRoleUnset(t *testing.T) {
	store := newServiceStore()
	svc := rbac.NewService(store, nil, rbac.WithDefaultRole("missing"))

	user, err := svc.RegisterUser(context.Background(), "bob", "Bob", "")
	require.NoError(t, err)
	assert.Empty(t, user.RoleID)
}

func TestRegisterUserConflictPropagates(t *testing.T) {
	store := newServiceStore()
	store.createErr = shared.ErrConflict
	svc := rbac.NewService(store, nil)

	_, err := svc.RegisterUser(context.Background(), "bob", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConflict))
}

func TestRegisterUserHookFailureDoesNotFail(t *testing.T) {
	store := newServiceStore()
	observer := &recordingObserver{fail: true}
	svc := rbac.NewService(store, nil, rbac.WithObserver(observer))

	_, err := svc.RegisterUser(context.Background(), "bob", "", "")
	require.NoError(t, err)
	assert.Len(t, observer.registered, 1)
}

func TestAssignRole(t *testing.T) {
	store := newServiceStore()
	store.users["bob"] = rbac.User{ID: "u-bob", UserID: "bob"}
	store.roles["manager"] = rbac.Role{ID: "r1", Name: "manager"}
	observer := &recordingObserver{}
	svc := rbac.NewService(store, nil, rbac.WithObserver(observer))

	user, err := svc.AssignRole(context.Background(), "bob", "manager")
	require.NoError(t, err)
	assert.Equal(t, rbac.ID("r1"), user.RoleID)
	assert.Equal(t, []string{"bob:manager"}, observer.updates)

	upd, ok := store.updated["u-bob"]
	require.True(t, ok)
	require.NotNil(t, upd.RoleID)
	assert.Equal(t, rbac.ID("r1"), *upd.RoleID)
}

func TestAssignRoleMissingUserOrRole(t *testing.T) {
	store := newServiceStore()
	store.roles["manager"] = rbac.Role{ID: "r1", Name: "manager"}
	svc := rbac.NewService(store, nil)

	_, err := svc.AssignRole(context.Background(), "ghost", "manager")
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	store.users["bob"] = rbac.User{ID: "u-bob", UserID: "bob"}
	_, err = svc.AssignRole(context.Background(), "bob", "ghost-role")
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}
