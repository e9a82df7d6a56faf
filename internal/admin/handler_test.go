package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep-io/gatekeep/internal/admin"
	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/store/redisdoc"
)

type testServer struct {
	*httptest.Server
	store rbac.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := redisdoc.New(client)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := rbac.NewService(st, logger)
	require.NoError(t, svc.Bootstrap(context.Background()))

	r := chi.NewRouter()
	admin.NewHandler(logger, st, svc, rbac.NewEngine(st)).MountRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 5, body["permissions"])
	assert.EqualValues(t, 0, body["users"])
}

func TestFeatureEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/features", map[string]string{"name": "billing", "description": "invoices"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	assert.NotEmpty(t, created["id"])

	resp = ts.do(t, http.MethodPost, "/features", map[string]string{"name": "billing"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/features", map[string]string{"description": "missing name"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/features", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody(t, resp)
	assert.EqualValues(t, 1, listed["total"])
}

func TestRoleGrantFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	billing, err := ts.store.CreateFeature(ctx, "billing", "")
	require.NoError(t, err)
	read, err := ts.store.FindPermissionByName(ctx, "read")
	require.NoError(t, err)
	create, err := ts.store.FindPermissionByName(ctx, "create")
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/roles", map[string]any{
		"name": "manager",
		"grants": []map[string]any{
			{"feature_id": string(billing.ID), "permission_ids": []string{string(read.ID), string(create.ID)}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	roleID := decodeBody(t, resp)["id"].(string)

	resp = ts.do(t, http.MethodGet, "/roles/"+roleID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Full replace through the API drops the create permission.
	resp = ts.do(t, http.MethodPut, "/roles/"+roleID+"/grants", map[string]any{
		"grants": []map[string]any{
			{"feature_id": string(billing.ID), "permission_ids": []string{string(read.ID)}},
		},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	withGrants, err := ts.store.FindRoleByIDWithGrants(ctx, rbac.ID(roleID))
	require.NoError(t, err)
	require.Len(t, withGrants.Grants, 1)
	require.Len(t, withGrants.Grants[0].Permissions, 1)
	assert.Equal(t, "read", withGrants.Grants[0].Permissions[0].Name)

	// Incremental grant merges instead of replacing.
	resp = ts.do(t, http.MethodPost, "/roles/"+roleID+"/grants", map[string]any{
		"feature_id": string(billing.ID), "permission_ids": []string{string(create.ID)},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	withGrants, err = ts.store.FindRoleByIDWithGrants(ctx, rbac.ID(roleID))
	require.NoError(t, err)
	require.Len(t, withGrants.Grants[0].Permissions, 2)

	resp = ts.do(t, http.MethodPost, "/roles/"+roleID+"/grants/revoke", map[string]any{
		"feature_id": string(billing.ID), "permission_ids": []string{string(create.ID)},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Grants against an unknown role surface as 404.
	resp = ts.do(t, http.MethodPut, "/roles/no-such-role/grants", map[string]any{"grants": []map[string]any{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.CreateRole(ctx, rbac.NewRole{Name: "manager"})
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/users", map[string]string{
		"user_id": "alice", "name": "Alice", "email": "alice@example.com",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/users", map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/users", map[string]string{"user_id": "x", "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/users/alice/role", map[string]string{"role": "manager"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/users/alice/role", map[string]string{"role": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/users/alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	role, ok := body["role"].(map[string]any)
	require.True(t, ok, "assigned role must be embedded, got %v", body["role"])
	assert.Equal(t, "manager", role["name"])

	resp = ts.do(t, http.MethodGet, "/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	billing, err := ts.store.CreateFeature(ctx, "billing", "")
	require.NoError(t, err)
	read, err := ts.store.FindPermissionByName(ctx, "read")
	require.NoError(t, err)
	_, err = ts.store.CreateRole(ctx, rbac.NewRole{Name: "viewer", Grants: []rbac.FeatureGrant{
		{FeatureID: billing.ID, PermissionIDs: []rbac.ID{read.ID}},
	}})
	require.NoError(t, err)

	ts.do(t, http.MethodPost, "/users", map[string]string{"user_id": "alice"})
	ts.do(t, http.MethodPut, "/users/alice/role", map[string]string{"role": "viewer"})

	resp := ts.do(t, http.MethodGet, "/check?user_id=alice&feature=billing&permission=read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["allowed"])

	resp = ts.do(t, http.MethodGet, fmt.Sprintf("/check?user_id=alice&feature=billing&permission=%s", "delete"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "permission_denied", body["reason"])

	resp = ts.do(t, http.MethodGet, "/check?user_id=alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
