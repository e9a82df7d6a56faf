// Command seed loads a demo role graph into the configured backend so a
// fresh deployment has something to authorize against. Safe to rerun;
// existing entities are kept.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
	"github.com/gatekeep-io/gatekeep/internal/store"
)

func main() {
	cfg := store.Config{
		Backend:    store.Backend(getenv("STORE_BACKEND", string(store.BackendDocument))),
		Connection: getenv("STORE_CONN", "localhost:6379"),
	}
	ctx := context.Background()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	fmt.Println("→ Seeding permissions...")
	if err := st.EnsureStandardPermissions(ctx); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	fmt.Println("→ Seeding features...")
	features, err := seedFeatures(ctx, st)
	if err != nil {
		log.Fatalf("seed features: %v", err)
	}

	fmt.Println("→ Seeding roles...")
	roles, err := seedRoles(ctx, st, features)
	if err != nil {
		log.Fatalf("seed roles: %v", err)
	}

	fmt.Println("→ Seeding users...")
	if err := seedUsers(ctx, st, roles); err != nil {
		log.Fatalf("seed users: %v", err)
	}

	fmt.Println("✔ Seed complete")
}

func seedFeatures(ctx context.Context, st rbac.Store) (map[string]rbac.ID, error) {
	features := []struct {
		name        string
		description string
	}{
		{"billing", "Invoices and payments"},
		{"inventory", "Stock levels and movements"},
		{"reports", "Read-only reporting"},
		{"default", "Fallback for unscoped routes"},
	}
	out := make(map[string]rbac.ID, len(features))
	for _, f := range features {
		created, err := st.CreateFeature(ctx, f.name, f.description)
		if errors.Is(err, shared.ErrConflict) {
			existing, ferr := st.FindFeatureByName(ctx, f.name)
			if ferr != nil {
				return nil, ferr
			}
			out[f.name] = existing.ID
			continue
		}
		if err != nil {
			return nil, err
		}
		out[f.name] = created.ID
	}
	return out, nil
}

func seedRoles(ctx context.Context, st rbac.Store, features map[string]rbac.ID) (map[string]rbac.ID, error) {
	perms := make(map[string]rbac.ID)
	for _, name := range rbac.StandardPermissions() {
		p, err := st.FindPermissionByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", name, err)
		}
		perms[name] = p.ID
	}

	all := []rbac.ID{perms[rbac.PermRead], perms[rbac.PermCreate], perms[rbac.PermUpdate], perms[rbac.PermDelete], perms[rbac.PermSudo]}
	readWrite := []rbac.ID{perms[rbac.PermRead], perms[rbac.PermCreate], perms[rbac.PermUpdate]}
	readOnly := []rbac.ID{perms[rbac.PermRead]}

	roles := []rbac.NewRole{
		{
			Name:        "admin",
			Description: "Full access to every feature",
			Grants: []rbac.FeatureGrant{
				{FeatureID: features["billing"], PermissionIDs: all},
				{FeatureID: features["inventory"], PermissionIDs: all},
				{FeatureID: features["reports"], PermissionIDs: all},
				{FeatureID: features["default"], PermissionIDs: all},
			},
		},
		{
			Name:        "manager",
			Description: "Day-to-day operations without destructive access",
			Grants: []rbac.FeatureGrant{
				{FeatureID: features["billing"], PermissionIDs: readWrite},
				{FeatureID: features["inventory"], PermissionIDs: readWrite},
				{FeatureID: features["reports"], PermissionIDs: readOnly},
			},
		},
		{
			Name:        "viewer",
			Description: "Read-only everywhere",
			Grants: []rbac.FeatureGrant{
				{FeatureID: features["billing"], PermissionIDs: readOnly},
				{FeatureID: features["inventory"], PermissionIDs: readOnly},
				{FeatureID: features["reports"], PermissionIDs: readOnly},
			},
		},
	}

	out := make(map[string]rbac.ID, len(roles))
	for _, nr := range roles {
		created, err := st.CreateRole(ctx, nr)
		if errors.Is(err, shared.ErrConflict) {
			existing, rerr := st.FindRoleByName(ctx, nr.Name)
			if rerr != nil {
				return nil, rerr
			}
			out[nr.Name] = existing.ID
			continue
		}
		if err != nil {
			return nil, err
		}
		out[nr.Name] = created.ID
	}
	return out, nil
}

func seedUsers(ctx context.Context, st rbac.Store, roles map[string]rbac.ID) error {
	users := []rbac.NewUser{
		{UserID: "admin", Name: "Site Admin", Email: "admin@example.com", RoleID: roles["admin"]},
		{UserID: "alice", Name: "Alice Manager", Email: "alice@example.com", RoleID: roles["manager"]},
		{UserID: "bob", Name: "Bob Viewer", Email: "bob@example.com", RoleID: roles["viewer"]},
	}
	for _, nu := range users {
		if _, err := st.CreateUser(ctx, nu); err != nil && !errors.Is(err, shared.ErrConflict) {
			return err
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
