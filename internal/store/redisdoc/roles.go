package redisdoc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// CreateRole inserts a role document with its initial grants embedded.
func (s *Store) CreateRole(ctx context.Context, nr rbac.NewRole) (rbac.Role, error) {
	grants, err := s.normalizeGrants(ctx, nr.Grants)
	if err != nil {
		return rbac.Role{}, err
	}
	now := time.Now().UTC()
	doc := roleDoc{
		catalogDoc: catalogDoc{
			ID:          newID(),
			Name:        nr.Name,
			Description: nr.Description,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Grants: grants,
	}
	if err := claimIndex(ctx, s.client, keyRoleNames, nr.Name, doc.ID); err != nil {
		return rbac.Role{}, err
	}
	if err := setDoc(ctx, s.client, keyRoles, doc.ID, doc); err != nil {
		return rbac.Role{}, err
	}
	return toRole(doc.catalogDoc), nil
}

func (s *Store) findRoleDoc(ctx context.Context, id rbac.ID) (roleDoc, error) {
	var doc roleDoc
	if err := getDoc(ctx, s.client, keyRoles, string(id), &doc); err != nil {
		return roleDoc{}, err
	}
	return doc, nil
}

// FindRoleByName fetches a role by its unique name.
func (s *Store) FindRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	doc, err := s.findCatalogByName(ctx, collection{docs: keyRoles, names: keyRoleNames}, name)
	if err != nil {
		return rbac.Role{}, err
	}
	return toRole(doc), nil
}

// FindRoleByID fetches a role by id.
func (s *Store) FindRoleByID(ctx context.Context, id rbac.ID) (rbac.Role, error) {
	doc, err := s.findRoleDoc(ctx, id)
	if err != nil {
		return rbac.Role{}, err
	}
	return toRole(doc.catalogDoc), nil
}

// FindRoleByIDWithGrants fetches a role and expands each embedded grant
// into full feature and permission records. Grants whose feature has
// since vanished are skipped rather than surfaced as corruption.
func (s *Store) FindRoleByIDWithGrants(ctx context.Context, id rbac.ID) (rbac.RoleWithGrants, error) {
	doc, err := s.findRoleDoc(ctx, id)
	if err != nil {
		return rbac.RoleWithGrants{}, err
	}
	out := rbac.RoleWithGrants{Role: toRole(doc.catalogDoc)}
	for _, g := range doc.Grants {
		feature, err := s.FindFeatureByID(ctx, rbac.ID(g.FeatureID))
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return rbac.RoleWithGrants{}, err
		}
		detail := rbac.GrantDetail{Feature: feature}
		for _, pid := range g.PermissionIDs {
			perm, err := s.FindPermissionByID(ctx, rbac.ID(pid))
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					continue
				}
				return rbac.RoleWithGrants{}, err
			}
			detail.Permissions = append(detail.Permissions, perm)
		}
		if len(detail.Permissions) > 0 {
			slices.SortFunc(detail.Permissions, func(a, b rbac.Permission) int {
				return strings.Compare(a.Name, b.Name)
			})
			out.Grants = append(out.Grants, detail)
		}
	}
	// Same feature-name, permission-name ordering the relational join
	// produces.
	slices.SortFunc(out.Grants, func(a, b rbac.GrantDetail) int {
		return strings.Compare(a.Feature.Name, b.Feature.Name)
	})
	return out, nil
}

// UpdateRole renames a role, preserving its grants.
func (s *Store) UpdateRole(ctx context.Context, id rbac.ID, name, description string) (rbac.Role, error) {
	doc, err := s.findRoleDoc(ctx, id)
	if err != nil {
		return rbac.Role{}, err
	}
	oldName := doc.Name
	if name != oldName {
		if err := claimIndex(ctx, s.client, keyRoleNames, name, doc.ID); err != nil {
			return rbac.Role{}, err
		}
	}
	doc.Name = name
	doc.Description = description
	doc.UpdatedAt = time.Now().UTC()
	if err := setDoc(ctx, s.client, keyRoles, doc.ID, doc); err != nil {
		return rbac.Role{}, err
	}
	if name != oldName {
		if err := s.client.HDel(ctx, keyRoleNames, oldName).Err(); err != nil {
			return rbac.Role{}, internalErr(err)
		}
	}
	return toRole(doc.catalogDoc), nil
}

// DeleteRole clears the role reference from every user document that
// held it, then removes the role document and its name index.
func (s *Store) DeleteRole(ctx context.Context, id rbac.ID) error {
	doc, err := s.findRoleDoc(ctx, id)
	if err != nil {
		return err
	}

	users, err := allDocs[userDoc](ctx, s.client, keyUsers)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.RoleID != string(id) {
			continue
		}
		u.RoleID = ""
		u.UpdatedAt = time.Now().UTC()
		if err := setDoc(ctx, s.client, keyUsers, u.ID, u); err != nil {
			return err
		}
	}

	if err := s.client.HDel(ctx, keyRoleNames, doc.Name).Err(); err != nil {
		return internalErr(err)
	}
	if err := s.client.HDel(ctx, keyRoles, doc.ID).Err(); err != nil {
		return internalErr(err)
	}
	return nil
}

// ListRoles pages roles ordered by creation time, newest first.
func (s *Store) ListRoles(ctx context.Context, limit, offset int) (rbac.Page[rbac.Role], error) {
	docs, err := allDocs[roleDoc](ctx, s.client, keyRoles)
	if err != nil {
		return rbac.Page[rbac.Role]{}, err
	}
	sortByCreatedDesc(docs, func(d roleDoc) (time.Time, string) { return d.CreatedAt, d.ID })
	page := rbac.Page[rbac.Role]{Total: int64(len(docs))}
	limit, offset = shared.ClampPage(limit, offset)
	for _, d := range pageSlice(docs, limit, offset) {
		page.Items = append(page.Items, toRole(d.catalogDoc))
	}
	return page, nil
}

// ReplaceRoleGrants overwrites the role document's embedded grant list
// with exactly the supplied grants. One key, one write, atomic.
func (s *Store) ReplaceRoleGrants(ctx context.Context, roleID rbac.ID, grants []rbac.FeatureGrant) error {
	doc, err := s.findRoleDoc(ctx, roleID)
	if err != nil {
		return err
	}
	normalized, err := s.normalizeGrants(ctx, grants)
	if err != nil {
		return err
	}
	doc.Grants = normalized
	doc.UpdatedAt = time.Now().UTC()
	return setDoc(ctx, s.client, keyRoles, doc.ID, doc)
}

// normalizeGrants validates every referenced feature and permission and
// collapses duplicate features into one grant with a deduplicated
// permission set, matching what the junction table's primary key gives
// the relational adapter for free.
func (s *Store) normalizeGrants(ctx context.Context, grants []rbac.FeatureGrant) ([]grantDoc, error) {
	byFeature := map[string]int{}
	out := make([]grantDoc, 0, len(grants))
	for _, g := range grants {
		exists, err := s.client.HExists(ctx, keyFeatures, string(g.FeatureID)).Result()
		if err != nil {
			return nil, internalErr(err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: feature %s", shared.ErrNotFound, g.FeatureID)
		}
		idx, ok := byFeature[string(g.FeatureID)]
		if !ok {
			idx = len(out)
			byFeature[string(g.FeatureID)] = idx
			out = append(out, grantDoc{FeatureID: string(g.FeatureID)})
		}
		for _, pid := range g.PermissionIDs {
			exists, err := s.client.HExists(ctx, keyPermissions, string(pid)).Result()
			if err != nil {
				return nil, internalErr(err)
			}
			if !exists {
				return nil, fmt.Errorf("%w: permission %s", shared.ErrNotFound, pid)
			}
			if !slices.Contains(out[idx].PermissionIDs, string(pid)) {
				out[idx].PermissionIDs = append(out[idx].PermissionIDs, string(pid))
			}
		}
	}
	return out, nil
}
