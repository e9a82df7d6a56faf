package redisdoc

import (
	"context"
	"errors"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// CreatePermission inserts a permission document.
func (s *Store) CreatePermission(ctx context.Context, name, description string) (rbac.Permission, error) {
	doc, err := s.createCatalog(ctx, permissionColl, name, description)
	if err != nil {
		return rbac.Permission{}, err
	}
	return toPermission(doc), nil
}

// FindPermissionByName fetches a permission by its unique name.
func (s *Store) FindPermissionByName(ctx context.Context, name string) (rbac.Permission, error) {
	doc, err := s.findCatalogByName(ctx, permissionColl, name)
	if err != nil {
		return rbac.Permission{}, err
	}
	return toPermission(doc), nil
}

// FindPermissionByID fetches a permission by id.
func (s *Store) FindPermissionByID(ctx context.Context, id rbac.ID) (rbac.Permission, error) {
	doc, err := s.findCatalogByID(ctx, permissionColl, id)
	if err != nil {
		return rbac.Permission{}, err
	}
	return toPermission(doc), nil
}

// UpdatePermission renames a permission.
func (s *Store) UpdatePermission(ctx context.Context, id rbac.ID, name, description string) (rbac.Permission, error) {
	doc, err := s.updateCatalog(ctx, permissionColl, id, name, description)
	if err != nil {
		return rbac.Permission{}, err
	}
	return toPermission(doc), nil
}

// DeletePermission pulls the permission out of every grant that carries
// it, dropping grants left empty, then removes the permission itself.
// Deleting an absent permission is a no-op. Same per-document walk and
// partial-failure window as DeleteFeature.
func (s *Store) DeletePermission(ctx context.Context, id rbac.ID) error {
	doc, err := s.findCatalogByID(ctx, permissionColl, id)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	roles, err := allDocs[roleDoc](ctx, s.client, keyRoles)
	if err != nil {
		return err
	}
	for _, role := range roles {
		changed := false
		kept := role.Grants[:0]
		for _, g := range role.Grants {
			pids := g.PermissionIDs[:0]
			for _, pid := range g.PermissionIDs {
				if pid != string(id) {
					pids = append(pids, pid)
				} else {
					changed = true
				}
			}
			if len(pids) == 0 {
				continue
			}
			g.PermissionIDs = pids
			kept = append(kept, g)
		}
		if !changed {
			continue
		}
		role.Grants = kept
		if err := setDoc(ctx, s.client, keyRoles, role.ID, role); err != nil {
			return err
		}
	}

	if err := s.client.HDel(ctx, keyPermissionNames, doc.Name).Err(); err != nil {
		return internalErr(err)
	}
	if err := s.client.HDel(ctx, keyPermissions, doc.ID).Err(); err != nil {
		return internalErr(err)
	}
	return nil
}

// ListPermissions pages permissions ordered by creation time, newest first.
func (s *Store) ListPermissions(ctx context.Context, limit, offset int) (rbac.Page[rbac.Permission], error) {
	docs, total, err := s.listCatalog(ctx, permissionColl, limit, offset)
	if err != nil {
		return rbac.Page[rbac.Permission]{}, err
	}
	page := rbac.Page[rbac.Permission]{Total: total}
	for _, d := range docs {
		page.Items = append(page.Items, toPermission(d))
	}
	return page, nil
}
