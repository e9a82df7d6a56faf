package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gatekeep-io/gatekeep/internal/platform/db"
	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

const roleColumns = `id, name, description, created_at, updated_at`

func scanRole(row pgx.Row) (rbac.Role, error) {
	var role rbac.Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return rbac.Role{}, mapErr(err)
	}
	return role, nil
}

// CreateRole inserts a role together with its initial grants, all in one
// transaction.
func (s *Store) CreateRole(ctx context.Context, nr rbac.NewRole) (rbac.Role, error) {
	var role rbac.Role
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO roles (id, name, description)
			VALUES ($1, $2, $3)
			RETURNING `+roleColumns,
			newID(), nr.Name, nr.Description)
		var err error
		if role, err = scanRole(row); err != nil {
			return err
		}
		return insertGrants(ctx, tx, role.ID, nr.Grants)
	})
	if err != nil {
		return rbac.Role{}, err
	}
	return role, nil
}

// FindRoleByName fetches a role by its unique name.
func (s *Store) FindRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	return scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// FindRoleByID fetches a role by id.
func (s *Store) FindRoleByID(ctx context.Context, id rbac.ID) (rbac.Role, error) {
	return scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, string(id)))
}

// FindRoleByIDWithGrants fetches a role and expands every junction row
// into full feature and permission records, grouped per feature.
func (s *Store) FindRoleByIDWithGrants(ctx context.Context, id rbac.ID) (rbac.RoleWithGrants, error) {
	role, err := s.FindRoleByID(ctx, id)
	if err != nil {
		return rbac.RoleWithGrants{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT f.id, f.name, f.description, f.created_at, f.updated_at,
		       p.id, p.name, p.description, p.created_at, p.updated_at
		FROM role_feature_permissions rfp
		JOIN features f ON f.id = rfp.feature_id
		JOIN permissions p ON p.id = rfp.permission_id
		WHERE rfp.role_id = $1
		ORDER BY f.name, p.name`, string(id))
	if err != nil {
		return rbac.RoleWithGrants{}, mapErr(err)
	}
	defer rows.Close()

	out := rbac.RoleWithGrants{Role: role}
	byFeature := map[rbac.ID]int{}
	for rows.Next() {
		var f rbac.Feature
		var p rbac.Permission
		if err := rows.Scan(&f.ID, &f.Name, &f.Description, &f.CreatedAt, &f.UpdatedAt,
			&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return rbac.RoleWithGrants{}, mapErr(err)
		}
		idx, ok := byFeature[f.ID]
		if !ok {
			idx = len(out.Grants)
			byFeature[f.ID] = idx
			out.Grants = append(out.Grants, rbac.GrantDetail{Feature: f})
		}
		out.Grants[idx].Permissions = append(out.Grants[idx].Permissions, p)
	}
	if err := rows.Err(); err != nil {
		return rbac.RoleWithGrants{}, mapErr(err)
	}
	return out, nil
}

// UpdateRole renames a role.
func (s *Store) UpdateRole(ctx context.Context, id rbac.ID, name, description string) (rbac.Role, error) {
	return scanRole(s.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+roleColumns, string(id), name, description))
}

// DeleteRole clears the role from every user that held it, then removes
// the role; junction rows go with it via the cascading foreign key. One
// transaction, so a failure leaves everything in place.
func (s *Store) DeleteRole(ctx context.Context, id rbac.ID) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE users SET role_id = NULL, updated_at = now() WHERE role_id = $1`, string(id)); err != nil {
			return mapErr(err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, string(id))
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// ListRoles pages roles ordered by creation time, newest first.
func (s *Store) ListRoles(ctx context.Context, limit, offset int) (rbac.Page[rbac.Role], error) {
	limit, offset = shared.ClampPage(limit, offset)
	var page rbac.Page[rbac.Role]
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM roles`).Scan(&page.Total); err != nil {
		return rbac.Page[rbac.Role]{}, mapErr(err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return rbac.Page[rbac.Role]{}, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return rbac.Page[rbac.Role]{}, err
		}
		page.Items = append(page.Items, role)
	}
	if err := rows.Err(); err != nil {
		return rbac.Page[rbac.Role]{}, mapErr(err)
	}
	return page, nil
}

// ReplaceRoleGrants swaps the role's entire grant set for the supplied
// one: delete all junction rows, insert the new set, commit or roll back
// as a unit.
func (s *Store) ReplaceRoleGrants(ctx context.Context, roleID rbac.ID, grants []rbac.FeatureGrant) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, string(roleID)).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return shared.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_feature_permissions WHERE role_id = $1`, string(roleID)); err != nil {
			return mapErr(err)
		}
		return insertGrants(ctx, tx, roleID, grants)
	})
}

func insertGrants(ctx context.Context, tx pgx.Tx, roleID rbac.ID, grants []rbac.FeatureGrant) error {
	for _, g := range grants {
		// The junction insert only references the feature when the
		// grant carries permission ids, so an empty grant would slip
		// past the foreign keys. Check the feature explicitly.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM features WHERE id = $1)`, string(g.FeatureID)).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return fmt.Errorf("%w: feature %s", shared.ErrNotFound, g.FeatureID)
		}
		for _, pid := range g.PermissionIDs {
			_, err := tx.Exec(ctx, `
				INSERT INTO role_feature_permissions (role_id, feature_id, permission_id)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`,
				string(roleID), string(g.FeatureID), string(pid))
			if err != nil {
				return mapErr(err)
			}
		}
	}
	return nil
}

// FeaturePermissions resolves the permission names a user holds on the
// named feature with a single join.
func (s *Store) FeaturePermissions(ctx context.Context, userID, featureName string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.name
		FROM users u
		JOIN role_feature_permissions rfp ON rfp.role_id = u.role_id
		JOIN features f ON f.id = rfp.feature_id AND f.name = $2
		JOIN permissions p ON p.id = rfp.permission_id
		WHERE u.user_id = $1
		ORDER BY p.name`, userID, featureName)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapErr(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return names, nil
}
