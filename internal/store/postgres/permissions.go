package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

const permissionColumns = `id, name, description, created_at, updated_at`

func scanPermission(row pgx.Row) (rbac.Permission, error) {
	var p rbac.Permission
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return rbac.Permission{}, mapErr(err)
	}
	return p, nil
}

// CreatePermission inserts a permission.
func (s *Store) CreatePermission(ctx context.Context, name, description string) (rbac.Permission, error) {
	return scanPermission(s.pool.QueryRow(ctx, `
		INSERT INTO permissions (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING `+permissionColumns, newID(), name, description))
}

// FindPermissionByName fetches a permission by its unique name.
func (s *Store) FindPermissionByName(ctx context.Context, name string) (rbac.Permission, error) {
	return scanPermission(s.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
}

// FindPermissionByID fetches a permission by id.
func (s *Store) FindPermissionByID(ctx context.Context, id rbac.ID) (rbac.Permission, error) {
	return scanPermission(s.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, string(id)))
}

// UpdatePermission renames a permission.
func (s *Store) UpdatePermission(ctx context.Context, id rbac.ID, name, description string) (rbac.Permission, error) {
	return scanPermission(s.pool.QueryRow(ctx, `
		UPDATE permissions SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+permissionColumns, string(id), name, description))
}

// DeletePermission removes a permission; the cascading foreign key drops
// it from every grant. Deleting an absent permission is a no-op.
func (s *Store) DeletePermission(ctx context.Context, id rbac.ID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, string(id))
	return mapErr(err)
}

// ListPermissions pages permissions ordered by creation time, newest first.
func (s *Store) ListPermissions(ctx context.Context, limit, offset int) (rbac.Page[rbac.Permission], error) {
	limit, offset = shared.ClampPage(limit, offset)
	var page rbac.Page[rbac.Permission]
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM permissions`).Scan(&page.Total); err != nil {
		return rbac.Page[rbac.Permission]{}, mapErr(err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return rbac.Page[rbac.Permission]{}, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return rbac.Page[rbac.Permission]{}, err
		}
		page.Items = append(page.Items, p)
	}
	if err := rows.Err(); err != nil {
		return rbac.Page[rbac.Permission]{}, mapErr(err)
	}
	return page, nil
}
