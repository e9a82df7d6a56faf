package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

const featureColumns = `id, name, description, created_at, updated_at`

func scanFeature(row pgx.Row) (rbac.Feature, error) {
	var f rbac.Feature
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return rbac.Feature{}, mapErr(err)
	}
	return f, nil
}

// CreateFeature inserts a feature.
func (s *Store) CreateFeature(ctx context.Context, name, description string) (rbac.Feature, error) {
	return scanFeature(s.pool.QueryRow(ctx, `
		INSERT INTO features (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING `+featureColumns, newID(), name, description))
}

// FindFeatureByName fetches a feature by its unique name.
func (s *Store) FindFeatureByName(ctx context.Context, name string) (rbac.Feature, error) {
	return scanFeature(s.pool.QueryRow(ctx, `SELECT `+featureColumns+` FROM features WHERE name = $1`, name))
}

// FindFeatureByID fetches a feature by id.
func (s *Store) FindFeatureByID(ctx context.Context, id rbac.ID) (rbac.Feature, error) {
	return scanFeature(s.pool.QueryRow(ctx, `SELECT `+featureColumns+` FROM features WHERE id = $1`, string(id)))
}

// UpdateFeature renames a feature.
func (s *Store) UpdateFeature(ctx context.Context, id rbac.ID, name, description string) (rbac.Feature, error) {
	return scanFeature(s.pool.QueryRow(ctx, `
		UPDATE features SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+featureColumns, string(id), name, description))
}

// DeleteFeature removes a feature; the cascading foreign key drops every
// junction row that referenced it. Deleting an absent feature is a no-op
// so cascades stay idempotent.
func (s *Store) DeleteFeature(ctx context.Context, id rbac.ID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM features WHERE id = $1`, string(id))
	return mapErr(err)
}

// ListFeatures pages features ordered by creation time, newest first.
func (s *Store) ListFeatures(ctx context.Context, limit, offset int) (rbac.Page[rbac.Feature], error) {
	limit, offset = shared.ClampPage(limit, offset)
	var page rbac.Page[rbac.Feature]
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM features`).Scan(&page.Total); err != nil {
		return rbac.Page[rbac.Feature]{}, mapErr(err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+featureColumns+` FROM features ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return rbac.Page[rbac.Feature]{}, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return rbac.Page[rbac.Feature]{}, err
		}
		page.Items = append(page.Items, f)
	}
	if err := rows.Err(); err != nil {
		return rbac.Page[rbac.Feature]{}, mapErr(err)
	}
	return page, nil
}
