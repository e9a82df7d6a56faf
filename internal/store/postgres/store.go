// Package postgres implements the storage contract on PostgreSQL. Role
// grants live in a role_feature_permissions junction table with a
// uniqueness constraint on (role_id, feature_id, permission_id); every
// multi-statement mutation runs in a single transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// Store provides PostgreSQL backed persistence for the role graph.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store on the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ rbac.Store = (*Store)(nil)

const (
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"
)

// mapErr translates driver errors into the domain taxonomy. Foreign-key
// violations surface as ErrNotFound because they mean a grant referenced
// a feature or permission that does not exist.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", shared.ErrConflict, pgErr.ConstraintName)
		case pgFKViolation:
			return fmt.Errorf("%w: %s", shared.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%w: %v", shared.ErrInternal, err)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// escapeLike neutralizes LIKE metacharacters so a search term matches
// them literally. Patterns built from it must carry ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Counts reports entity totals, fanning the four count queries out
// concurrently.
func (s *Store) Counts(ctx context.Context) (rbac.Counts, error) {
	var counts rbac.Counts
	g, gctx := errgroup.WithContext(ctx)
	count := func(table string, dst *int64) func() error {
		return func() error {
			row := s.pool.QueryRow(gctx, `SELECT count(*) FROM `+table)
			if err := row.Scan(dst); err != nil {
				return mapErr(err)
			}
			return nil
		}
	}
	g.Go(count("users", &counts.Users))
	g.Go(count("roles", &counts.Roles))
	g.Go(count("features", &counts.Features))
	g.Go(count("permissions", &counts.Permissions))
	if err := g.Wait(); err != nil {
		return rbac.Counts{}, err
	}
	return counts, nil
}

// EnsureStandardPermissions creates any missing standard permission.
// Existing rows, including their descriptions, are left untouched.
func (s *Store) EnsureStandardPermissions(ctx context.Context) error {
	for _, name := range rbac.StandardPermissions() {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO permissions (id, name, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING`,
			newID(), name, "standard permission")
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}
