package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

const userColumns = `id, user_id, name, email, role_id, created_at, updated_at`

func scanUser(row pgx.Row) (rbac.User, error) {
	var (
		user   rbac.User
		email  pgtype.Text
		roleID pgtype.Text
	)
	if err := row.Scan(&user.ID, &user.UserID, &user.Name, &email, &roleID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return rbac.User{}, mapErr(err)
	}
	user.Email = email.String
	user.RoleID = rbac.ID(roleID.String)
	return user, nil
}

func textOrNull(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// CreateUser inserts a user record. Empty email and role are stored as
// NULL so the uniqueness constraint only binds real addresses.
func (s *Store) CreateUser(ctx context.Context, nu rbac.NewUser) (rbac.User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, user_id, name, email, role_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userColumns,
		newID(), nu.UserID, nu.Name, textOrNull(nu.Email), textOrNull(string(nu.RoleID)))
	return scanUser(row)
}

// FindUserByUserID fetches a user by its external key.
func (s *Store) FindUserByUserID(ctx context.Context, userID string) (rbac.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	return scanUser(row)
}

// FindUserByUserIDWithRole fetches a user joined with its role and
// expanded grants. Role stays nil for users without one.
func (s *Store) FindUserByUserIDWithRole(ctx context.Context, userID string) (rbac.UserWithRole, error) {
	user, err := s.FindUserByUserID(ctx, userID)
	if err != nil {
		return rbac.UserWithRole{}, err
	}
	out := rbac.UserWithRole{User: user}
	if user.RoleID == "" {
		return out, nil
	}
	role, err := s.FindRoleByIDWithGrants(ctx, user.RoleID)
	if err != nil {
		return rbac.UserWithRole{}, err
	}
	out.Role = &role
	return out, nil
}

// UpdateUser applies a partial update.
func (s *Store) UpdateUser(ctx context.Context, id rbac.ID, upd rbac.UserUpdate) (rbac.User, error) {
	var (
		name    pgtype.Text
		email   pgtype.Text
		setRole bool
		roleID  pgtype.Text
	)
	if upd.Name != nil {
		name = pgtype.Text{String: *upd.Name, Valid: true}
	}
	if upd.Email != nil {
		email = textOrNull(*upd.Email)
	}
	if upd.RoleID != nil {
		setRole = true
		roleID = textOrNull(string(*upd.RoleID))
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			email = CASE WHEN $3 THEN $4 ELSE email END,
			role_id = CASE WHEN $5 THEN $6 ELSE role_id END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns,
		string(id), name, upd.Email != nil, email, setRole, roleID)
	return scanUser(row)
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(ctx context.Context, id rbac.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, string(id))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListUsers pages users ordered by creation time, newest first. A
// non-empty search filters case-insensitively over user_id, name and
// email; Total is the filtered count.
func (s *Store) ListUsers(ctx context.Context, limit, offset int, search string) (rbac.Page[rbac.User], error) {
	limit, offset = shared.ClampPage(limit, offset)
	where := ``
	args := []any{}
	if search != "" {
		where = `WHERE user_id ILIKE $1 ESCAPE '\' OR name ILIKE $1 ESCAPE '\' OR email ILIKE $1 ESCAPE '\'`
		args = append(args, "%"+escapeLike(search)+"%")
	}

	var page rbac.Page[rbac.User]
	row := s.pool.QueryRow(ctx, `SELECT count(*) FROM users `+where, args...)
	if err := row.Scan(&page.Total); err != nil {
		return rbac.Page[rbac.User]{}, mapErr(err)
	}

	n := len(args)
	query := `SELECT ` + userColumns + ` FROM users ` + where +
		` ORDER BY created_at DESC, id LIMIT $` + itoa(n+1) + ` OFFSET $` + itoa(n+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return rbac.Page[rbac.User]{}, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return rbac.Page[rbac.User]{}, err
		}
		page.Items = append(page.Items, user)
	}
	if err := rows.Err(); err != nil {
		return rbac.Page[rbac.User]{}, mapErr(err)
	}
	return page, nil
}
