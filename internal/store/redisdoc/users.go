package redisdoc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

func toUser(d userDoc) rbac.User {
	return rbac.User{
		ID:        rbac.ID(d.ID),
		UserID:    d.UserID,
		Name:      d.Name,
		Email:     d.Email,
		RoleID:    rbac.ID(d.RoleID),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// CreateUser inserts a user document, claiming the user_id and email
// indexes. When the email claim loses, the user_id claim is released
// again before reporting the conflict.
func (s *Store) CreateUser(ctx context.Context, nu rbac.NewUser) (rbac.User, error) {
	if err := s.checkRoleExists(ctx, nu.RoleID); err != nil {
		return rbac.User{}, err
	}
	now := time.Now().UTC()
	doc := userDoc{
		ID:        newID(),
		UserID:    nu.UserID,
		Name:      nu.Name,
		Email:     nu.Email,
		RoleID:    string(nu.RoleID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := claimIndex(ctx, s.client, keyUserKeys, doc.UserID, doc.ID); err != nil {
		return rbac.User{}, err
	}
	if doc.Email != "" {
		if err := claimIndex(ctx, s.client, keyUserEmails, doc.Email, doc.ID); err != nil {
			_ = s.client.HDel(ctx, keyUserKeys, doc.UserID).Err()
			return rbac.User{}, err
		}
	}
	if err := setDoc(ctx, s.client, keyUsers, doc.ID, doc); err != nil {
		return rbac.User{}, err
	}
	return toUser(doc), nil
}

// checkRoleExists mirrors the foreign key the relational schema puts on
// users.role_id.
func (s *Store) checkRoleExists(ctx context.Context, id rbac.ID) error {
	if id == "" {
		return nil
	}
	exists, err := s.client.HExists(ctx, keyRoles, string(id)).Result()
	if err != nil {
		return internalErr(err)
	}
	if !exists {
		return fmt.Errorf("%w: role %s", shared.ErrNotFound, id)
	}
	return nil
}

func (s *Store) findUserDocByUserID(ctx context.Context, userID string) (userDoc, error) {
	id, err := s.client.HGet(ctx, keyUserKeys, userID).Result()
	if err == redis.Nil {
		return userDoc{}, shared.ErrNotFound
	}
	if err != nil {
		return userDoc{}, internalErr(err)
	}
	var doc userDoc
	if err := getDoc(ctx, s.client, keyUsers, id, &doc); err != nil {
		return userDoc{}, err
	}
	return doc, nil
}

// FindUserByUserID fetches a user by its external key.
func (s *Store) FindUserByUserID(ctx context.Context, userID string) (rbac.User, error) {
	doc, err := s.findUserDocByUserID(ctx, userID)
	if err != nil {
		return rbac.User{}, err
	}
	return toUser(doc), nil
}

// FindUserByUserIDWithRole fetches a user joined with its role and
// expanded grants. Role stays nil for users without one.
func (s *Store) FindUserByUserIDWithRole(ctx context.Context, userID string) (rbac.UserWithRole, error) {
	doc, err := s.findUserDocByUserID(ctx, userID)
	if err != nil {
		return rbac.UserWithRole{}, err
	}
	out := rbac.UserWithRole{User: toUser(doc)}
	if doc.RoleID == "" {
		return out, nil
	}
	role, err := s.FindRoleByIDWithGrants(ctx, rbac.ID(doc.RoleID))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// Role vanished under the user; treat as roleless.
			return out, nil
		}
		return rbac.UserWithRole{}, err
	}
	out.Role = &role
	return out, nil
}

// UpdateUser applies a partial update, moving the email index when the
// address changed.
func (s *Store) UpdateUser(ctx context.Context, id rbac.ID, upd rbac.UserUpdate) (rbac.User, error) {
	var doc userDoc
	if err := getDoc(ctx, s.client, keyUsers, string(id), &doc); err != nil {
		return rbac.User{}, err
	}
	if upd.Name != nil {
		doc.Name = *upd.Name
	}
	if upd.Email != nil && *upd.Email != doc.Email {
		if *upd.Email != "" {
			if err := claimIndex(ctx, s.client, keyUserEmails, *upd.Email, doc.ID); err != nil {
				return rbac.User{}, err
			}
		}
		if doc.Email != "" {
			if err := s.client.HDel(ctx, keyUserEmails, doc.Email).Err(); err != nil {
				return rbac.User{}, internalErr(err)
			}
		}
		doc.Email = *upd.Email
	}
	if upd.RoleID != nil {
		if err := s.checkRoleExists(ctx, *upd.RoleID); err != nil {
			return rbac.User{}, err
		}
		doc.RoleID = string(*upd.RoleID)
	}
	doc.UpdatedAt = time.Now().UTC()
	if err := setDoc(ctx, s.client, keyUsers, doc.ID, doc); err != nil {
		return rbac.User{}, err
	}
	return toUser(doc), nil
}

// DeleteUser removes a user document and its indexes.
func (s *Store) DeleteUser(ctx context.Context, id rbac.ID) error {
	var doc userDoc
	if err := getDoc(ctx, s.client, keyUsers, string(id), &doc); err != nil {
		return err
	}
	if err := s.client.HDel(ctx, keyUserKeys, doc.UserID).Err(); err != nil {
		return internalErr(err)
	}
	if doc.Email != "" {
		if err := s.client.HDel(ctx, keyUserEmails, doc.Email).Err(); err != nil {
			return internalErr(err)
		}
	}
	if err := s.client.HDel(ctx, keyUsers, doc.ID).Err(); err != nil {
		return internalErr(err)
	}
	return nil
}

// ListUsers pages users ordered by creation time, newest first. The
// search match folds case the same way ILIKE does on the relational
// side.
func (s *Store) ListUsers(ctx context.Context, limit, offset int, search string) (rbac.Page[rbac.User], error) {
	docs, err := allDocs[userDoc](ctx, s.client, keyUsers)
	if err != nil {
		return rbac.Page[rbac.User]{}, err
	}
	if search != "" {
		needle := s.fold.String(search)
		filtered := docs[:0]
		for _, d := range docs {
			if strings.Contains(s.fold.String(d.UserID), needle) ||
				strings.Contains(s.fold.String(d.Name), needle) ||
				strings.Contains(s.fold.String(d.Email), needle) {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	sortByCreatedDesc(docs, func(d userDoc) (time.Time, string) { return d.CreatedAt, d.ID })
	page := rbac.Page[rbac.User]{Total: int64(len(docs))}
	limit, offset = shared.ClampPage(limit, offset)
	for _, d := range pageSlice(docs, limit, offset) {
		page.Items = append(page.Items, toUser(d))
	}
	return page, nil
}

// FeaturePermissions resolves the permission names the user holds on the
// named feature.
func (s *Store) FeaturePermissions(ctx context.Context, userID, featureName string) ([]string, error) {
	uwr, err := s.FindUserByUserIDWithRole(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if uwr.Role == nil {
		return nil, nil
	}
	grant := uwr.Role.GrantFor(featureName)
	if grant == nil {
		return nil, nil
	}
	names := make([]string, 0, len(grant.Permissions))
	for _, p := range grant.Permissions {
		names = append(names, p.Name)
	}
	return names, nil
}
