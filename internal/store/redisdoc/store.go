// Package redisdoc implements the storage contract on Redis, treating
// each entity collection as a hash of id to JSON document. A role's
// grants are embedded in the role document, so replacing them is a
// single-key overwrite. There are no cross-document transactions: a
// cascading delete that touches several role documents is a sequence of
// independent per-document updates.
package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// Key layout. Every collection is a pair of hashes: id → document and
// unique-name → id. Users carry two secondary indexes, one per unique
// field.
const (
	keyPermissions     = "rbac:permissions"
	keyPermissionNames = "rbac:permissions:names"
	keyFeatures        = "rbac:features"
	keyFeatureNames    = "rbac:features:names"
	keyRoles           = "rbac:roles"
	keyRoleNames       = "rbac:roles:names"
	keyUsers           = "rbac:users"
	keyUserKeys        = "rbac:users:keys"
	keyUserEmails      = "rbac:users:emails"
)

// Store provides Redis backed persistence for the role graph.
type Store struct {
	client *redis.Client
	fold   cases.Caser
}

// New constructs a Store on the given client.
func New(client *redis.Client) *Store {
	return &Store{client: client, fold: cases.Fold()}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ rbac.Store = (*Store)(nil)

func newID() string {
	return uuid.NewString()
}

func internalErr(err error) error {
	return fmt.Errorf("%w: %v", shared.ErrInternal, err)
}

type grantDoc struct {
	FeatureID     string   `json:"feature_id"`
	PermissionIDs []string `json:"permission_ids"`
}

type catalogDoc struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type roleDoc struct {
	catalogDoc
	Grants []grantDoc `json:"grants"`
}

type userDoc struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	RoleID    string    `json:"role_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// getDoc loads and decodes one document, translating a miss to
// ErrNotFound.
func getDoc(ctx context.Context, c *redis.Client, collection, id string, dst any) error {
	raw, err := c.HGet(ctx, collection, id).Result()
	if err == redis.Nil {
		return shared.ErrNotFound
	}
	if err != nil {
		return internalErr(err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return internalErr(err)
	}
	return nil
}

func setDoc(ctx context.Context, c *redis.Client, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return internalErr(err)
	}
	if err := c.HSet(ctx, collection, id, raw).Err(); err != nil {
		return internalErr(err)
	}
	return nil
}

// claimIndex reserves a unique value in an index hash, returning
// ErrConflict when another id already holds it.
func claimIndex(ctx context.Context, c *redis.Client, index, value, id string) error {
	ok, err := c.HSetNX(ctx, index, value, id).Result()
	if err != nil {
		return internalErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrConflict, value)
	}
	return nil
}

// allDocs decodes every document in a collection.
func allDocs[T any](ctx context.Context, c *redis.Client, collection string) ([]T, error) {
	raws, err := c.HVals(ctx, collection).Result()
	if err != nil {
		return nil, internalErr(err)
	}
	docs := make([]T, 0, len(raws))
	for _, raw := range raws {
		var doc T
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, internalErr(err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Counts reports entity totals, fanning the four hash sizes out
// concurrently.
func (s *Store) Counts(ctx context.Context) (rbac.Counts, error) {
	var counts rbac.Counts
	g, gctx := errgroup.WithContext(ctx)
	count := func(collection string, dst *int64) func() error {
		return func() error {
			n, err := s.client.HLen(gctx, collection).Result()
			if err != nil {
				return internalErr(err)
			}
			*dst = n
			return nil
		}
	}
	g.Go(count(keyUsers, &counts.Users))
	g.Go(count(keyRoles, &counts.Roles))
	g.Go(count(keyFeatures, &counts.Features))
	g.Go(count(keyPermissions, &counts.Permissions))
	if err := g.Wait(); err != nil {
		return rbac.Counts{}, err
	}
	return counts, nil
}

// EnsureStandardPermissions creates any missing standard permission.
func (s *Store) EnsureStandardPermissions(ctx context.Context) error {
	for _, name := range rbac.StandardPermissions() {
		_, err := s.client.HGet(ctx, keyPermissionNames, name).Result()
		if err == nil {
			continue
		}
		if err != redis.Nil {
			return internalErr(err)
		}
		if _, err := s.CreatePermission(ctx, name, "standard permission"); err != nil {
			// A concurrent bootstrap may have won the claim; that still
			// satisfies create-if-missing.
			if errors.Is(err, shared.ErrConflict) {
				continue
			}
			return err
		}
	}
	return nil
}
