package redisdoc

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// collection names the key pair backing one catalog entity.
type collection struct {
	docs  string
	names string
}

var (
	permissionColl = collection{docs: keyPermissions, names: keyPermissionNames}
	featureColl    = collection{docs: keyFeatures, names: keyFeatureNames}
)

func (s *Store) createCatalog(ctx context.Context, coll collection, name, description string) (catalogDoc, error) {
	now := time.Now().UTC()
	doc := catalogDoc{
		ID:          newID(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := claimIndex(ctx, s.client, coll.names, name, doc.ID); err != nil {
		return catalogDoc{}, err
	}
	if err := setDoc(ctx, s.client, coll.docs, doc.ID, doc); err != nil {
		return catalogDoc{}, err
	}
	return doc, nil
}

func (s *Store) findCatalogByName(ctx context.Context, coll collection, name string) (catalogDoc, error) {
	id, err := s.client.HGet(ctx, coll.names, name).Result()
	if err == redis.Nil {
		return catalogDoc{}, shared.ErrNotFound
	}
	if err != nil {
		return catalogDoc{}, internalErr(err)
	}
	var doc catalogDoc
	if err := getDoc(ctx, s.client, coll.docs, id, &doc); err != nil {
		return catalogDoc{}, err
	}
	return doc, nil
}

func (s *Store) findCatalogByID(ctx context.Context, coll collection, id rbac.ID) (catalogDoc, error) {
	var doc catalogDoc
	if err := getDoc(ctx, s.client, coll.docs, string(id), &doc); err != nil {
		return catalogDoc{}, err
	}
	return doc, nil
}

// updateCatalog renames an entry, moving its name index when the name
// changed.
func (s *Store) updateCatalog(ctx context.Context, coll collection, id rbac.ID, name, description string) (catalogDoc, error) {
	doc, err := s.findCatalogByID(ctx, coll, id)
	if err != nil {
		return catalogDoc{}, err
	}
	oldName := doc.Name
	if name != oldName {
		if err := claimIndex(ctx, s.client, coll.names, name, doc.ID); err != nil {
			return catalogDoc{}, err
		}
	}
	doc.Name = name
	doc.Description = description
	doc.UpdatedAt = time.Now().UTC()
	if err := setDoc(ctx, s.client, coll.docs, doc.ID, doc); err != nil {
		return catalogDoc{}, err
	}
	if name != oldName {
		if err := s.client.HDel(ctx, coll.names, oldName).Err(); err != nil {
			return catalogDoc{}, internalErr(err)
		}
	}
	return doc, nil
}

// listCatalog pages a catalog ordered by creation time, newest first.
func (s *Store) listCatalog(ctx context.Context, coll collection, limit, offset int) ([]catalogDoc, int64, error) {
	docs, err := allDocs[catalogDoc](ctx, s.client, coll.docs)
	if err != nil {
		return nil, 0, err
	}
	sortByCreatedDesc(docs, func(d catalogDoc) (time.Time, string) { return d.CreatedAt, d.ID })
	total := int64(len(docs))
	limit, offset = shared.ClampPage(limit, offset)
	return pageSlice(docs, limit, offset), total, nil
}

// sortByCreatedDesc orders newest first, breaking creation-time ties by
// id so pages stay stable.
func sortByCreatedDesc[T any](docs []T, key func(T) (time.Time, string)) {
	sort.SliceStable(docs, func(i, j int) bool {
		ti, idi := key(docs[i])
		tj, idj := key(docs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi < idj
	})
}

func pageSlice[T any](docs []T, limit, offset int) []T {
	if offset >= len(docs) {
		return nil
	}
	end := offset + limit
	if end > len(docs) {
		end = len(docs)
	}
	return docs[offset:end]
}

func toPermission(d catalogDoc) rbac.Permission {
	return rbac.Permission{ID: rbac.ID(d.ID), Name: d.Name, Description: d.Description, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func toFeature(d catalogDoc) rbac.Feature {
	return rbac.Feature{ID: rbac.ID(d.ID), Name: d.Name, Description: d.Description, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func toRole(d catalogDoc) rbac.Role {
	return rbac.Role{ID: rbac.ID(d.ID), Name: d.Name, Description: d.Description, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}
