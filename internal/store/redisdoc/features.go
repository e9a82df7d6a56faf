package redisdoc

import (
	"context"
	"errors"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// CreateFeature inserts a feature document.
func (s *Store) CreateFeature(ctx context.Context, name, description string) (rbac.Feature, error) {
	doc, err := s.createCatalog(ctx, featureColl, name, description)
	if err != nil {
		return rbac.Feature{}, err
	}
	return toFeature(doc), nil
}

// FindFeatureByName fetches a feature by its unique name.
func (s *Store) FindFeatureByName(ctx context.Context, name string) (rbac.Feature, error) {
	doc, err := s.findCatalogByName(ctx, featureColl, name)
	if err != nil {
		return rbac.Feature{}, err
	}
	return toFeature(doc), nil
}

// FindFeatureByID fetches a feature by id.
func (s *Store) FindFeatureByID(ctx context.Context, id rbac.ID) (rbac.Feature, error) {
	doc, err := s.findCatalogByID(ctx, featureColl, id)
	if err != nil {
		return rbac.Feature{}, err
	}
	return toFeature(doc), nil
}

// UpdateFeature renames a feature.
func (s *Store) UpdateFeature(ctx context.Context, id rbac.ID, name, description string) (rbac.Feature, error) {
	doc, err := s.updateCatalog(ctx, featureColl, id, name, description)
	if err != nil {
		return rbac.Feature{}, err
	}
	return toFeature(doc), nil
}

// DeleteFeature strips the feature's grants out of every role document,
// one document at a time, then removes the feature itself. Deleting an
// absent feature is a no-op. A failure mid-walk leaves the untouched
// role documents still referencing the feature; there is no
// cross-document transaction to roll them back.
func (s *Store) DeleteFeature(ctx context.Context, id rbac.ID) error {
	doc, err := s.findCatalogByID(ctx, featureColl, id)
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
		kept := role.Grants[:0]
		for _, g := range role.Grants {
			if g.FeatureID != string(id) {
				kept = append(kept, g)
			}
		}
		if len(kept) == len(role.Grants) {
			continue
		}
		role.Grants = kept
		if err := setDoc(ctx, s.client, keyRoles, role.ID, role); err != nil {
			return err
		}
	}

	if err := s.client.HDel(ctx, keyFeatureNames, doc.Name).Err(); err != nil {
		return internalErr(err)
	}
	if err := s.client.HDel(ctx, keyFeatures, doc.ID).Err(); err != nil {
		return internalErr(err)
	}
	return nil
}

// ListFeatures pages features ordered by creation time, newest first.
func (s *Store) ListFeatures(ctx context.Context, limit, offset int) (rbac.Page[rbac.Feature], error) {
	docs, total, err := s.listCatalog(ctx, featureColl, limit, offset)
	if err != nil {
		return rbac.Page[rbac.Feature]{}, err
	}
	page := rbac.Page[rbac.Feature]{Total: total}
	for _, d := range docs {
		page.Items = append(page.Items, toFeature(d))
	}
	return page, nil
}
