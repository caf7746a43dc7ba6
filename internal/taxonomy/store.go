// Package taxonomy resolves extracted category paths against the persistent,
// self-referencing category tree shared by all pipeline runs.
package taxonomy

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/Valecer/pricelistflow/internal/models"
)

// Store is the persistence boundary of the taxonomy. The review workflow and
// other pipeline runs write concurrently, so implementations must serialize
// creation per (parent, normalized name).
type Store interface {
	// ListChildren returns the active sibling categories under parentID
	// (empty for roots).
	ListChildren(ctx context.Context, parentID string) ([]models.Category, error)
	// GetOrCreate creates the category unless a sibling with the same
	// normalized name already exists, re-checking inside a transaction.
	// It returns the winning category and whether this call created it.
	GetOrCreate(ctx context.Context, c models.Category) (models.Category, bool, error)
}

// FirestoreStore persists categories as Firestore documents.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) ListChildren(ctx context.Context, parentID string) ([]models.Category, error) {
	query := s.client.Collection(s.collection).
		Where("parentId", "==", parentID).
		Where("isActive", "==", true)

	var out []models.Category
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list categories under %q: %w", parentID, err)
		}
		var c models.Category
		if err := doc.DataTo(&c); err != nil {
			return nil, fmt.Errorf("failed to decode category %s: %w", doc.Ref.ID, err)
		}
		c.ID = doc.Ref.ID
		out = append(out, c)
	}
	return out, nil
}

// GetOrCreate runs the fetch-or-create inside one transaction: the sibling
// list is re-checked after the lookup so two runs racing on the same
// (parent, name) converge on a single node.
func (s *FirestoreStore) GetOrCreate(ctx context.Context, c models.Category) (models.Category, bool, error) {
	coll := s.client.Collection(s.collection)
	var winner models.Category
	var created bool

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		query := coll.
			Where("parentId", "==", c.ParentID).
			Where("normalizedName", "==", c.NormalizedName).
			Limit(1)
		docs, err := tx.Documents(query).GetAll()
		if err != nil {
			return fmt.Errorf("failed to re-check siblings: %w", err)
		}
		if len(docs) > 0 {
			var existing models.Category
			if err := docs[0].DataTo(&existing); err != nil {
				return fmt.Errorf("failed to decode existing category: %w", err)
			}
			existing.ID = docs[0].Ref.ID
			winner = existing
			return nil
		}

		now := time.Now()
		c.CreatedAt = now
		c.UpdatedAt = now
		ref := coll.Doc(uuid.NewString())
		if err := tx.Create(ref, c); err != nil {
			return fmt.Errorf("failed to create category %q: %w", c.Name, err)
		}
		c.ID = ref.ID
		winner = c
		created = true
		return nil
	})
	if err != nil {
		return models.Category{}, false, err
	}
	return winner, created, nil
}
