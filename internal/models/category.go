package models

import "time"

// UncategorizedName is the reserved fallback node products are assigned to
// when taxonomy writes keep conflicting.
const UncategorizedName = "Uncategorized"

// Category is one node of the self-referencing taxonomy tree. An empty
// ParentID marks a root node. Parents are always resolved before their
// children are created, so no node can be its own ancestor.
type Category struct {
	ID               string    `firestore:"-" json:"id"`
	Name             string    `firestore:"name" json:"name"`
	NormalizedName   string    `firestore:"normalizedName" json:"normalized_name"`
	ParentID         string    `firestore:"parentId" json:"parent_id,omitempty"`
	NeedsReview      bool      `firestore:"needsReview" json:"needs_review"`
	IsActive         bool      `firestore:"isActive" json:"is_active"`
	OriginSupplierID int64     `firestore:"originSupplierId,omitempty" json:"origin_supplier_id,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt" json:"created_at"`
	UpdatedAt        time.Time `firestore:"updatedAt" json:"updated_at"`
}

// CategoryAction describes how one level of an extracted path was resolved.
type CategoryAction string

const (
	CategoryMatched CategoryAction = "matched"
	CategoryCreated CategoryAction = "created"
	CategorySkipped CategoryAction = "skipped"
)

// CategoryMatchResult records the resolution of a single path level for
// auditing.
type CategoryMatchResult struct {
	ExtractedName    string         `json:"extracted_name"`
	MatchedID        string         `json:"matched_id,omitempty"`
	SimilarityScore  int            `json:"similarity_score"`
	Action           CategoryAction `json:"action"`
	NeedsReview      bool           `json:"needs_review"`
	ResolvedParentID string         `json:"resolved_parent_id,omitempty"`
}
