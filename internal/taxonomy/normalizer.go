package taxonomy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/Valecer/pricelistflow/internal/models"
)

// Normalizer maps extracted category paths onto concrete taxonomy nodes,
// creating review-flagged nodes where no sufficiently similar sibling exists.
type Normalizer struct {
	store     Store
	threshold int
	// cache holds sibling lists per parent for the fuzzy lookup. It is a
	// read cache only; it is dropped for a parent after every creation and
	// never trusted across runs.
	cache *lru.Cache[string, []models.Category]
}

// Resolution is the outcome of resolving one full category path.
type Resolution struct {
	LeafID  string
	Matches []models.CategoryMatchResult
	Logs    []models.ParsingLogEntry
}

// NewNormalizer builds a normalizer with the given similarity threshold
// (0-100) and sibling-cache capacity.
func NewNormalizer(store Store, threshold, cacheSize int) (*Normalizer, error) {
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("similarity threshold must be within [0, 100], got %d", threshold)
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, []models.Category](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build sibling cache: %w", err)
	}
	return &Normalizer{store: store, threshold: threshold, cache: cache}, nil
}

// ResolvePath walks the path level by level from the root. Each level either
// fuzzy-matches an existing sibling or creates a new node under the already
// resolved parent, so a parent always exists strictly before its child and no
// orphan can be produced. A creation conflict is retried once, then the
// product falls back to the uncategorized node instead of blocking the file.
func (n *Normalizer) ResolvePath(ctx context.Context, jobID string, supplierID int64, path []string) (*Resolution, error) {
	res := &Resolution{}
	parentID := ""

	for _, rawLevel := range path {
		name := models.NormalizeWhitespace(rawLevel)
		if name == "" {
			continue
		}

		match, err := n.resolveLevel(ctx, parentID, name, supplierID)
		if err != nil {
			// Retry once: the conflict is usually another run creating the
			// same node, which the transactional re-check then resolves.
			match, err = n.resolveLevel(ctx, parentID, name, supplierID)
		}
		if err != nil {
			slog.Warn("Category resolution conflict; falling back to uncategorized.",
				"jobId", jobID, "level", name, "parentId", parentID, "error", err)
			res.Logs = append(res.Logs, models.ParsingLogEntry{
				JobID:     jobID,
				ErrorKind: models.ErrorKindCategoryConflict,
				Message:   fmt.Sprintf("failed to resolve category %q under parent %q: %v", name, parentID, err),
				CreatedAt: time.Now(),
			})
			fallback, ferr := n.Uncategorized(ctx, supplierID)
			if ferr != nil {
				return nil, fmt.Errorf("failed to resolve fallback category: %w", ferr)
			}
			res.Matches = append(res.Matches, models.CategoryMatchResult{
				ExtractedName:    name,
				MatchedID:        fallback.ID,
				Action:           models.CategorySkipped,
				NeedsReview:      true,
				ResolvedParentID: parentID,
			})
			res.LeafID = fallback.ID
			return res, nil
		}

		res.Matches = append(res.Matches, match)
		parentID = match.MatchedID
		res.LeafID = match.MatchedID
	}

	return res, nil
}

// resolveLevel matches one path level against the siblings under parentID or
// creates a new review-flagged node.
func (n *Normalizer) resolveLevel(ctx context.Context, parentID, name string, supplierID int64) (models.CategoryMatchResult, error) {
	siblings, err := n.siblings(ctx, parentID)
	if err != nil {
		return models.CategoryMatchResult{}, err
	}

	normalized := models.NormalizeKey(name)
	bestScore := -1
	var best models.Category
	for _, sibling := range siblings {
		score := fuzzy.TokenSortRatio(normalized, sibling.NormalizedName)
		if score > bestScore {
			bestScore = score
			best = sibling
		}
	}

	if bestScore >= n.threshold && best.ID != "" {
		return models.CategoryMatchResult{
			ExtractedName:    name,
			MatchedID:        best.ID,
			SimilarityScore:  bestScore,
			Action:           models.CategoryMatched,
			NeedsReview:      best.NeedsReview,
			ResolvedParentID: parentID,
		}, nil
	}

	winner, created, err := n.store.GetOrCreate(ctx, models.Category{
		Name:             name,
		NormalizedName:   normalized,
		ParentID:         parentID,
		NeedsReview:      true,
		IsActive:         true,
		OriginSupplierID: supplierID,
	})
	if err != nil {
		return models.CategoryMatchResult{}, err
	}
	// Sibling list changed (or another run changed it); never match against
	// the stale snapshot within this run.
	n.cache.Remove(parentID)

	action := models.CategoryCreated
	score := bestScore
	if !created {
		// Lost the race: another run created the node first.
		action = models.CategoryMatched
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return models.CategoryMatchResult{
		ExtractedName:    name,
		MatchedID:        winner.ID,
		SimilarityScore:  score,
		Action:           action,
		NeedsReview:      winner.NeedsReview,
		ResolvedParentID: parentID,
	}, nil
}

// Uncategorized fetches or creates the reserved fallback root node.
func (n *Normalizer) Uncategorized(ctx context.Context, supplierID int64) (models.Category, error) {
	winner, _, err := n.store.GetOrCreate(ctx, models.Category{
		Name:             models.UncategorizedName,
		NormalizedName:   models.NormalizeKey(models.UncategorizedName),
		ParentID:         "",
		NeedsReview:      true,
		IsActive:         true,
		OriginSupplierID: supplierID,
	})
	if err != nil {
		return models.Category{}, err
	}
	n.cache.Remove("")
	return winner, nil
}

// ResetCache drops every cached sibling list. The orchestrator calls it at
// the start of each run so mutations by the review workflow and by other
// runs are picked up instead of trusting state cached from a previous run.
func (n *Normalizer) ResetCache() {
	n.cache.Purge()
}

func (n *Normalizer) siblings(ctx context.Context, parentID string) ([]models.Category, error) {
	if cached, ok := n.cache.Get(parentID); ok {
		return cached, nil
	}
	siblings, err := n.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	n.cache.Add(parentID, siblings)
	return siblings, nil
}
