package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// RowRef points back at the source row of an extracted record so a failed or
// dropped row can be located and fixed by hand.
type RowRef struct {
	SheetName string   `firestore:"sheetName" json:"sheet_name"`
	RowIndex  int      `firestore:"rowIndex" json:"row_index"` // 1-based row in the source sheet
	RawCells  []string `firestore:"rawCells,omitempty" json:"raw_cells,omitempty"`
}

// ExtractedProduct is one validated product record produced by the extraction
// stage. A record missing Name or PricePrimary never reaches this type; it is
// rejected during validation.
type ExtractedProduct struct {
	Name                string           `firestore:"name" json:"name"`
	Description         string           `firestore:"description,omitempty" json:"description,omitempty"`
	PricePrimary        decimal.Decimal  `firestore:"pricePrimary" json:"price_primary"`
	PriceSecondary      *decimal.Decimal `firestore:"priceSecondary,omitempty" json:"price_secondary,omitempty"`
	CategoryPath        []string         `firestore:"categoryPath,omitempty" json:"category_path,omitempty"`
	CategoryID          string           `firestore:"categoryId,omitempty" json:"category_id,omitempty"`
	SupplierID          int64            `firestore:"supplierId" json:"supplier_id"`
	JobID               string           `firestore:"jobId" json:"job_id"`
	Row                 RowRef           `firestore:"row" json:"row"`
	ChunkIndex          int              `firestore:"chunkIndex" json:"chunk_index"`
	NeedsCurrencyReview bool             `firestore:"needsCurrencyReview,omitempty" json:"needs_currency_review,omitempty"`
}

// ExtractionResult aggregates the outcome of extracting every selected sheet
// of one file.
type ExtractionResult struct {
	Products          []ExtractedProduct
	SheetNames        []string
	TotalRows         int
	SuccessfulCount   int
	FailedCount       int
	DuplicatesRemoved int
}

// SuccessRate returns successful/total, or 0 when no rows were seen.
func (r *ExtractionResult) SuccessRate() float64 {
	if r.TotalRows == 0 {
		return 0
	}
	return float64(r.SuccessfulCount) / float64(r.TotalRows)
}

// Status derives the terminal job status from the success rate: 1.0 is
// complete, [minSuccessRate, 1.0) is completed_with_errors, below is failed.
func (r *ExtractionResult) Status(minSuccessRate float64) JobStatus {
	rate := r.SuccessRate()
	switch {
	case rate == 1.0:
		return StatusComplete
	case rate >= minSuccessRate:
		return StatusCompletedWithErrors
	default:
		return StatusFailed
	}
}

// NormalizeWhitespace trims and collapses internal runs of whitespace.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeKey builds the case-insensitive, whitespace-collapsed key used for
// duplicate detection and category sibling lookups.
func NormalizeKey(s string) string {
	return strings.ToLower(NormalizeWhitespace(s))
}
