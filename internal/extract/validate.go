package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Valecer/pricelistflow/internal/models"
)

const maxNameLength = 500

// wireRecord is the per-record JSON contract of the inference response.
// Optional fields are pointers so "missing" and "empty" stay distinct.
type wireRecord struct {
	Name            *string  `json:"name" validate:"required"`
	Description     *string  `json:"description"`
	PricePrimary    *string  `json:"price_primary" validate:"required"`
	PriceSecondary  *string  `json:"price_secondary"`
	CategoryPath    []string `json:"category_path"`
	SourceRow       int      `json:"source_row" validate:"required"`
	ForeignCurrency bool     `json:"foreign_currency"`
	SplitConfidence *float64 `json:"split_confidence"`
}

// validateRecord converts one wire record into an ExtractedProduct, or
// returns the parsing-log entry explaining its rejection.
func (e *Extractor) validateRecord(jobID, sheetName string, chunkIndex int, rec wireRecord, rawLines map[int]string) (*models.ExtractedProduct, *models.ParsingLogEntry) {
	rowRef := &models.RowRef{SheetName: sheetName, RowIndex: rec.SourceRow}
	if raw, ok := rawLines[rec.SourceRow]; ok {
		rowRef.RawCells = splitRawLine(raw)
	}

	reject := func(kind models.ErrorKind, message string) *models.ParsingLogEntry {
		return &models.ParsingLogEntry{
			JobID:        jobID,
			ChunkIndex:   chunkIndex,
			RowReference: rowRef,
			ErrorKind:    kind,
			Message:      message,
			RawPayload:   rawLines[rec.SourceRow],
			CreatedAt:    time.Now(),
		}
	}

	if err := e.validate.Struct(rec); err != nil {
		return nil, reject(models.ErrorKindRejectedField, fmt.Sprintf("record failed schema validation: %v", err))
	}

	name := models.NormalizeWhitespace(*rec.Name)
	if name == "" {
		return nil, reject(models.ErrorKindRejectedField, "record has an empty name after normalization")
	}
	if len(name) > maxNameLength {
		return nil, reject(models.ErrorKindValidation, fmt.Sprintf("name exceeds %d characters", maxNameLength))
	}

	pricePrimary, err := parsePrice(*rec.PricePrimary)
	if err != nil {
		return nil, reject(models.ErrorKindRejectedField, fmt.Sprintf("primary price unparseable: %v", err))
	}
	if pricePrimary.IsNegative() {
		return nil, reject(models.ErrorKindValidation, "primary price is negative")
	}

	product := &models.ExtractedProduct{
		Name:                name,
		PricePrimary:        pricePrimary.Round(2),
		Row:                 *rowRef,
		ChunkIndex:          chunkIndex,
		NeedsCurrencyReview: rec.ForeignCurrency,
	}

	if rec.Description != nil {
		product.Description = models.NormalizeWhitespace(*rec.Description)
	}
	if rec.PriceSecondary != nil && *rec.PriceSecondary != "" {
		secondary, err := parsePrice(*rec.PriceSecondary)
		if err != nil || secondary.IsNegative() {
			return nil, reject(models.ErrorKindValidation, "secondary price invalid")
		}
		rounded := secondary.Round(2)
		product.PriceSecondary = &rounded
	}
	for _, level := range rec.CategoryPath {
		if trimmed := models.NormalizeWhitespace(level); trimmed != "" {
			product.CategoryPath = append(product.CategoryPath, trimmed)
		}
	}

	return product, nil
}

// newRecordValidator builds the shared validator instance.
func newRecordValidator() *validator.Validate {
	return validator.New()
}

// parsePrice accepts the plain decimal strings the prompt demands, tolerating
// stray whitespace and thousands separators the model occasionally leaves in.
func parsePrice(raw string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if strings.Contains(cleaned, ".") {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	} else {
		// A lone comma is a decimal separator in many supplier locales.
		if strings.Count(cleaned, ",") == 1 {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("empty price")
	}
	return decimal.NewFromString(cleaned)
}

func splitRawLine(line string) []string {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(line), "|"), "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
