// Package dedupe removes redundant product records produced within a single
// file run.
package dedupe

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/Valecer/pricelistflow/internal/models"
)

// Result is the deduplicated record set plus what was dropped and why.
type Result struct {
	Products []models.ExtractedProduct
	Removed  int
	Warnings []string
}

// Deduplicate groups records by normalized name in original file order. A
// group whose primary prices all sit within tolerance (relative, e.g. 0.01
// for 1%) keeps only its first occurrence; a group with diverging prices is
// kept whole and flagged, so distinct SKUs sharing a display name survive.
// The operation is idempotent: running it on its own output removes nothing.
func Deduplicate(products []models.ExtractedProduct, tolerance float64) Result {
	type group struct {
		first   int // index of first occurrence, for stable output order
		indices []int
	}

	groups := make(map[string]*group)
	order := make([]string, 0)
	for i, p := range products {
		key := models.NormalizeKey(p.Name)
		g, ok := groups[key]
		if !ok {
			g = &group{first: i}
			groups[key] = g
			order = append(order, key)
		}
		g.indices = append(g.indices, i)
	}

	tol := decimal.NewFromFloat(tolerance)
	keep := make([]bool, len(products))
	var res Result

	for _, key := range order {
		g := groups[key]
		if len(g.indices) == 1 {
			keep[g.indices[0]] = true
			continue
		}
		if pricesWithinTolerance(products, g.indices, tol) {
			keep[g.indices[0]] = true
			res.Removed += len(g.indices) - 1
			continue
		}
		for _, idx := range g.indices {
			keep[idx] = true
		}
		warning := fmt.Sprintf("name %q appears %d times with prices diverging beyond tolerance; keeping all occurrences", products[g.indices[0]].Name, len(g.indices))
		res.Warnings = append(res.Warnings, warning)
		slog.Warn("Duplicate names with diverging prices kept.",
			"name", products[g.indices[0]].Name, "occurrences", len(g.indices))
	}

	res.Products = make([]models.ExtractedProduct, 0, len(products))
	for i, p := range products {
		if keep[i] {
			res.Products = append(res.Products, p)
		}
	}
	return res
}

// pricesWithinTolerance reports whether the price spread of the group stays
// within tolerance of the group's minimum price.
func pricesWithinTolerance(products []models.ExtractedProduct, indices []int, tol decimal.Decimal) bool {
	min := products[indices[0]].PricePrimary
	max := min
	for _, idx := range indices[1:] {
		p := products[idx].PricePrimary
		if p.LessThan(min) {
			min = p
		}
		if p.GreaterThan(max) {
			max = p
		}
	}
	if min.IsZero() {
		return max.IsZero()
	}
	spread := max.Sub(min)
	return spread.LessThanOrEqual(min.Mul(tol))
}
