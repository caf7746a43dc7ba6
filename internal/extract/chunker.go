// Package extract turns serialized sheet tables into validated product
// records by driving the inference model over overlapping row windows.
package extract

import "github.com/Valecer/pricelistflow/internal/sheet"

// Window is one contiguous slice of table rows sent to the inference model in
// a single call. Adjacent windows overlap so a product near a boundary is
// seen by both; the occurrence from the earlier window wins downstream.
type Window struct {
	Index int
	Lines []sheet.DataLine
	// OverlapWithPrev counts the leading lines shared with the previous
	// window. A failed window only charges the rows it was first to own.
	OverlapWithPrev int
}

// OwnedRows is the number of rows this window was the first to cover.
func (w Window) OwnedRows() int {
	return len(w.Lines) - w.OverlapWithPrev
}

// SplitWindows cuts the data lines into fixed-size windows advancing by
// size-overlap each step. Rows are never split; the final window may be
// shorter.
func SplitWindows(lines []sheet.DataLine, size, overlap int) []Window {
	if len(lines) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(lines)
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	step := size - overlap
	var windows []Window
	prevEnd := 0
	for start := 0; ; start += step {
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		w := Window{Index: len(windows), Lines: lines[start:end]}
		if len(windows) > 0 && prevEnd > start {
			w.OverlapWithPrev = prevEnd - start
		}
		windows = append(windows, w)
		prevEnd = end
		if end == len(lines) {
			break
		}
	}
	return windows
}
