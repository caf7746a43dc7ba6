package sheet

import (
	"log/slog"
	"strings"

	"github.com/Valecer/pricelistflow/internal/models"
)

// Selector decides which sheets of a workbook actually contain product rows.
// The decision is pure: it only inspects already-loaded sheet metadata.
type Selector struct {
	priority  []string
	blocklist []string
}

// NewSelector builds a selector from the configured priority and blocklist
// sheet names. Both lists are matched case-insensitively.
func NewSelector(priority, blocklist []string) *Selector {
	return &Selector{
		priority:  normalizeAll(priority),
		blocklist: normalizeAll(blocklist),
	}
}

// Select returns the ordered list of sheet names to process, or empty when no
// sheet qualifies. A priority-name hit selects only that sheet; otherwise
// every non-empty sheet not matching the blocklist is selected. Sheets with
// zero data rows are always excluded.
func (s *Selector) Select(logCtx *slog.Logger, infos []Info) []string {
	if logCtx == nil {
		logCtx = slog.Default()
	}

	for _, info := range infos {
		if info.DataRows == 0 {
			continue
		}
		if s.matchesAny(info.Name, s.priority) {
			logCtx.Info("Sheet selection: priority sheet matched, selecting it exclusively.",
				"sheet", info.Name, "dataRows", info.DataRows)
			return []string{info.Name}
		}
	}

	var selected []string
	for _, info := range infos {
		if info.DataRows == 0 {
			logCtx.Info("Sheet selection: skipping empty sheet.", "sheet", info.Name)
			continue
		}
		if s.matchesAny(info.Name, s.blocklist) {
			logCtx.Info("Sheet selection: skipping blocklisted sheet.", "sheet", info.Name)
			continue
		}
		selected = append(selected, info.Name)
	}

	logCtx.Info("Sheet selection complete.", "selected", selected, "candidates", len(infos))
	return selected
}

// matchesAny reports whether the sheet name equals or contains one of the
// configured names after normalization.
func (s *Selector) matchesAny(name string, list []string) bool {
	normalized := models.NormalizeKey(name)
	for _, candidate := range list {
		if normalized == candidate || strings.Contains(normalized, candidate) {
			return true
		}
	}
	return false
}

func normalizeAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if n := models.NormalizeKey(item); n != "" {
			out = append(out, n)
		}
	}
	return out
}
