package sheet

import "strings"

// DataLine is one serialized data row along with its source row index.
type DataLine struct {
	Row  int
	Text string
}

// SerializedTable is a layout-preserving pipe-delimited rendering of one
// sheet. Column order and count are preserved from the source.
type SerializedTable struct {
	SheetName   string
	HeaderLine  string
	DividerLine string
	DataLines   []DataLine
}

// Serialize renders a grid as a pipe-delimited table. The header row is
// distinguished from data rows by a divider line. Merged-region values have
// already been repeated into every spanned cell by the grid loader.
func Serialize(g *Grid) *SerializedTable {
	if g == nil {
		return nil
	}

	t := &SerializedTable{
		SheetName:   g.SheetName,
		HeaderLine:  renderRow(g.Header),
		DividerLine: renderDivider(len(g.Header)),
	}
	for _, row := range g.Rows {
		t.DataLines = append(t.DataLines, DataLine{Row: row.Index, Text: renderRow(row.Cells)})
	}
	return t
}

// String renders the full table, header first.
func (t *SerializedTable) String() string {
	var b strings.Builder
	b.WriteString(t.HeaderLine)
	b.WriteByte('\n')
	b.WriteString(t.DividerLine)
	b.WriteByte('\n')
	for _, line := range t.DataLines {
		b.WriteString(line.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func renderRow(cells []string) string {
	var b strings.Builder
	b.WriteString("|")
	for _, cell := range cells {
		b.WriteString(" ")
		// A literal pipe inside a cell would corrupt the table layout.
		b.WriteString(strings.ReplaceAll(cell, "|", "¦"))
		b.WriteString(" |")
	}
	return b.String()
}

func renderDivider(columns int) string {
	var b strings.Builder
	b.WriteString("|")
	for i := 0; i < columns; i++ {
		b.WriteString(" --- |")
	}
	return b.String()
}
