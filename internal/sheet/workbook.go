// Package sheet loads supplier workbooks, decides which sheets hold product
// rows, and serializes them into textual tables for extraction.
package sheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Workbook wraps an open xlsx file.
type Workbook struct {
	f    *excelize.File
	path string
}

// Open loads a workbook from the staged local path.
func Open(path string) (*Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	return &Workbook{f: f, path: path}, nil
}

// FromFile wraps an already open excelize file. The caller keeps ownership of
// closing it.
func FromFile(f *excelize.File) *Workbook {
	return &Workbook{f: f}
}

func (w *Workbook) Close() error {
	return w.f.Close()
}

// Info is the per-sheet metadata the selector decides on.
type Info struct {
	Name     string
	DataRows int
	Header   []string
}

// Infos returns metadata for every sheet in workbook order.
func (w *Workbook) Infos() ([]Info, error) {
	names := w.f.GetSheetList()
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		grid, err := w.Grid(name)
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}
		info := Info{Name: name}
		if grid != nil {
			info.DataRows = len(grid.Rows)
			info.Header = grid.Header
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Row is one data row of a sheet with its original 1-based row index.
type Row struct {
	Index int
	Cells []string
}

// Grid is a rectangular view of one sheet with merged regions expanded: a
// merged cell's value is repeated into every cell it spans.
type Grid struct {
	SheetName string
	Header    []string
	HeaderRow int // 1-based sheet row the header came from
	Rows      []Row
}

// Grid materializes the named sheet. Returns nil for a sheet with no content.
func (w *Workbook) Grid(name string) (*Grid, error) {
	rows, err := w.f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	cells := make([][]string, len(rows))
	for i, r := range rows {
		padded := make([]string, width)
		copy(padded, r)
		cells[i] = padded
	}

	if err := expandMerges(w.f, name, cells); err != nil {
		return nil, err
	}

	headerIdx := firstNonEmptyRow(cells)
	if headerIdx < 0 {
		return nil, nil
	}

	grid := &Grid{
		SheetName: name,
		Header:    cells[headerIdx],
		HeaderRow: headerIdx + 1,
	}
	for i := headerIdx + 1; i < len(cells); i++ {
		if rowEmpty(cells[i]) {
			continue
		}
		grid.Rows = append(grid.Rows, Row{Index: i + 1, Cells: cells[i]})
	}
	return grid, nil
}

// expandMerges repeats each merged region's value into every cell it spans.
// Blank-with-inference schemes are more failure-prone for the consumer, so
// the value is always materialized.
func expandMerges(f *excelize.File, sheetName string, cells [][]string) error {
	merges, err := f.GetMergeCells(sheetName)
	if err != nil {
		return fmt.Errorf("failed to read merged cells: %w", err)
	}
	for _, m := range merges {
		startCol, startRow, err := excelize.CellNameToCoordinates(m.GetStartAxis())
		if err != nil {
			return fmt.Errorf("bad merge start axis %q: %w", m.GetStartAxis(), err)
		}
		endCol, endRow, err := excelize.CellNameToCoordinates(m.GetEndAxis())
		if err != nil {
			return fmt.Errorf("bad merge end axis %q: %w", m.GetEndAxis(), err)
		}
		value := m.GetCellValue()
		for r := startRow; r <= endRow && r <= len(cells); r++ {
			row := cells[r-1]
			for c := startCol; c <= endCol && c <= len(row); c++ {
				row[c-1] = value
			}
		}
	}
	return nil
}

func firstNonEmptyRow(cells [][]string) int {
	for i, row := range cells {
		if !rowEmpty(row) {
			return i
		}
	}
	return -1
}

func rowEmpty(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
