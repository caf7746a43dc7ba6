package sheet

import (
	"reflect"
	"testing"
)

func TestSelectorSelect(t *testing.T) {
	priority := []string{"upload", "для загрузки"}
	blocklist := []string{"instructions", "readme", "contacts"}

	tests := []struct {
		name  string
		infos []Info
		want  []string
	}{
		{
			name: "priority sheet selected exclusively",
			infos: []Info{
				{Name: "Каталог", DataRows: 120},
				{Name: "Upload", DataRows: 40},
				{Name: "Contacts", DataRows: 3},
			},
			want: []string{"Upload"},
		},
		{
			name: "priority match is case-insensitive and substring",
			infos: []Info{
				{Name: "Прайс для загрузки 2026", DataRows: 10},
				{Name: "Sheet1", DataRows: 99},
			},
			want: []string{"Прайс для загрузки 2026"},
		},
		{
			name: "empty priority sheet does not win",
			infos: []Info{
				{Name: "Upload", DataRows: 0},
				{Name: "Products", DataRows: 55},
			},
			want: []string{"Products"},
		},
		{
			name: "blocklisted and empty sheets skipped",
			infos: []Info{
				{Name: "Instructions", DataRows: 12},
				{Name: "Products", DataRows: 55},
				{Name: "Archive", DataRows: 0},
				{Name: "Spare parts", DataRows: 7},
			},
			want: []string{"Products", "Spare parts"},
		},
		{
			name: "nothing eligible",
			infos: []Info{
				{Name: "README", DataRows: 4},
				{Name: "Empty", DataRows: 0},
			},
			want: nil,
		},
		{
			name:  "no sheets at all",
			infos: nil,
			want:  nil,
		},
	}

	s := NewSelector(priority, blocklist)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Select(nil, tt.infos)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectorPreservesWorkbookOrder(t *testing.T) {
	s := NewSelector(nil, nil)
	infos := []Info{
		{Name: "B", DataRows: 1},
		{Name: "A", DataRows: 1},
		{Name: "C", DataRows: 1},
	}
	got := s.Select(nil, infos)
	want := []string{"B", "A", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Select() = %v, want workbook order %v", got, want)
	}
}
