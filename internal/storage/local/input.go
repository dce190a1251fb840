package local

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
)

// ReadEntities loads the input table. It needs id and name columns; every
// row must carry both, and ids must be unique. Blank rows are skipped.
func ReadEntities(path string) ([]harvest.Entity, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	idCol, nameCol := t.Column(colID), t.Column(colName)
	if idCol < 0 || nameCol < 0 {
		return nil, fmt.Errorf("%s: input needs %q and %q columns", path, colID, colName)
	}
	seen := make(map[string]int, len(t.Rows))
	out := make([]harvest.Entity, 0, len(t.Rows))
	for n, row := range t.Rows {
		line := n + 2
		id := strings.TrimSpace(cell(row, idCol))
		name := strings.TrimSpace(cell(row, nameCol))
		if id == "" && name == "" {
			continue
		}
		if id == "" {
			return nil, fmt.Errorf("%s row %d: id is empty", path, line)
		}
		if name == "" {
			return nil, fmt.Errorf("%s row %d: name is empty for id %s", path, line, id)
		}
		if first, dup := seen[id]; dup {
			return nil, fmt.Errorf("%s row %d: duplicate id %s (first on row %d)", path, line, id, first)
		}
		seen[id] = line
		out = append(out, harvest.Entity{ID: id, Name: name})
	}
	return out, nil
}
