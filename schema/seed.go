package schema

import (
	"fmt"
	"sort"
)

// SeedRow is one row of default data destined for a table.
type SeedRow struct {
	Table  string                 `json:"table"`
	Values map[string]interface{} `json:"values"`
}

// SeedSet is an ordered collection of seed rows. Order is preserved so
// rows referencing earlier rows insert cleanly.
type SeedSet []SeedRow

// Tables returns the sorted, de-duplicated table names seeded by the set.
func (ss SeedSet) Tables() []string {
	seen := map[string]struct{}{}
	for _, r := range ss {
		seen[r.Table] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks every seed row against the snapshot: the target table
// must exist and every value must name one of its columns.
func (ss SeedSet) Validate(s Snapshot) error {
	for i, r := range ss {
		t, ok := s.Table(r.Table)
		if !ok {
			return fmt.Errorf("seed row %d: table %q does not exist", i, r.Table)
		}
		for col := range r.Values {
			if _, ok := t.Column(col); !ok {
				return fmt.Errorf("seed row %d: column %q does not exist on table %q", i, col, r.Table)
			}
		}
	}
	return nil
}
