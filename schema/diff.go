package schema

import (
	"encoding/json"
	"sort"
)

// StateStatus indicates how an object in a live schema relates to the same
// object in the expected schema.
type StateStatus string

const (
	// StateStatusNew is a live object the expected schema does not have.
	StateStatusNew StateStatus = "new"
	// StateStatusRemove is an expected object missing from the live schema.
	StateStatusRemove StateStatus = "remove"
	// StateStatusModified is an object present on both sides with differing definitions.
	StateStatusModified StateStatus = "modified"
	// StateStatusUnchanged is an object identical on both sides.
	StateStatusUnchanged StateStatus = "unchanged"
)

// DiffColumn is a column-level difference inside a modified table.
type DiffColumn struct {
	Name     string      `json:"name"`
	State    StateStatus `json:"state"`
	Expected *Column     `json:"expected,omitempty"`
	Live     *Column     `json:"live,omitempty"`
}

// DiffIndex is an index-level difference inside a modified table.
type DiffIndex struct {
	Name     string      `json:"name"`
	State    StateStatus `json:"state"`
	Expected *Index      `json:"expected,omitempty"`
	Live     *Index      `json:"live,omitempty"`
}

// DiffTable is the per-table entry of a schema diff.
type DiffTable struct {
	Name    string       `json:"name"`
	State   StateStatus  `json:"state"`
	Columns []DiffColumn `json:"columns,omitempty"`
	Indexes []DiffIndex  `json:"indexes,omitempty"`
}

// SchemaDiff is a structured comparison of an expected schema against a
// live one. Unchanged tables are omitted.
type SchemaDiff struct {
	Tables []DiffTable `json:"tables,omitempty"`
}

// HasChanges reports whether the two schemas differ at all.
func (d SchemaDiff) HasChanges() bool {
	return len(d.Tables) > 0
}

// TablesWithState returns the names of tables in the given state.
func (d SchemaDiff) TablesWithState(state StateStatus) []string {
	var names []string
	for _, t := range d.Tables {
		if t.State == state {
			names = append(names, t.Name)
		}
	}
	return names
}

// Diff compares the live schema against the expected one. Tables present
// only in live are "new", tables missing from live are "remove", tables on
// both sides with differing definitions are "modified" with column and
// index level detail attached.
func Diff(expected, live Snapshot) SchemaDiff {
	var d SchemaDiff

	names := map[string]struct{}{}
	for i := range expected.Tables {
		names[expected.Tables[i].Name] = struct{}{}
	}
	for i := range live.Tables {
		names[live.Tables[i].Name] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		et, eok := expected.Table(name)
		lt, lok := live.Table(name)
		switch {
		case eok && !lok:
			d.Tables = append(d.Tables, DiffTable{Name: name, State: StateStatusRemove})
		case !eok && lok:
			d.Tables = append(d.Tables, DiffTable{Name: name, State: StateStatusNew})
		default:
			if dt := diffTable(et, lt); dt.State == StateStatusModified {
				d.Tables = append(d.Tables, dt)
			}
		}
	}

	return d
}

func diffTable(expected, live *Table) DiffTable {
	dt := DiffTable{Name: expected.Name, State: StateStatusUnchanged}

	colNames := map[string]struct{}{}
	for i := range expected.Columns {
		colNames[expected.Columns[i].Name] = struct{}{}
	}
	for i := range live.Columns {
		colNames[live.Columns[i].Name] = struct{}{}
	}
	sortedCols := make([]string, 0, len(colNames))
	for n := range colNames {
		sortedCols = append(sortedCols, n)
	}
	sort.Strings(sortedCols)

	for _, name := range sortedCols {
		ec, eok := expected.Column(name)
		lc, lok := live.Column(name)
		switch {
		case eok && !lok:
			dt.Columns = append(dt.Columns, DiffColumn{Name: name, State: StateStatusRemove, Expected: copyColumn(ec)})
		case !eok && lok:
			dt.Columns = append(dt.Columns, DiffColumn{Name: name, State: StateStatusNew, Live: copyColumn(lc)})
		case *ec != *lc:
			dt.Columns = append(dt.Columns, DiffColumn{Name: name, State: StateStatusModified, Expected: copyColumn(ec), Live: copyColumn(lc)})
		}
	}

	idxNames := map[string]struct{}{}
	for i := range expected.Indexes {
		idxNames[expected.Indexes[i].Name] = struct{}{}
	}
	for i := range live.Indexes {
		idxNames[live.Indexes[i].Name] = struct{}{}
	}
	sortedIdx := make([]string, 0, len(idxNames))
	for n := range idxNames {
		sortedIdx = append(sortedIdx, n)
	}
	sort.Strings(sortedIdx)

	for _, name := range sortedIdx {
		ei, eok := expected.Index(name)
		li, lok := live.Index(name)
		switch {
		case eok && !lok:
			dt.Indexes = append(dt.Indexes, DiffIndex{Name: name, State: StateStatusRemove, Expected: copyIndex(ei)})
		case !eok && lok:
			dt.Indexes = append(dt.Indexes, DiffIndex{Name: name, State: StateStatusNew, Live: copyIndex(li)})
		case !indexEqual(ei, li):
			dt.Indexes = append(dt.Indexes, DiffIndex{Name: name, State: StateStatusModified, Expected: copyIndex(ei), Live: copyIndex(li)})
		}
	}

	// foreign keys participate through the table fingerprint
	if len(dt.Columns) > 0 || len(dt.Indexes) > 0 || !fkEqual(expected, live) {
		dt.State = StateStatusModified
	}

	return dt
}

func copyColumn(c *Column) *Column {
	out := *c
	return &out
}

func copyIndex(i *Index) *Index {
	out := *i
	out.Columns = append([]string(nil), i.Columns...)
	return &out
}

func indexEqual(a, b *Index) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func fkEqual(a, b *Table) bool {
	as := append([]ForeignKey(nil), a.ForeignKeys...)
	bs := append([]ForeignKey(nil), b.ForeignKeys...)
	sort.Slice(as, func(i, j int) bool { return as[i].Name < as[j].Name })
	sort.Slice(bs, func(i, j int) bool { return bs[i].Name < bs[j].Name })
	ab, _ := json.Marshal(as)
	bb, _ := json.Marshal(bs)
	return string(ab) == string(bb)
}
