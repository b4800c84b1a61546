// Package schema provides the structured schema snapshot model: a database
// schema as data (tables, columns, indexes, foreign keys), typed change
// sets over it, and snapshot diffing. Everything in here is pure; nothing
// touches a live database.
package schema

import (
	"encoding/json"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Column describes a single table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
	Default  string `json:"default,omitempty"`
}

// Index describes an index over one or more columns.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// ForeignKey describes a referential constraint.
type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"refTable"`
	RefColumns []string `json:"refColumns"`
}

// Table describes one table. Column order is the declared DDL order and is
// preserved; it is part of a table's identity for diffing purposes.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	Indexes     []Index      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreignKeys,omitempty"`
}

// Column returns the column with the given name.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Index returns the index with the given name.
func (t *Table) Index(name string) (*Index, bool) {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

// ForeignKey returns the foreign key with the given name.
func (t *Table) ForeignKey(name string) (*ForeignKey, bool) {
	for i := range t.ForeignKeys {
		if t.ForeignKeys[i].Name == name {
			return &t.ForeignKeys[i], true
		}
	}
	return nil, false
}

func (t *Table) clone() Table {
	out := Table{Name: t.Name}
	out.Columns = append([]Column(nil), t.Columns...)
	for _, idx := range t.Indexes {
		c := idx
		c.Columns = append([]string(nil), idx.Columns...)
		out.Indexes = append(out.Indexes, c)
	}
	for _, fk := range t.ForeignKeys {
		c := fk
		c.Columns = append([]string(nil), fk.Columns...)
		c.RefColumns = append([]string(nil), fk.RefColumns...)
		out.ForeignKeys = append(out.ForeignKeys, c)
	}
	return out
}

// Snapshot is a structured description of an entire database schema.
//
// The zero value is a valid empty schema.
type Snapshot struct {
	Tables []Table `json:"tables,omitempty"`
}

// Table returns the table with the given name.
func (s *Snapshot) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// HasTable reports whether a table with the given name exists.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

// TableNames returns the sorted names of all tables.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for i := range s.Tables {
		names = append(names, s.Tables[i].Name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{}
	for i := range s.Tables {
		out.Tables = append(out.Tables, s.Tables[i].clone())
	}
	return out
}

// normalize sorts tables by name. Column order within a table is preserved.
func (s *Snapshot) normalize() {
	sort.Slice(s.Tables, func(i, j int) bool {
		return s.Tables[i].Name < s.Tables[j].Name
	})
	for i := range s.Tables {
		t := &s.Tables[i]
		sort.Slice(t.Indexes, func(a, b int) bool { return t.Indexes[a].Name < t.Indexes[b].Name })
		sort.Slice(t.ForeignKeys, func(a, b int) bool { return t.ForeignKeys[a].Name < t.ForeignKeys[b].Name })
	}
}

// Fingerprint returns a stable hash of the normalized snapshot. Two
// snapshots describing the same schema always fingerprint identically,
// regardless of table declaration order.
func (s Snapshot) Fingerprint() uint64 {
	n := s.Clone()
	n.normalize()
	b, err := json.Marshal(n)
	if err != nil {
		// Snapshot contains only marshalable fields.
		panic(err)
	}
	return xxhash.Sum64(b)
}

// Equal reports whether two snapshots describe the same schema.
func Equal(a, b Snapshot) bool {
	return a.Fingerprint() == b.Fingerprint()
}
