package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind enumerates the supported schema change variants.
type Kind string

const (
	KindAddTable       Kind = "add-table"
	KindDropTable      Kind = "drop-table"
	KindAddColumn      Kind = "add-column"
	KindAlterColumn    Kind = "alter-column"
	KindDropColumn     Kind = "drop-column"
	KindAddIndex       Kind = "add-index"
	KindDropIndex      Kind = "drop-index"
	KindAddForeignKey  Kind = "add-foreign-key"
	KindDropForeignKey Kind = "drop-foreign-key"
)

// Change is one schema mutation. Each variant carries a strongly typed
// payload; there is deliberately no raw-SQL escape hatch so that
// composition, diffing and conflict detection stay exhaustive.
type Change interface {
	Kind() Kind
	// TableName is the table the change touches; used for conflict
	// intersection.
	TableName() string
	apply(*Snapshot) error
}

// AddTable creates a new table.
type AddTable struct {
	Table Table `json:"table"`
}

func (c AddTable) Kind() Kind        { return KindAddTable }
func (c AddTable) TableName() string { return c.Table.Name }

func (c AddTable) apply(s *Snapshot) error {
	if c.Table.Name == "" {
		return fmt.Errorf("add-table: table name is empty")
	}
	if s.HasTable(c.Table.Name) {
		return fmt.Errorf("add-table: table %q already exists", c.Table.Name)
	}
	s.Tables = append(s.Tables, c.Table.clone())
	return nil
}

// DropTable removes a table.
type DropTable struct {
	Name string `json:"name"`
}

func (c DropTable) Kind() Kind        { return KindDropTable }
func (c DropTable) TableName() string { return c.Name }

func (c DropTable) apply(s *Snapshot) error {
	for i := range s.Tables {
		if s.Tables[i].Name == c.Name {
			s.Tables = append(s.Tables[:i], s.Tables[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("drop-table: table %q does not exist", c.Name)
}

// AddColumn appends a column to an existing table.
type AddColumn struct {
	Table  string `json:"table"`
	Column Column `json:"column"`
}

func (c AddColumn) Kind() Kind        { return KindAddColumn }
func (c AddColumn) TableName() string { return c.Table }

func (c AddColumn) apply(s *Snapshot) error {
	t, ok := s.Table(c.Table)
	if !ok {
		return fmt.Errorf("add-column: table %q does not exist", c.Table)
	}
	if _, ok := t.Column(c.Column.Name); ok {
		return fmt.Errorf("add-column: column %q already exists on table %q", c.Column.Name, c.Table)
	}
	t.Columns = append(t.Columns, c.Column)
	return nil
}

// AlterColumn replaces the definition of an existing column.
type AlterColumn struct {
	Table  string `json:"table"`
	Column Column `json:"column"`
}

func (c AlterColumn) Kind() Kind        { return KindAlterColumn }
func (c AlterColumn) TableName() string { return c.Table }

func (c AlterColumn) apply(s *Snapshot) error {
	t, ok := s.Table(c.Table)
	if !ok {
		return fmt.Errorf("alter-column: table %q does not exist", c.Table)
	}
	col, ok := t.Column(c.Column.Name)
	if !ok {
		return fmt.Errorf("alter-column: column %q does not exist on table %q", c.Column.Name, c.Table)
	}
	*col = c.Column
	return nil
}

// DropColumn removes a column from a table.
type DropColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

func (c DropColumn) Kind() Kind        { return KindDropColumn }
func (c DropColumn) TableName() string { return c.Table }

func (c DropColumn) apply(s *Snapshot) error {
	t, ok := s.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop-column: table %q does not exist", c.Table)
	}
	for i := range t.Columns {
		if t.Columns[i].Name == c.Column {
			t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("drop-column: column %q does not exist on table %q", c.Column, c.Table)
}

// AddIndex creates an index on an existing table.
type AddIndex struct {
	Table string `json:"table"`
	Index Index  `json:"index"`
}

func (c AddIndex) Kind() Kind        { return KindAddIndex }
func (c AddIndex) TableName() string { return c.Table }

func (c AddIndex) apply(s *Snapshot) error {
	t, ok := s.Table(c.Table)
	if !ok {
		return fmt.Errorf("add-index: table %q does not exist", c.Table)
	}
	if _, ok := t.Index(c.Index.Name); ok {
		return fmt.Errorf("add-index: index %q already exists on table %q", c.Index.Name, c.Table)
	}
	for _, col := range c.Index.Columns {
		if _, ok := t.Column(col); !ok {
			return fmt.Errorf("add-index: column %q does not exist on table %q", col, c.Table)
		}
	}
	t.Indexes = append(t.Indexes, c.Index)
	return nil
}

// DropIndex removes an index from a table.
type DropIndex struct {
	Table string `json:"table"`
	Name  string `json:"name"`
}

func (c DropIndex) Kind() Kind        { return KindDropIndex }
func (c DropIndex) TableName() string { return c.Table }

func (c DropIndex) apply(s *Snapshot) error {
	t, ok := s.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop-index: table %q does not exist", c.Table)
	}
	for i := range t.Indexes {
		if t.Indexes[i].Name == c.Name {
			t.Indexes = append(t.Indexes[:i], t.Indexes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("drop-index: index %q does not exist on table %q", c.Name, c.Table)
}

// AddForeignKey creates a referential constraint on an existing table.
type AddForeignKey struct {
	Table      string     `json:"table"`
	ForeignKey ForeignKey `json:"foreignKey"`
}

func (c AddForeignKey) Kind() Kind        { return KindAddForeignKey }
func (c AddForeignKey) TableName() string { return c.Table }

func (c AddForeignKey) apply(s *Snapshot) error {
	t, ok := s.Table(c.Table)
	if !ok {
		return fmt.Errorf("add-foreign-key: table %q does not exist", c.Table)
	}
	if _, ok := t.ForeignKey(c.ForeignKey.Name); ok {
		return fmt.Errorf("add-foreign-key: foreign key %q already exists on table %q", c.ForeignKey.Name, c.Table)
	}
	if !s.HasTable(c.ForeignKey.RefTable) {
		return fmt.Errorf("add-foreign-key: referenced table %q does not exist", c.ForeignKey.RefTable)
	}
	t.ForeignKeys = append(t.ForeignKeys, c.ForeignKey)
	return nil
}

// DropForeignKey removes a referential constraint from a table.
type DropForeignKey struct {
	Table string `json:"table"`
	Name  string `json:"name"`
}

func (c DropForeignKey) Kind() Kind        { return KindDropForeignKey }
func (c DropForeignKey) TableName() string { return c.Table }

func (c DropForeignKey) apply(s *Snapshot) error {
	t, ok := s.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop-foreign-key: table %q does not exist", c.Table)
	}
	for i := range t.ForeignKeys {
		if t.ForeignKeys[i].Name == c.Name {
			t.ForeignKeys = append(t.ForeignKeys[:i], t.ForeignKeys[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("drop-foreign-key: foreign key %q does not exist on table %q", c.Name, c.Table)
}

// destructive reports whether a change kind can lose data or break
// dependents; used for risk classification.
func destructive(k Kind) bool {
	switch k {
	case KindDropTable, KindDropColumn, KindAlterColumn, KindDropForeignKey:
		return true
	default:
		return false
	}
}

// ChangeSet is an ordered list of changes applied as one unit.
type ChangeSet []Change

// Apply mutates s by applying every change in order. On error s may be
// partially mutated; callers that need all-or-nothing semantics apply to a
// clone and swap on success.
func (cs ChangeSet) Apply(s *Snapshot) error {
	for i, c := range cs {
		if err := c.apply(s); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}

// ApplyTo returns a new snapshot with the change set applied to a copy of
// base; base itself is never mutated.
func (cs ChangeSet) ApplyTo(base Snapshot) (Snapshot, error) {
	next := base.Clone()
	if err := cs.Apply(&next); err != nil {
		return Snapshot{}, err
	}
	return next, nil
}

// AffectedTables returns the sorted, de-duplicated set of table names the
// change set touches.
func (cs ChangeSet) AffectedTables() []string {
	seen := map[string]struct{}{}
	for _, c := range cs {
		seen[c.TableName()] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasDestructive reports whether the change set contains any change that
// can lose data.
func (cs ChangeSet) HasDestructive() bool {
	for _, c := range cs {
		if destructive(c.Kind()) {
			return true
		}
	}
	return false
}

// changeEnvelope is the JSON shape of one change: a kind tag plus the
// variant payload.
type changeEnvelope struct {
	Kind Kind            `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

// MarshalJSON encodes the change set as tagged envelopes.
func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	envs := make([]changeEnvelope, 0, len(cs))
	for _, c := range cs {
		spec, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		envs = append(envs, changeEnvelope{Kind: c.Kind(), Spec: spec})
	}
	return json.Marshal(envs)
}

// UnmarshalJSON decodes tagged envelopes, dispatching on the kind tag.
func (cs *ChangeSet) UnmarshalJSON(b []byte) error {
	var envs []changeEnvelope
	if err := json.Unmarshal(b, &envs); err != nil {
		return err
	}

	out := make(ChangeSet, 0, len(envs))
	for _, env := range envs {
		var c Change
		switch env.Kind {
		case KindAddTable:
			c = &AddTable{}
		case KindDropTable:
			c = &DropTable{}
		case KindAddColumn:
			c = &AddColumn{}
		case KindAlterColumn:
			c = &AlterColumn{}
		case KindDropColumn:
			c = &DropColumn{}
		case KindAddIndex:
			c = &AddIndex{}
		case KindDropIndex:
			c = &DropIndex{}
		case KindAddForeignKey:
			c = &AddForeignKey{}
		case KindDropForeignKey:
			c = &DropForeignKey{}
		default:
			return fmt.Errorf("unknown change kind %q", env.Kind)
		}
		if err := json.Unmarshal(env.Spec, c); err != nil {
			return err
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}
