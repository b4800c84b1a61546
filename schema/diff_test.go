package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffIdenticalSchemas(t *testing.T) {
	s := Snapshot{Tables: []Table{usersTable()}}
	d := Diff(s, s.Clone())
	assert.False(t, d.HasChanges())
}

func TestDiffTableStates(t *testing.T) {
	expected := Snapshot{Tables: []Table{
		usersTable(),
		{Name: "orders", Columns: []Column{{Name: "id", Type: "bigint"}}},
	}}
	live := Snapshot{Tables: []Table{
		usersTable(),
		{Name: "notes", Columns: []Column{{Name: "id", Type: "bigint"}}},
	}}

	d := Diff(expected, live)
	assert.Equal(t, []string{"notes"}, d.TablesWithState(StateStatusNew))
	assert.Equal(t, []string{"orders"}, d.TablesWithState(StateStatusRemove))
	assert.Empty(t, d.TablesWithState(StateStatusModified))
}

func TestDiffModifiedTableDetail(t *testing.T) {
	expected := Snapshot{Tables: []Table{usersTable()}}

	live := expected.Clone()
	lt, _ := live.Table("users")
	lt.Columns[1].Type = "varchar(255)"                                                  // modified
	lt.Columns = append(lt.Columns, Column{Name: "phone", Type: "text", Nullable: true}) // new
	lt.Indexes = append(lt.Indexes, Index{Name: "users_phone_idx", Columns: []string{"phone"}})

	d := Diff(expected, live)
	require.Len(t, d.Tables, 1)
	dt := d.Tables[0]
	assert.Equal(t, StateStatusModified, dt.State)

	require.Len(t, dt.Columns, 2)
	assert.Equal(t, "email", dt.Columns[0].Name)
	assert.Equal(t, StateStatusModified, dt.Columns[0].State)
	assert.Equal(t, "phone", dt.Columns[1].Name)
	assert.Equal(t, StateStatusNew, dt.Columns[1].State)

	require.Len(t, dt.Indexes, 1)
	assert.Equal(t, StateStatusNew, dt.Indexes[0].State)
}

func TestDiffRemovedColumn(t *testing.T) {
	expected := Snapshot{Tables: []Table{usersTable()}}
	live := expected.Clone()
	lt, _ := live.Table("users")
	lt.Columns = lt.Columns[:1]

	d := Diff(expected, live)
	require.Len(t, d.Tables, 1)
	require.Len(t, d.Tables[0].Columns, 1)
	assert.Equal(t, StateStatusRemove, d.Tables[0].Columns[0].State)
	assert.Equal(t, "email", d.Tables[0].Columns[0].Name)
}

func TestDiffForeignKeyChangeMarksTableModified(t *testing.T) {
	expected := Snapshot{Tables: []Table{usersTable(), {
		Name:    "posts",
		Columns: []Column{{Name: "id", Type: "bigint"}, {Name: "user_id", Type: "bigint"}},
		ForeignKeys: []ForeignKey{{
			Name: "posts_user_fk", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"},
		}},
	}}}
	live := expected.Clone()
	lt, _ := live.Table("posts")
	lt.ForeignKeys = nil

	d := Diff(expected, live)
	require.Len(t, d.Tables, 1)
	assert.Equal(t, "posts", d.Tables[0].Name)
	assert.Equal(t, StateStatusModified, d.Tables[0].State)
}
