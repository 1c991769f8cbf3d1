package region

import (
	"testing"

	"github.com/maxpert/sqlwatch/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(op db.Op, table string, rowID int64) db.Event {
	return db.Event{Kind: db.EventKind{Op: op, Table: table}, Database: "main", RowID: rowID}
}

func TestTables_MatchesWholeTable(t *testing.T) {
	r := Tables("Users")

	assert.True(t, r.IsModifiedByKind(db.EventKind{Op: db.OpInsert, Table: "users"}))
	assert.True(t, r.IsModifiedBy(event(db.OpDelete, "USERS", 42)))
	assert.False(t, r.IsModifiedByKind(db.EventKind{Op: db.OpInsert, Table: "orders"}))
	assert.False(t, r.IsModifiedBy(event(db.OpUpdate, "orders", 1)))
}

func TestRows_RestrictsToRowIDs(t *testing.T) {
	r := Rows("items", 1, 3)

	// Kind-level filter cannot know the row, so it must accept the table
	assert.True(t, r.IsModifiedByKind(db.EventKind{Op: db.OpUpdate, Table: "items"}))
	assert.True(t, r.IsModifiedBy(event(db.OpUpdate, "items", 1)))
	assert.True(t, r.IsModifiedBy(event(db.OpDelete, "items", 3)))
	assert.False(t, r.IsModifiedBy(event(db.OpUpdate, "items", 2)))
}

func TestPatterns(t *testing.T) {
	r, err := Patterns("log_*", "audit")
	require.NoError(t, err)

	assert.True(t, r.IsModifiedByKind(db.EventKind{Op: db.OpInsert, Table: "log_2024"}))
	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "LOG_errors", 1)))
	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "audit", 1)))
	assert.False(t, r.IsModifiedBy(event(db.OpInsert, "catalog", 1)))

	// Second lookup is served from the cache and must agree
	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "log_2024", 2)))
	assert.False(t, r.IsModifiedBy(event(db.OpInsert, "catalog", 2)))
}

func TestPatterns_Invalid(t *testing.T) {
	_, err := Patterns("log_[")
	assert.Error(t, err)
}

func TestUnion(t *testing.T) {
	patterns, err := Patterns("tmp_*")
	require.NoError(t, err)

	r := Union(Rows("items", 1), Rows("items", 2), Tables("users"), patterns, nil)

	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "items", 1)))
	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "items", 2)))
	assert.False(t, r.IsModifiedBy(event(db.OpInsert, "items", 3)))
	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "users", 9)))
	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "tmp_x", 9)))
	assert.Equal(t, "items(1,2),users,tmp_*", r.String())
}

func TestUnion_WholeTableAbsorbsRows(t *testing.T) {
	rows := Rows("items", 1)
	r := Union(rows, Tables("items"))

	assert.True(t, r.IsModifiedBy(event(db.OpInsert, "items", 99)))
	// Inputs are not mutated
	assert.False(t, rows.IsModifiedBy(event(db.OpInsert, "items", 99)))
}

func TestFullAndEmpty(t *testing.T) {
	assert.True(t, FullDatabase().IsModifiedBy(event(db.OpInsert, "anything", 1)))
	assert.True(t, FullDatabase().IsModifiedByKind(db.EventKind{Op: db.OpDelete, Table: "x"}))
	assert.True(t, Union(Empty(), FullDatabase()).IsModifiedBy(event(db.OpInsert, "y", 1)))

	assert.True(t, Empty().IsEmpty())
	assert.False(t, Empty().IsModifiedByKind(db.EventKind{Op: db.OpInsert, Table: "x"}))
	assert.Equal(t, "empty", Empty().String())
	assert.Equal(t, "full database", FullDatabase().String())
}
