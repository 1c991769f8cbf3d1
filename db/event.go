package db

import (
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Op identifies the kind of row mutation reported by the update hook.
type Op uint8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// opFromSQLite maps the authorizer action codes passed to the update hook.
func opFromSQLite(op int) (Op, bool) {
	switch op {
	case sqlite3.SQLITE_INSERT:
		return OpInsert, true
	case sqlite3.SQLITE_UPDATE:
		return OpUpdate, true
	case sqlite3.SQLITE_DELETE:
		return OpDelete, true
	default:
		return 0, false
	}
}

// EventKind is the part of a change that is known before any row is
// touched. Observers use it as a cheap pre-filter.
type EventKind struct {
	Op    Op
	Table string
}

func (k EventKind) String() string {
	return k.Op.String() + " " + k.Table
}

// Event is a single row mutation. Events are only valid for the duration of
// the DatabaseDidChange call that receives them.
type Event struct {
	Kind     EventKind
	Database string // schema name as reported by SQLite ("main", "temp", ...)
	RowID    int64
}
