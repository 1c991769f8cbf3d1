package db

import (
	"database/sql"
	"regexp"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name with REGEXP support
const SQLiteDriverName = "sqlite3_sqlwatch"

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// Usage: column REGEXP 'pattern'
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

// regexpMatch returns true if text matches pattern
func regexpMatch(pattern, text string) (bool, error) {
	return regexp.MatchString(pattern, text)
}
