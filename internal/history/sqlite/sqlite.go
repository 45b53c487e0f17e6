package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/frpvisor/internal/history"
)

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*history.SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(3000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sink, err := history.NewSQLSink(context.Background(), db, history.DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}
