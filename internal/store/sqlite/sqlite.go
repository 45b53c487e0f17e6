package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/frpvisor/internal/store"
)

// New opens the SQLite database at path (modernc.org/sqlite driver, CGO-free).
// Every pooled connection gets a busy timeout so the supervisor's pinned
// connection and request handlers can interleave short writes.
// ":memory:" gives each pooled connection its own database and is only
// suitable for single-connection use.
func New(path string) (*store.SQLStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if p != ":memory:" && !strings.Contains(p, "?") {
		p += "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(d, store.DialectSQLite), nil
}
