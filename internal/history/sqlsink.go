package history

import (
	"context"
	"database/sql"
)

// Dialect selects placeholder and DDL flavour for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends history events to the client_history table.
// It is independent from the client store; it only appends.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps an open database and creates the schema if missing.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS client_history(
			id TEXT PRIMARY KEY,
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			client_id BIGINT NOT NULL,
			client TEXT NOT NULL,
			pid INTEGER NOT NULL,
			ok BOOLEAN NOT NULL,
			message TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_client_history_client ON client_history(client_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var msg any
	if e.Message != "" {
		msg = e.Message
	}
	q := `INSERT INTO client_history(id, occurred_at, event, client_id, client, pid, ok, message)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO client_history(id, occurred_at, event, client_id, client, pid, ok, message)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8);`
	}
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.ClientID, e.Client, e.PID, e.OK, msg)
	return err
}

func (s *SQLSink) Close() error { return s.db.Close() }
