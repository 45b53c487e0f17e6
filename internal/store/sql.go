package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/frpvisor/internal/errs"
)

// Dialect selects placeholder style and DDL for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store over database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB exposes the underlying handle, mainly for tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == DialectPostgres {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS clients(
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				config_path TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'stopped',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				always_on BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMPTZ NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS alerts(
				id BIGSERIAL PRIMARY KEY,
				client_id BIGINT NOT NULL,
				alert_type TEXT NOT NULL,
				message TEXT NOT NULL,
				sent_to TEXT NOT NULL DEFAULT '',
				sent_at TIMESTAMPTZ NOT NULL,
				resolved BOOLEAN NOT NULL DEFAULT FALSE
			);`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_client ON alerts(client_id);`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS clients(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				config_path TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'stopped',
				enabled BOOLEAN NOT NULL DEFAULT 1,
				always_on BOOLEAN NOT NULL DEFAULT 0,
				updated_at TIMESTAMP NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS alerts(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				client_id INTEGER NOT NULL,
				alert_type TEXT NOT NULL,
				message TEXT NOT NULL,
				sent_to TEXT NOT NULL DEFAULT '',
				sent_at TIMESTAMP NOT NULL,
				resolved BOOLEAN NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_client ON alerts(client_id);`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Acquire pins a dedicated connection from the pool.
func (s *SQLStore) Acquire(ctx context.Context) (Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{q: clientQueries{q: c, dialect: s.dialect}, conn: c}, nil
}

func (s *SQLStore) ListClients(ctx context.Context) ([]Client, error) {
	return s.queries().ListClients(ctx)
}

func (s *SQLStore) GetClient(ctx context.Context, id int64) (Client, error) {
	return s.queries().GetClient(ctx, id)
}

func (s *SQLStore) SetStatus(ctx context.Context, id int64, status Status) error {
	return s.queries().SetStatus(ctx, id, status)
}

func (s *SQLStore) SaveClient(ctx context.Context, c Client) (Client, error) {
	c.UpdatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = StatusStopped
	}
	if c.ID == 0 {
		err := s.db.QueryRowContext(ctx, rebind(s.dialect, `
			INSERT INTO clients(name, config_path, status, enabled, always_on, updated_at)
			VALUES(?, ?, ?, ?, ?, ?)
			RETURNING id;`),
			c.Name, c.ConfigPath, string(c.Status), c.Enabled, c.AlwaysOn, c.UpdatedAt).Scan(&c.ID)
		return c, err
	}
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE clients SET name=?, config_path=?, enabled=?, always_on=?, updated_at=?
		WHERE id=?;`),
		c.Name, c.ConfigPath, c.Enabled, c.AlwaysOn, c.UpdatedAt, c.ID)
	if err != nil {
		return c, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return c, errs.NotFound("save client", "client "+strconv.FormatInt(c.ID, 10)+" not found")
	}
	return s.GetClient(ctx, c.ID)
}

func (s *SQLStore) RecordAlert(ctx context.Context, a Alert) (int64, error) {
	if a.SentAt.IsZero() {
		a.SentAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		INSERT INTO alerts(client_id, alert_type, message, sent_to, sent_at, resolved)
		VALUES(?, ?, ?, ?, ?, ?)
		RETURNING id;`),
		a.ClientID, a.Type, a.Message, a.SentTo, a.SentAt.UTC(), false).Scan(&id)
	return id, err
}

func (s *SQLStore) ListAlerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT a.id, a.client_id, COALESCE(c.name, ''), a.alert_type, a.message, a.sent_to, a.sent_at, a.resolved
		FROM alerts a
		LEFT JOIN clients c ON a.client_id = c.id
		ORDER BY a.sent_at DESC, a.id DESC
		LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Alert, 0)
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.ClientID, &a.ClientName, &a.Type, &a.Message, &a.SentTo, &a.SentAt, &a.Resolved); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ResolveAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `UPDATE alerts SET resolved=? WHERE id=?;`), true, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("resolve alert", "alert "+strconv.FormatInt(id, 10)+" not found")
	}
	return nil
}

func (s *SQLStore) queries() clientQueries { return clientQueries{q: s.db, dialect: s.dialect} }

type sqlConn struct {
	q    clientQueries
	conn *sql.Conn
}

func (c *sqlConn) ListClients(ctx context.Context) ([]Client, error) { return c.q.ListClients(ctx) }

func (c *sqlConn) GetClient(ctx context.Context, id int64) (Client, error) {
	return c.q.GetClient(ctx, id)
}

func (c *sqlConn) SetStatus(ctx context.Context, id int64, status Status) error {
	return c.q.SetStatus(ctx, id, status)
}

func (c *sqlConn) Close() error { return c.conn.Close() }

// clientQueries runs the client statements against a pool or a pinned connection.
type clientQueries struct {
	q       querier
	dialect Dialect
}

const clientColumns = `id, name, config_path, enabled, always_on, status, updated_at`

func (cq clientQueries) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := cq.q.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Client, 0)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (cq clientQueries) GetClient(ctx context.Context, id int64) (Client, error) {
	row := cq.q.QueryRowContext(ctx, rebind(cq.dialect, `SELECT `+clientColumns+` FROM clients WHERE id=?;`), id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, errs.NotFound("get client", "client "+strconv.FormatInt(id, 10)+" not found")
	}
	return c, err
}

// SetStatus writes status only when it differs from the stored value.
func (cq clientQueries) SetStatus(ctx context.Context, id int64, status Status) error {
	_, err := cq.q.ExecContext(ctx, rebind(cq.dialect, `
		UPDATE clients SET status=?, updated_at=?
		WHERE id=? AND status<>?;`),
		string(status), time.Now().UTC(), id, string(status))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(sc scanner) (Client, error) {
	var c Client
	var status string
	if err := sc.Scan(&c.ID, &c.Name, &c.ConfigPath, &c.Enabled, &c.AlwaysOn, &status, &c.UpdatedAt); err != nil {
		return Client{}, err
	}
	c.Status = Status(status)
	return c, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
