package factory

import (
	"errors"
	"strings"

	"github.com/loykin/frpvisor/internal/store"
	"github.com/loykin/frpvisor/internal/store/memory"
	pg "github.com/loykin/frpvisor/internal/store/postgres"
	sq "github.com/loykin/frpvisor/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - memory:  "memory://" (process-local, for tests and dry runs)
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "memory://") {
		return memory.New(), nil
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	return sq.New(d)
}
