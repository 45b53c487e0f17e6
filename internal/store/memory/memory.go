// Package memory is a process-local store.Store used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/frpvisor/internal/errs"
	"github.com/loykin/frpvisor/internal/store"
)

type Store struct {
	mu      sync.Mutex
	clients map[int64]store.Client
	alerts  []store.Alert
	nextID  int64
	nextAID int64

	// statusWrites counts effective status changes, for tests.
	statusWrites int
	acquired     int
}

func New() *Store {
	return &Store{clients: make(map[int64]store.Client)}
}

func (s *Store) EnsureSchema(context.Context) error { return nil }
func (s *Store) Close() error                       { return nil }

func (s *Store) Acquire(context.Context) (store.Conn, error) {
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	return conn{s}, nil
}

func (s *Store) ListClients(context.Context) ([]store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetClient(_ context.Context, id int64) (store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return store.Client{}, errs.NotFound("get client", "client "+strconv.FormatInt(id, 10)+" not found")
	}
	return c, nil
}

func (s *Store) SetStatus(_ context.Context, id int64, status store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok || c.Status == status {
		return nil
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	s.clients[id] = c
	s.statusWrites++
	return nil
}

func (s *Store) SaveClient(_ context.Context, c store.Client) (store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	if c.ID == 0 {
		s.nextID++
		c.ID = s.nextID
		if c.Status == "" {
			c.Status = store.StatusStopped
		}
		s.clients[c.ID] = c
		return c, nil
	}
	old, ok := s.clients[c.ID]
	if !ok {
		return c, errs.NotFound("save client", "client "+strconv.FormatInt(c.ID, 10)+" not found")
	}
	c.Status = old.Status
	s.clients[c.ID] = c
	return c, nil
}

func (s *Store) RecordAlert(_ context.Context, a store.Alert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAID++
	a.ID = s.nextAID
	if a.SentAt.IsZero() {
		a.SentAt = time.Now()
	}
	if c, ok := s.clients[a.ClientID]; ok {
		a.ClientName = c.Name
	}
	s.alerts = append(s.alerts, a)
	return a.ID, nil
}

func (s *Store) ListAlerts(_ context.Context, limit int) ([]store.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.alerts[i])
	}
	return out, nil
}

func (s *Store) ResolveAlert(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Resolved = true
			return nil
		}
	}
	return errs.NotFound("resolve alert", "alert "+strconv.FormatInt(id, 10)+" not found")
}

// StatusWrites returns how many SetStatus calls changed a stored value.
func (s *Store) StatusWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusWrites
}

// Acquired returns how many connections have been acquired.
func (s *Store) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

type conn struct{ s *Store }

func (c conn) ListClients(ctx context.Context) ([]store.Client, error) { return c.s.ListClients(ctx) }
func (c conn) GetClient(ctx context.Context, id int64) (store.Client, error) {
	return c.s.GetClient(ctx, id)
}
func (c conn) SetStatus(ctx context.Context, id int64, st store.Status) error {
	return c.s.SetStatus(ctx, id, st)
}
func (c conn) Close() error { return nil }
