package store

import (
	"context"
	"time"
)

// Status is the last observed run state of a managed client.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Client is a managed client record. The supervisor only ever writes Status.
type Client struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	ConfigPath string    `json:"config_path"`
	Enabled    bool      `json:"enabled"`
	AlwaysOn   bool      `json:"always_on"`
	Status     Status    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Alert is a delivered alert as recorded in the alerts table.
type Alert struct {
	ID         int64     `json:"id"`
	ClientID   int64     `json:"client_id"`
	ClientName string    `json:"client_name"`
	Type       string    `json:"alert_type"`
	Message    string    `json:"message"`
	SentTo     string    `json:"sent_to"`
	SentAt     time.Time `json:"sent_at"`
	Resolved   bool      `json:"resolved"`
}

// ClientStore is the read/status-write surface the engine needs.
type ClientStore interface {
	ListClients(ctx context.Context) ([]Client, error)
	GetClient(ctx context.Context, id int64) (Client, error)
	SetStatus(ctx context.Context, id int64, status Status) error
}

// Conn is a ClientStore bound to one dedicated connection. The supervisor
// acquires one per tick and closes it afterwards.
type Conn interface {
	ClientStore
	Close() error
}

// Store is the full persistence interface. GetClient returns an
// errs.KindNotFound error for unknown ids.
type Store interface {
	ClientStore
	EnsureSchema(ctx context.Context) error
	Acquire(ctx context.Context) (Conn, error)
	// SaveClient inserts c when c.ID is 0 and updates it otherwise.
	SaveClient(ctx context.Context, c Client) (Client, error)
	RecordAlert(ctx context.Context, a Alert) (int64, error)
	ListAlerts(ctx context.Context, limit int) ([]Alert, error)
	ResolveAlert(ctx context.Context, id int64) error
	Close() error
}
