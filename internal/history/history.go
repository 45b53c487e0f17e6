package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventAlert   EventType = "alert"
)

// Event is one client lifecycle event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ClientID   int64     `json:"client_id"`
	Client     string    `json:"client"`
	PID        int       `json:"pid,omitempty"`
	OK         bool      `json:"ok"`
	Message    string    `json:"message,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, clientID int64, client string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		ClientID:   clientID,
		Client:     client,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends each event to every sink and joins the failures.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
