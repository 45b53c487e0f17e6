package alert

import (
	"context"
	"strings"

	"github.com/loykin/frpvisor/internal/store"
)

// Recorder is the part of store.Store that StoreSink needs.
type Recorder interface {
	RecordAlert(ctx context.Context, a store.Alert) (int64, error)
}

// StoreSink records every alert in the alerts table. SentTo lists the other
// destinations the alert went to.
type StoreSink struct {
	Store  Recorder
	SentTo []string
}

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Send(ctx context.Context, a Alert) error {
	_, err := s.Store.RecordAlert(ctx, store.Alert{
		ClientID:   a.ClientID,
		ClientName: a.ClientName,
		Type:       string(a.Type),
		Message:    a.Message,
		SentTo:     strings.Join(s.SentTo, ","),
		SentAt:     a.At,
	})
	return err
}
