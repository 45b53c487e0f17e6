// Package influxdb exports lifecycle events as points in the client_events
// measurement.
package influxdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/frpvisor/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	measurement           = "client_events"
)

type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes events through the blocking write API so delivery errors
// reach the caller.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func New(opts Options) (*Sink, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, errors.New("influxdb url, org and bucket are required")
	}
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token, influxdb2.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}
	return &Sink{client: client, writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket)}, nil
}

// Point converts an event into its line-protocol point.
func Point(e history.Event) *write.Point {
	fields := map[string]interface{}{
		"ok":        e.OK,
		"client_id": e.ClientID,
		"event_id":  e.ID,
	}
	if e.PID > 0 {
		fields["pid"] = e.PID
	}
	if e.Message != "" {
		fields["message"] = e.Message
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"client": e.Client,
			"event":  string(e.Type),
		},
		fields,
		e.OccurredAt,
	)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.writeAPI.WritePoint(ctx, Point(e)); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
