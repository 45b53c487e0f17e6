package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpvisor/internal/history"
)

// fakeInflux answers pings and records line-protocol writes.
type fakeInflux struct {
	mu     sync.Mutex
	writes []string
	query  string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(b))
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestSinkWritesPoint(t *testing.T) {
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sink, err := New(Options{URL: srv.URL, Token: "t", Org: "acme", Bucket: "frp"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	e := history.NewEvent(history.EventRestart, 3, "edge")
	e.OK = true
	require.NoError(t, sink.Send(context.Background(), e))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.writes, 1)
	line := fake.writes[0]
	assert.True(t, strings.HasPrefix(line, "client_events,"), line)
	assert.Contains(t, line, "client=edge")
	assert.Contains(t, line, "event=restart")
	assert.Contains(t, line, "ok=true")
	assert.Contains(t, fake.query, "bucket=frp")
	assert.Contains(t, fake.query, "org=acme")
}

func TestNewRequiresFields(t *testing.T) {
	_, err := New(Options{URL: "http://localhost:8086"})
	require.Error(t, err)
}

func TestPointFields(t *testing.T) {
	e := history.Event{ID: "abc", Type: history.EventStart, ClientID: 2, Client: "x", PID: 99, Message: "m", OccurredAt: time.Unix(10, 0)}
	p := Point(e)
	assert.Equal(t, "client_events", p.Name())
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, "abc", fields["event_id"])
	assert.Equal(t, "m", fields["message"])
	assert.Contains(t, fields, "pid")
	assert.Equal(t, time.Unix(10, 0), p.Time())
}
