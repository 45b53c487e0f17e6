package alert

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpvisor/internal/store/memory"
)

type recordingSink struct {
	mu   sync.Mutex
	name string
	got  []Alert
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return s.err
}

func TestNotifierFansOutAndSwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failing := &recordingSink{name: "broken", err: errors.New("boom")}
	ok := &recordingSink{name: "ok"}
	n := NewNotifier(logger, failing, ok)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	n.SendAlert(context.Background(), Alert{ClientID: 7, ClientName: "edge", Type: TypeRestartExhausted, Message: "gave up"})

	require.Len(t, failing.got, 1)
	require.Len(t, ok.got, 1)
	assert.Equal(t, fixed, ok.got[0].At)
	assert.Contains(t, buf.String(), "alert delivery failed")
	assert.Contains(t, buf.String(), "sink=broken")
	assert.Equal(t, []string{"broken", "ok"}, n.Sinks())
}

func TestNotifierKeepsExplicitTimestamp(t *testing.T) {
	s := &recordingSink{name: "r"}
	n := NewNotifier(nil, s)
	at := time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC)
	n.SendAlert(context.Background(), Alert{ClientName: "x", Type: TypeAlwaysOnFailure, At: at})
	require.Len(t, s.got, 1)
	assert.Equal(t, at, s.got[0].At)
}

func TestStoreSinkRecordsAlert(t *testing.T) {
	st := memory.New()
	sink := StoreSink{Store: st, SentTo: []string{"log", "mqtt"}}
	err := sink.Send(context.Background(), Alert{ClientID: 3, ClientName: "db", Type: TypeAlwaysOnFailure, Message: "restart failed", At: time.Now()})
	require.NoError(t, err)

	alerts, err := st.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "always_on_failure", alerts[0].Type)
	assert.Equal(t, "log,mqtt", alerts[0].SentTo)
	assert.Equal(t, int64(3), alerts[0].ClientID)
	assert.False(t, alerts[0].Resolved)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, s.Send(context.Background(), Alert{ClientName: "edge", Type: TypeRestartExhausted, Message: "m"}))
	assert.Contains(t, buf.String(), "type=restart_exhausted")
	assert.Contains(t, buf.String(), "client=edge")
}

func TestAlertTopic(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"frpvisor", "edge", "frpvisor/alerts/edge"},
		{"site/a/", "edge", "site/a/alerts/edge"},
		{"frpvisor", "a/b+c#", "frpvisor/alerts/a_b_c_"},
		{"frpvisor", "", "frpvisor/alerts/unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, alertTopic(tt.prefix, tt.name))
	}
}

func TestNewMQTTSinkValidation(t *testing.T) {
	_, err := NewMQTTSink(MQTTConfig{})
	require.Error(t, err)
	_, err = NewMQTTSink(MQTTConfig{Broker: "tcp://127.0.0.1:1", QoS: 3})
	require.Error(t, err)
}

func TestBuildMQTTOptions(t *testing.T) {
	opts := buildMQTTOptions(MQTTConfig{Broker: "tcp://broker:1883", ClientID: "sup", Username: "u", Password: "p"})
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "sup", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.True(t, opts.AutoReconnect)
}
