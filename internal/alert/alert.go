// Package alert delivers supervision alerts. Delivery is fire-and-forget:
// sink failures are logged by the Notifier and never reach the engine.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/frpvisor/internal/metrics"
)

// Type names the condition an alert reports.
type Type string

const (
	// TypeAlwaysOnFailure is raised when a forced restart of an always-on
	// client fails.
	TypeAlwaysOnFailure Type = "always_on_failure"
	// TypeRestartExhausted is raised once per failure episode, when a
	// client's consecutive failures reach the restart limit.
	TypeRestartExhausted Type = "restart_exhausted"
)

type Alert struct {
	ClientID   int64     `json:"client_id"`
	ClientName string    `json:"client_name"`
	Type       Type      `json:"type"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Sink is one alert destination. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Notifier fans an alert out to every sink.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

const defaultSendTimeout = 10 * time.Second

func NewNotifier(logger *slog.Logger, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sinks: sinks, timeout: defaultSendTimeout, now: time.Now, logger: logger}
}

// SendAlert delivers synchronously to every sink and swallows failures.
func (n *Notifier) SendAlert(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = n.now()
	}
	metrics.IncAlert(string(a.Type))
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := s.Send(sctx, a)
		cancel()
		if err != nil {
			n.logger.Error("alert delivery failed", "sink", s.Name(), "client", a.ClientName, "type", a.Type, "error", err)
		}
	}
}

// Sinks lists the configured sink names.
func (n *Notifier) Sinks() []string {
	out := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Close closes sinks that hold resources.
func (n *Notifier) Close() error {
	var errs []error
	for _, s := range n.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, a Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "alert", "client", a.ClientName, "client_id", a.ClientID, "type", a.Type, "message", a.Message)
	return nil
}
