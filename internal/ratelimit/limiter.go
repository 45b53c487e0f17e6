// Package ratelimit decides whether a client may be restarted now, using a
// per-client window budget, a cooldown between attempts and a
// consecutive-failure counter.
package ratelimit

import (
	"log/slog"
	"time"

	"github.com/loykin/frpvisor/internal/errs"
)

const (
	DefaultMaxRestarts = 3
	DefaultWindow      = 300 * time.Second
	DefaultCooldown    = 10 * time.Second
)

type Policy struct {
	MaxRestarts int           `json:"max_restarts"`
	Window      time.Duration `json:"window"`
	Cooldown    time.Duration `json:"cooldown"`
}

func DefaultPolicy() Policy {
	return Policy{MaxRestarts: DefaultMaxRestarts, Window: DefaultWindow, Cooldown: DefaultCooldown}
}

// Decision is the outcome of Check. Err is a restart-limit *errs.Error when
// the attempt is denied.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

type Limiter struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(l *Limiter) { l.logger = logger } }

func New(store Store, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{store: store, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check decides whether key may restart now. It does not mutate state: a
// lapsed window is only cleared by the next Record.
func (l *Limiter) Check(key string, p Policy, force bool) Decision {
	if force {
		return Decision{Allowed: true, Reason: "forced"}
	}
	rec, ok := l.store.Get(key)
	if !ok {
		return Decision{Allowed: true}
	}
	now := l.now()
	if !rec.LastRestart.IsZero() && p.Cooldown > 0 {
		if elapsed := now.Sub(rec.LastRestart); elapsed < p.Cooldown {
			err := errs.CooldownActive("restart", p.Cooldown-elapsed)
			return Decision{Reason: err.Message, Err: err}
		}
	}
	if !rec.WindowStart.IsZero() && now.Sub(rec.WindowStart) > p.Window {
		return Decision{Allowed: true, Reason: "window lapsed"}
	}
	if rec.AttemptCount >= p.MaxRestarts {
		err := errs.WindowExhausted("restart", p.Window, p.MaxRestarts)
		return Decision{Reason: err.Message, Err: err}
	}
	return Decision{Allowed: true}
}

// Record notes a restart attempt and its outcome. The policy window is
// needed to finalize a lapsed window before counting.
func (l *Limiter) Record(key string, p Policy, success bool) Record {
	now := l.now()
	rec := l.store.Update(key, func(r *Record) {
		if !r.WindowStart.IsZero() && now.Sub(r.WindowStart) > p.Window {
			r.AttemptCount = 0
			r.WindowStart = time.Time{}
		}
		if now.After(r.LastRestart) {
			r.LastRestart = now
		}
		if success {
			r.ConsecutiveFailures = 0
			r.LastSuccess = now
			return
		}
		r.AttemptCount++
		r.ConsecutiveFailures++
		if r.WindowStart.IsZero() {
			r.WindowStart = now
		}
	})
	if !success {
		l.logger.Debug("restart failure recorded", "key", key, "attempts", rec.AttemptCount, "consecutive_failures", rec.ConsecutiveFailures)
	}
	return rec
}

// Reset discards the record for key.
func (l *Limiter) Reset(key string) {
	l.store.Delete(key)
	l.logger.Info("restart limit reset", "key", key)
}

// Snapshot returns the current record, zero when none exists.
func (l *Limiter) Snapshot(key string) Record {
	rec, _ := l.store.Get(key)
	return rec
}

// Exhausted reports the single point at which an exhaustion alert is due:
// consecutive failures equal to, not beyond, the policy limit.
func Exhausted(rec Record, p Policy) bool {
	return p.MaxRestarts > 0 && rec.ConsecutiveFailures == p.MaxRestarts
}
