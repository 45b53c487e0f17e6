// Package supervisor runs the reconciliation loop: every tick it probes all
// enabled clients, writes observed status back to the store and restarts
// dead always-on clients.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/frpvisor/internal/alert"
	"github.com/loykin/frpvisor/internal/detector"
	"github.com/loykin/frpvisor/internal/errs"
	"github.com/loykin/frpvisor/internal/metrics"
	"github.com/loykin/frpvisor/internal/process"
	"github.com/loykin/frpvisor/internal/ratelimit"
	"github.com/loykin/frpvisor/internal/store"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultDebounce = 60 * time.Second
)

// State is the supervisor's view of one client.
type State string

const (
	StateUnknown State = "unknown"
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Prober is the part of *detector.Probe the loop uses.
type Prober interface {
	BatchInspect(ctx context.Context, targets []detector.Target) map[int64]detector.Observation
	Check(ctx context.Context) error
}

// Restarter is the part of *process.Launcher the loop uses.
type Restarter interface {
	Restart(ctx context.Context, id int64, name, configRef string, force, clearLog bool) (process.Result, error)
}

// Acquirer hands out a dedicated store connection per tick.
type Acquirer interface {
	Acquire(ctx context.Context) (store.Conn, error)
}

// Alerter receives alerts; *alert.Notifier implements it.
type Alerter interface {
	SendAlert(ctx context.Context, a alert.Alert)
}

// ClientState is exported through States for status reporting.
type ClientState struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	AlwaysOn    bool      `json:"always_on"`
	Zombie      bool      `json:"zombie"`
	PIDs        []int     `json:"pids,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	// LastForced is the time of the last forced restart attempt.
	LastForced time.Time `json:"last_forced,omitempty"`
}

type Loop struct {
	Store    Acquirer
	Probe    Prober
	Launcher Restarter
	Policy   ratelimit.Policy
	Alerts   Alerter
	Interval time.Duration
	Debounce time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// Ticks overrides the interval ticker; used by tests.
	Ticks <-chan time.Time
	// SampleResources publishes CPU/RSS gauges for running clients.
	SampleResources bool
	Logger          *slog.Logger

	mu     sync.Mutex
	states map[int64]*ClientState
}

// Run performs a startup self-check, reconciles once immediately and then
// on every tick until ctx is cancelled. Only the self-check error is
// returned; per-tick failures are logged.
func (l *Loop) Run(ctx context.Context) error {
	l.init()
	if err := l.Probe.Check(ctx); err != nil {
		return fmt.Errorf("supervisor self-check: %w", err)
	}
	ticks := l.Ticks
	if ticks == nil {
		t := time.NewTicker(l.Interval)
		defer t.Stop()
		ticks = t.C
	}
	l.logger().Info("supervisor started", "interval", l.Interval, "debounce", l.Debounce)
	_ = l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger().Info("supervisor stopped")
			return nil
		case <-ticks:
			_ = l.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass over every client.
func (l *Loop) Tick(ctx context.Context) error {
	l.init()
	began := time.Now()
	defer func() { metrics.ObserveTick(time.Since(began).Seconds()) }()

	conn, err := l.Store.Acquire(ctx)
	if err != nil {
		l.logger().Error("acquire store connection failed", "error", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	clients, err := conn.ListClients(ctx)
	if err != nil {
		l.logger().Error("list clients failed", "error", err)
		return err
	}

	targets := make([]detector.Target, 0, len(clients))
	for _, c := range clients {
		if c.Enabled {
			targets = append(targets, detector.Target{ID: c.ID, ConfigRef: c.ConfigPath})
		}
	}
	obs := l.Probe.BatchInspect(ctx, targets)

	seen := make(map[int64]struct{}, len(clients))
	for _, c := range clients {
		seen[c.ID] = struct{}{}
		l.safeHandle(ctx, conn, c, obs[c.ID])
	}
	l.prune(seen)
	return nil
}

func (l *Loop) safeHandle(ctx context.Context, conn store.ClientStore, c store.Client, o detector.Observation) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncPanic()
			l.logger().Error("client handling panicked", "client", c.Name, "id", c.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := l.handle(ctx, conn, c, o); err != nil {
		l.logger().Error("client handling failed", "client", c.Name, "id", c.ID, "error", err)
	}
}

func (l *Loop) handle(ctx context.Context, conn store.ClientStore, c store.Client, o detector.Observation) error {
	if !c.Enabled {
		l.forget(c.ID)
		return nil
	}
	label := strconv.FormatInt(c.ID, 10)
	now := l.now()
	metrics.SetUp(label, o.Running)
	if o.Zombie {
		metrics.IncZombie(label)
		l.logger().Warn("client process present but admin port not listening", "client", c.Name, "port", o.AdminPort, "pids", o.PIDs)
	}

	l.observe(c, o, now)

	if o.Running {
		l.setState(c.ID, StateRunning)
		if l.SampleResources && len(o.PIDs) > 0 {
			if m, err := metrics.Sample(ctx, o.PIDs[0]); err == nil {
				metrics.ObserveProcess(label, m)
			}
		}
		return reconcile(ctx, conn, c, store.StatusRunning)
	}

	metrics.ForgetProcess(label)
	if !c.AlwaysOn {
		l.setState(c.ID, StateStopped)
		return reconcile(ctx, conn, c, store.StatusStopped)
	}

	if last := l.lastForced(c.ID); !last.IsZero() && now.Sub(last) < l.Debounce {
		l.logger().Debug("forced restart debounced", "client", c.Name, "since", now.Sub(last))
		l.setState(c.ID, StateStopped)
		return reconcile(ctx, conn, c, store.StatusStopped)
	}
	l.markForced(c.ID, now)
	l.logger().Warn("always-on client is down, forcing restart", "client", c.Name, "id", c.ID)

	res, err := l.Launcher.Restart(ctx, c.ID, c.Name, c.ConfigPath, true, false)
	if err != nil {
		l.setState(c.ID, StateStopped)
		l.sendAlert(ctx, c, alert.TypeAlwaysOnFailure,
			fmt.Sprintf("always-on client %s could not be restarted: %v", c.Name, err))
	} else {
		l.setState(c.ID, StateRunning)
	}
	l.checkExhausted(ctx, c, res)
	return nil
}

// ManualRestart restarts a client on operator request, subject to the
// limiter unless force is set.
func (l *Loop) ManualRestart(ctx context.Context, cs store.ClientStore, id int64, force, clearLog bool) (process.Result, error) {
	l.init()
	c, err := cs.GetClient(ctx, id)
	if err != nil {
		return process.Result{Message: err.Error()}, err
	}
	if !c.Enabled {
		e := errs.Validation("restart", "client "+c.Name+" is disabled")
		return process.Result{Message: e.Message}, e
	}
	res, err := l.Launcher.Restart(ctx, c.ID, c.Name, c.ConfigPath, force, clearLog)
	if err == nil {
		l.setState(c.ID, StateRunning)
	}
	l.checkExhausted(ctx, c, res)
	return res, err
}

// checkExhausted raises the exhaustion alert on the attempt that brings the
// consecutive failures exactly to the limit.
func (l *Loop) checkExhausted(ctx context.Context, c store.Client, res process.Result) {
	if res.Record == nil || !ratelimit.Exhausted(*res.Record, l.Policy) {
		return
	}
	l.sendAlert(ctx, c, alert.TypeRestartExhausted,
		fmt.Sprintf("client %s failed to restart %d times in a row", c.Name, res.Record.ConsecutiveFailures))
}

func (l *Loop) sendAlert(ctx context.Context, c store.Client, t alert.Type, msg string) {
	if l.Alerts == nil {
		return
	}
	l.Alerts.SendAlert(ctx, alert.Alert{ClientID: c.ID, ClientName: c.Name, Type: t, Message: msg, At: l.now()})
}

func reconcile(ctx context.Context, conn store.ClientStore, c store.Client, want store.Status) error {
	if c.Status == want {
		return nil
	}
	if err := conn.SetStatus(ctx, c.ID, want); err != nil {
		return fmt.Errorf("reconcile status: %w", err)
	}
	return nil
}

// States returns a snapshot of every tracked client.
func (l *Loop) States() []ClientState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ClientState, 0, len(l.states))
	for _, s := range l.states {
		cp := *s
		cp.PIDs = append([]int(nil), s.PIDs...)
		out = append(out, cp)
	}
	return out
}

func (l *Loop) init() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states == nil {
		l.states = make(map[int64]*ClientState)
	}
	if l.Interval <= 0 {
		l.Interval = DefaultInterval
	}
	if l.Debounce <= 0 {
		l.Debounce = DefaultDebounce
	}
	if l.Policy == (ratelimit.Policy{}) {
		l.Policy = ratelimit.DefaultPolicy()
	}
}

func (l *Loop) observe(c store.Client, o detector.Observation, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[c.ID]
	if !ok {
		st = &ClientState{ID: c.ID, State: StateUnknown}
		l.states[c.ID] = st
	}
	st.Name = c.Name
	st.AlwaysOn = c.AlwaysOn
	st.LastChecked = at
	st.Zombie = o.Zombie
	st.PIDs = o.PIDs
	st.StartedAt = o.StartedAt
}

func (l *Loop) setState(id int64, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[id]; ok {
		st.State = s
		return
	}
	l.states[id] = &ClientState{ID: id, State: s}
}

func (l *Loop) lastForced(id int64) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[id]; ok {
		return st.LastForced
	}
	return time.Time{}
}

func (l *Loop) markForced(id int64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[id]; ok {
		st.LastForced = at
	}
}

func (l *Loop) forget(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, id)
}

func (l *Loop) prune(seen map[int64]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.states {
		if _, ok := seen[id]; !ok {
			delete(l.states, id)
		}
	}
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
