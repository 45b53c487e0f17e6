package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpvisor/internal/alert"
	"github.com/loykin/frpvisor/internal/detector"
	"github.com/loykin/frpvisor/internal/errs"
	"github.com/loykin/frpvisor/internal/logrotate"
	"github.com/loykin/frpvisor/internal/process"
	"github.com/loykin/frpvisor/internal/ratelimit"
	"github.com/loykin/frpvisor/internal/store"
	"github.com/loykin/frpvisor/internal/store/memory"
)

type fakeProber struct {
	mu       sync.Mutex
	running  map[int64]bool
	zombie   map[int64]bool
	checkErr error
	targets  [][]detector.Target
}

func (f *fakeProber) BatchInspect(_ context.Context, targets []detector.Target) map[int64]detector.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, targets)
	out := make(map[int64]detector.Observation, len(targets))
	for _, t := range targets {
		o := detector.Observation{Running: f.running[t.ID], Zombie: f.zombie[t.ID]}
		if o.Running {
			o.PIDs = []int{int(t.ID) + 1000}
		}
		out[t.ID] = o
	}
	return out
}

func (f *fakeProber) Check(context.Context) error { return f.checkErr }

type restartCall struct {
	id    int64
	force bool
}

// fakeRestarter records outcomes through a real limiter so exhaustion
// follows the production rule.
type fakeRestarter struct {
	mu      sync.Mutex
	calls   []restartCall
	fail    bool
	panicOn int64
	limiter *ratelimit.Limiter
	policy  ratelimit.Policy
}

func (f *fakeRestarter) Restart(_ context.Context, id int64, _ string, _ string, force, _ bool) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.panicOn {
		panic("boom")
	}
	f.calls = append(f.calls, restartCall{id: id, force: force})
	rec := f.limiter.Record(strconv.FormatInt(id, 10), f.policy, !f.fail)
	if f.fail {
		return process.Result{Record: &rec}, errs.Spawn("start", errors.New("exec failed"))
	}
	return process.Result{OK: true, Record: &rec}, nil
}

func (f *fakeRestarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type captureAlerts struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureAlerts) SendAlert(_ context.Context, a alert.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *captureAlerts) count(t alert.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.alerts {
		if a.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	loop    *Loop
	st      *memory.Store
	prober  *fakeProber
	rs      *fakeRestarter
	alerts  *captureAlerts
	now     time.Time
	policy  ratelimit.Policy
	clients map[string]store.Client
}

func newHarness(t *testing.T, clients ...store.Client) *harness {
	t.Helper()
	h := &harness{
		st:      memory.New(),
		prober:  &fakeProber{running: map[int64]bool{}, zombie: map[int64]bool{}},
		alerts:  &captureAlerts{},
		now:     time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		policy:  ratelimit.Policy{MaxRestarts: 3, Window: 300 * time.Second, Cooldown: 0},
		clients: map[string]store.Client{},
	}
	h.rs = &fakeRestarter{
		limiter: ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithClock(func() time.Time { return h.now })),
		policy:  h.policy,
	}
	for _, c := range clients {
		saved, err := h.st.SaveClient(context.Background(), c)
		require.NoError(t, err)
		if c.Status != "" && c.Status != saved.Status {
			require.NoError(t, h.st.SetStatus(context.Background(), saved.ID, c.Status))
		}
		h.clients[c.Name] = saved
	}
	h.loop = &Loop{
		Store:    h.st,
		Probe:    h.prober,
		Launcher: h.rs,
		Policy:   h.policy,
		Alerts:   h.alerts,
		Now:      func() time.Time { return h.now },
	}
	return h
}

func (h *harness) status(t *testing.T, name string) store.Status {
	t.Helper()
	c, err := h.st.GetClient(context.Background(), h.clients[name].ID)
	require.NoError(t, err)
	return c.Status
}

func TestTickReconcilesStatusAndSkipsDisabled(t *testing.T) {
	h := newHarness(t,
		store.Client{Name: "up", ConfigPath: "/c/up.toml", Enabled: true},
		store.Client{Name: "down", ConfigPath: "/c/down.toml", Enabled: true, Status: store.StatusRunning},
		store.Client{Name: "off", ConfigPath: "/c/off.toml", Enabled: false, Status: store.StatusRunning},
	)
	h.prober.running[h.clients["up"].ID] = true

	require.NoError(t, h.loop.Tick(context.Background()))

	assert.Equal(t, store.StatusRunning, h.status(t, "up"))
	assert.Equal(t, store.StatusStopped, h.status(t, "down"))
	assert.Equal(t, store.StatusRunning, h.status(t, "off"), "disabled clients are not touched")
	require.Len(t, h.prober.targets, 1)
	assert.Len(t, h.prober.targets[0], 2)
	assert.Zero(t, h.rs.count(), "normal clients are never auto-restarted")

	writes := h.st.StatusWrites()
	require.NoError(t, h.loop.Tick(context.Background()))
	assert.Equal(t, writes, h.st.StatusWrites(), "unchanged status is not rewritten")
}

func TestZombieReportedAsStopped(t *testing.T) {
	h := newHarness(t, store.Client{Name: "z", ConfigPath: "/c/z.toml", Enabled: true, Status: store.StatusRunning})
	h.prober.zombie[h.clients["z"].ID] = true

	require.NoError(t, h.loop.Tick(context.Background()))
	assert.Equal(t, store.StatusStopped, h.status(t, "z"))
	states := h.loop.States()
	require.Len(t, states, 1)
	assert.True(t, states[0].Zombie)
	assert.Equal(t, StateStopped, states[0].State)
}

func TestAlwaysOnForcedRestartIsDebounced(t *testing.T) {
	h := newHarness(t, store.Client{Name: "ao", ConfigPath: "/c/ao.toml", Enabled: true, AlwaysOn: true})
	ctx := context.Background()

	require.NoError(t, h.loop.Tick(ctx))
	require.Equal(t, 1, h.rs.count())
	assert.True(t, h.rs.calls[0].force)

	h.now = h.now.Add(30 * time.Second)
	require.NoError(t, h.loop.Tick(ctx))
	assert.Equal(t, 1, h.rs.count(), "second attempt inside the debounce window")

	h.now = h.now.Add(31 * time.Second)
	require.NoError(t, h.loop.Tick(ctx))
	assert.Equal(t, 2, h.rs.count())
}

func TestAlwaysOnAliveIsNotRestarted(t *testing.T) {
	h := newHarness(t, store.Client{Name: "ao", ConfigPath: "/c/ao.toml", Enabled: true, AlwaysOn: true})
	h.prober.running[h.clients["ao"].ID] = true
	require.NoError(t, h.loop.Tick(context.Background()))
	assert.Zero(t, h.rs.count())
	assert.Equal(t, store.StatusRunning, h.status(t, "ao"))
}

func TestAlwaysOnFailureAlertsAndExhaustionFiresOnce(t *testing.T) {
	h := newHarness(t, store.Client{Name: "ao", ConfigPath: "/c/ao.toml", Enabled: true, AlwaysOn: true})
	h.rs.fail = true
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, h.loop.Tick(ctx))
		h.now = h.now.Add(61 * time.Second)
	}

	assert.Equal(t, 6, h.rs.count())
	assert.Equal(t, 6, h.alerts.count(alert.TypeAlwaysOnFailure))
	assert.Equal(t, 1, h.alerts.count(alert.TypeRestartExhausted))
}

func TestExhaustionRearmsAfterSuccess(t *testing.T) {
	h := newHarness(t, store.Client{Name: "ao", ConfigPath: "/c/ao.toml", Enabled: true, AlwaysOn: true})
	ctx := context.Background()
	h.rs.fail = true
	for i := 0; i < 3; i++ {
		require.NoError(t, h.loop.Tick(ctx))
		h.now = h.now.Add(61 * time.Second)
	}
	require.Equal(t, 1, h.alerts.count(alert.TypeRestartExhausted))

	h.rs.fail = false
	require.NoError(t, h.loop.Tick(ctx))
	h.now = h.now.Add(61 * time.Second)

	h.rs.fail = true
	for i := 0; i < 3; i++ {
		require.NoError(t, h.loop.Tick(ctx))
		h.now = h.now.Add(61 * time.Second)
	}
	assert.Equal(t, 2, h.alerts.count(alert.TypeRestartExhausted))
}

func TestPanicInOneClientDoesNotStopOthers(t *testing.T) {
	h := newHarness(t,
		store.Client{Name: "bad", ConfigPath: "/c/bad.toml", Enabled: true, AlwaysOn: true},
		store.Client{Name: "good", ConfigPath: "/c/good.toml", Enabled: true, Status: store.StatusRunning},
	)
	h.rs.panicOn = h.clients["bad"].ID

	require.NotPanics(t, func() { _ = h.loop.Tick(context.Background()) })
	assert.Equal(t, store.StatusStopped, h.status(t, "good"))
}

func TestTickAcquiresConnectionEachTime(t *testing.T) {
	h := newHarness(t, store.Client{Name: "a", ConfigPath: "/c/a.toml", Enabled: true})
	for i := 0; i < 3; i++ {
		require.NoError(t, h.loop.Tick(context.Background()))
	}
	assert.Equal(t, 3, h.st.Acquired())
}

type failingAcquirer struct{}

func (failingAcquirer) Acquire(context.Context) (store.Conn, error) {
	return nil, errors.New("pool exhausted")
}

func TestTickAcquireFailureIsReturned(t *testing.T) {
	l := &Loop{Store: failingAcquirer{}, Probe: &fakeProber{}}
	assert.Error(t, l.Tick(context.Background()))
}

func TestRunSelfCheckFailure(t *testing.T) {
	h := newHarness(t)
	h.prober.checkErr = errs.TransientIO("probe", "enumerate processes", errors.New("no /proc"))
	err := h.loop.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsTransientIO(err))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	h := newHarness(t, store.Client{Name: "a", ConfigPath: "/c/a.toml", Enabled: true})
	ticks := make(chan time.Time)
	h.loop.Ticks = ticks
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	ticks <- time.Now()
	ticks <- time.Now()
	require.Eventually(t, func() bool { return h.st.Acquired() >= 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManualRestart(t *testing.T) {
	h := newHarness(t,
		store.Client{Name: "on", ConfigPath: "/c/on.toml", Enabled: true},
		store.Client{Name: "off", ConfigPath: "/c/off.toml", Enabled: false},
	)
	ctx := context.Background()

	_, err := h.loop.ManualRestart(ctx, h.st, h.clients["off"].ID, false, false)
	assert.True(t, errs.IsValidation(err))

	_, err = h.loop.ManualRestart(ctx, h.st, 404, false, false)
	assert.True(t, errs.IsNotFound(err))

	res, err := h.loop.ManualRestart(ctx, h.st, h.clients["on"].ID, false, true)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Equal(t, 1, h.rs.count())
	assert.False(t, h.rs.calls[0].force)
}

func TestStatesPrunesDeletedClients(t *testing.T) {
	h := newHarness(t, store.Client{Name: "a", ConfigPath: "/c/a.toml", Enabled: true})
	require.NoError(t, h.loop.Tick(context.Background()))
	require.Len(t, h.loop.States(), 1)

	c := h.clients["a"]
	c.Enabled = false
	_, err := h.st.SaveClient(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, h.loop.Tick(context.Background()))
	assert.Empty(t, h.loop.States())
}

func TestRotationSweep(t *testing.T) {
	dir := t.TempDir()
	st := memory.New()
	ctx := context.Background()
	a, err := st.SaveClient(ctx, store.Client{Name: "a", ConfigPath: "/c/a.toml", Enabled: true})
	require.NoError(t, err)
	_, err = st.SaveClient(ctx, store.Client{Name: "b", ConfigPath: "/c/b.toml", Enabled: true})
	require.NoError(t, err)

	logPath := func(id int64) string { return filepath.Join(dir, "client-"+strconv.FormatInt(id, 10)+".log") }
	require.NoError(t, os.WriteFile(logPath(a.ID), []byte("0123456789abcdef"), 0o644))

	sweep := &RotationSweep{Store: st, Rotator: &logrotate.Rotator{Threshold: 10}, LogPath: logPath}
	n, err := sweep.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(logrotate.BackupPath(logPath(a.ID), 1))
	assert.NoError(t, err)
	_, count := sweep.LastRun()
	assert.Equal(t, 1, count)
}

func TestRotationSweepSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 5m"))
	assert.NoError(t, ValidateSchedule("*/30 * * * * *"))
	assert.Error(t, ValidateSchedule("not a schedule"))

	sweep := &RotationSweep{Store: memory.New(), Rotator: &logrotate.Rotator{}, LogPath: func(int64) string { return "" }, Schedule: "@every 1h"}
	require.NoError(t, sweep.Start())
	assert.Error(t, sweep.Start())
	assert.False(t, sweep.Next().IsZero())
	sweep.Stop()
	assert.True(t, sweep.Next().IsZero())
	sweep.Stop()
}
