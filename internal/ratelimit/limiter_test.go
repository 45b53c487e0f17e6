package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpvisor/internal/errs"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Unix(1_700_000_000, 0).Add(offset)
}

func TestCooldownDenies(t *testing.T) {
	clk := newClock()
	l := New(NewMemoryStore(), WithClock(clk.Now))
	p := Policy{MaxRestarts: 3, Window: 300 * time.Second, Cooldown: 10 * time.Second}

	l.Record("1", p, true)
	clk.Set(5 * time.Second)
	d := l.Check("1", p, false)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "wait 5 seconds")
	assert.True(t, errs.IsRestartLimit(d.Err))

	clk.Set(10 * time.Second)
	assert.True(t, l.Check("1", p, false).Allowed)
}

func TestWindowExhaustionAndLapse(t *testing.T) {
	clk := newClock()
	l := New(NewMemoryStore(), WithClock(clk.Now))
	p := Policy{MaxRestarts: 3, Window: 300 * time.Second, Cooldown: 0}

	for i := 0; i < 3; i++ {
		clk.Set(time.Duration(i) * time.Second)
		l.Record("7", p, false)
	}
	clk.Set(3 * time.Second)
	d := l.Check("7", p, false)
	require.False(t, d.Allowed)
	assert.Equal(t, "300s restart limit reached (3)", d.Reason)

	clk.Set(301 * time.Second)
	assert.True(t, l.Check("7", p, false).Allowed)

	// the lapse is finalized by the next record
	rec := l.Record("7", p, false)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, clk.Now(), rec.WindowStart)
	assert.Equal(t, 4, rec.ConsecutiveFailures)
}

func TestForceBypassesEverything(t *testing.T) {
	clk := newClock()
	l := New(nil, WithClock(clk.Now))
	p := Policy{MaxRestarts: 1, Window: time.Hour, Cooldown: time.Hour}
	l.Record("x", p, false)
	l.Record("x", p, false)
	assert.False(t, l.Check("x", p, false).Allowed)
	assert.True(t, l.Check("x", p, true).Allowed)
}

func TestRecordSemantics(t *testing.T) {
	clk := newClock()
	l := New(nil, WithClock(clk.Now))
	p := DefaultPolicy()

	r := l.Record("c", p, false)
	assert.Equal(t, 1, r.AttemptCount)
	assert.Equal(t, 1, r.ConsecutiveFailures)
	assert.Equal(t, clk.Now(), r.WindowStart)
	first := r.WindowStart

	clk.Set(20 * time.Second)
	r = l.Record("c", p, false)
	assert.Equal(t, first, r.WindowStart, "window start is set only on the first failure")
	assert.Equal(t, 2, r.ConsecutiveFailures)

	clk.Set(40 * time.Second)
	r = l.Record("c", p, true)
	assert.Equal(t, 0, r.ConsecutiveFailures)
	assert.Equal(t, 2, r.AttemptCount, "success does not refund the window budget")
	assert.Equal(t, clk.Now(), r.LastSuccess)
	assert.Equal(t, clk.Now(), r.LastRestart)

	// a clock step backwards never moves last restart back
	clk.Set(30 * time.Second)
	r = l.Record("c", p, true)
	assert.Equal(t, time.Unix(1_700_000_040, 0), r.LastRestart)
}

func TestReset(t *testing.T) {
	l := New(nil)
	p := Policy{MaxRestarts: 1, Window: time.Hour, Cooldown: time.Hour}
	l.Record("r", p, false)
	require.False(t, l.Check("r", p, false).Allowed)
	l.Reset("r")
	assert.True(t, l.Check("r", p, false).Allowed)
	assert.Equal(t, Record{}, l.Snapshot("r"))
}

func TestExhaustedFiresOncePerEpisode(t *testing.T) {
	l := New(nil)
	p := Policy{MaxRestarts: 3, Window: time.Hour}
	fired := 0
	for i := 0; i < 8; i++ {
		if Exhausted(l.Record("e", p, false), p) {
			fired++
		}
	}
	assert.Equal(t, 1, fired)

	// a success starts a new episode
	l.Record("e", p, true)
	fired = 0
	for i := 0; i < 5; i++ {
		if Exhausted(l.Record("e", p, false), p) {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
}

func TestAttemptsNeverExceedBudgetInWindow(t *testing.T) {
	for _, cooldown := range []time.Duration{0, 10 * time.Second} {
		clk := newClock()
		l := New(nil, WithClock(clk.Now))
		p := Policy{MaxRestarts: 3, Window: 300 * time.Second, Cooldown: cooldown}

		var attempts []time.Duration
		for s := 0; s < 2000; s++ {
			at := time.Duration(s) * time.Second
			clk.Set(at)
			if l.Check("k", p, false).Allowed {
				attempts = append(attempts, at)
				l.Record("k", p, false)
			}
		}
		require.NotEmpty(t, attempts)
		for i, start := range attempts {
			n := 0
			for _, a := range attempts[i:] {
				if a < start+p.Window {
					n++
				}
			}
			assert.LessOrEqual(t, n, p.MaxRestarts, "cooldown=%s window starting at %s", cooldown, start)
		}
	}
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	l := New(NewMemoryStore())
	p := Policy{MaxRestarts: 1000, Window: time.Hour}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l.Record("shared", p, false)
			}
		}()
	}
	wg.Wait()
	rec := l.Snapshot("shared")
	assert.Equal(t, 1000, rec.AttemptCount)
	assert.Equal(t, 1000, rec.ConsecutiveFailures)
}
