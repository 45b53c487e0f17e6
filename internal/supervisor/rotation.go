package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/frpvisor/internal/logrotate"
	"github.com/loykin/frpvisor/internal/store"
)

const DefaultRotationSchedule = "@every 5m"

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron expression or descriptor.
func ValidateSchedule(schedule string) error {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// RotationSweep rotates every client's log on a cron schedule, so logs of
// long-running clients are capped without waiting for the next start.
type RotationSweep struct {
	Store    store.ClientStore
	Rotator  *logrotate.Rotator
	LogPath  func(id int64) string
	Schedule string
	Timeout  time.Duration
	Logger   *slog.Logger

	mu        sync.Mutex
	scheduler *cron.Cron
	entryID   cron.EntryID
	lastRun   time.Time
	lastCount int
}

// Start schedules the sweep. It is an error to start twice.
func (r *RotationSweep) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return fmt.Errorf("rotation sweep already scheduled")
	}
	schedule := r.Schedule
	if schedule == "" {
		schedule = DefaultRotationSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}
	sched := cron.New(cron.WithParser(scheduleParser))
	id, err := sched.AddJob(schedule, r)
	if err != nil {
		return fmt.Errorf("failed to schedule rotation sweep: %w", err)
	}
	r.scheduler = sched
	r.entryID = id
	sched.Start()
	r.logger().Info("rotation sweep scheduled", "schedule", schedule)
	return nil
}

// Stop unschedules the sweep and waits for a running sweep to finish.
func (r *RotationSweep) Stop() {
	r.mu.Lock()
	sched := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()
	if sched == nil {
		return
	}
	<-sched.Stop().Done()
	r.logger().Info("rotation sweep stopped")
}

// Next reports the next scheduled run, zero when not scheduled.
func (r *RotationSweep) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler == nil {
		return time.Time{}
	}
	return r.scheduler.Entry(r.entryID).Next
}

// Run implements cron.Job.
func (r *RotationSweep) Run() {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := r.Sweep(ctx); err != nil {
		r.logger().Error("rotation sweep failed", "error", err)
	}
}

// Sweep rotates the log of every known client and returns how many rotated.
func (r *RotationSweep) Sweep(ctx context.Context) (int, error) {
	clients, err := r.Store.ListClients(ctx)
	if err != nil {
		return 0, fmt.Errorf("list clients: %w", err)
	}
	paths := make([]string, 0, len(clients))
	for _, c := range clients {
		paths = append(paths, r.LogPath(c.ID))
	}
	n := r.Rotator.RotateAll(paths)
	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastCount = n
	r.mu.Unlock()
	if n > 0 {
		r.logger().Info("client logs rotated", "count", n)
	}
	return n, nil
}

func (r *RotationSweep) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// LastRun reports when the sweep last ran and how many logs it rotated.
func (r *RotationSweep) LastRun() (time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastCount
}
