// Package process starts, stops and restarts managed clients. Clients are
// spawned detached and never owned: later operations rediscover them from
// the process table.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/frpvisor/internal/clientconf"
	"github.com/loykin/frpvisor/internal/detector"
	"github.com/loykin/frpvisor/internal/errs"
	"github.com/loykin/frpvisor/internal/history"
	"github.com/loykin/frpvisor/internal/logrotate"
	"github.com/loykin/frpvisor/internal/metrics"
	"github.com/loykin/frpvisor/internal/ratelimit"
	"github.com/loykin/frpvisor/internal/store"
)

const (
	DefaultStopGrace   = 2 * time.Second
	DefaultSettleDelay = 500 * time.Millisecond

	markerTimeLayout = "2006-01-02 15:04:05"
)

// PIDResolver finds the live PIDs of a client. *detector.Probe implements it.
type PIDResolver interface {
	PIDs(ctx context.Context, configRef string) ([]int, error)
}

type Options struct {
	Binary      string
	AllowedDirs []string
	LogsDir     string
	StopGrace   time.Duration
	SettleDelay time.Duration

	Probe   PIDResolver
	Limiter *ratelimit.Limiter
	Policy  ratelimit.Policy
	Store   store.ClientStore
	Rotator *logrotate.Rotator
	// History is optional.
	History history.Sink

	Spawner  Spawner
	Signaler Signaler
	Ports    detector.PortChecker
	Sleep    func(ctx context.Context, d time.Duration) error
	Logger   *slog.Logger
}

// Result describes a completed operation. Failures are reported through the
// accompanying error, which is an *errs.Error.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	PID     int    `json:"pid,omitempty"`
	// Killed lists PIDs that ignored SIGTERM and were force-killed.
	Killed []int `json:"killed,omitempty"`
	// Record is the limiter state after a restart attempt was recorded.
	Record *ratelimit.Record `json:"record,omitempty"`
}

// Launcher holds a per-client lock for the whole of every operation, so
// concurrent restarts of one client cannot both pass the limiter.
type Launcher struct {
	opts  Options
	locks sync.Map // int64 -> *sync.Mutex
}

func New(opts Options) *Launcher {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Binary == "" {
		opts.Binary = detector.DefaultBinaryName
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(nil)
	}
	if opts.Policy == (ratelimit.Policy{}) {
		opts.Policy = ratelimit.DefaultPolicy()
	}
	if opts.Spawner == nil {
		opts.Spawner = OSSpawner{}
	}
	if opts.Signaler == nil {
		opts.Signaler = OSSignaler{}
	}
	if opts.Ports == nil {
		opts.Ports = detector.TCPChecker{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Launcher{opts: opts}
}

func (l *Launcher) lock(id int64) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// LogPath is the per-client log file.
func (l *Launcher) LogPath(id int64) string {
	return filepath.Join(l.opts.LogsDir, fmt.Sprintf("client-%d.log", id))
}

func (l *Launcher) Limiter() *ratelimit.Limiter { return l.opts.Limiter }

func (l *Launcher) Policy() ratelimit.Policy { return l.opts.Policy }

// Start spawns the client binary for configRef. clearLog truncates the log
// instead of rotating it, and marks the start as a manual restart.
func (l *Launcher) Start(ctx context.Context, id int64, configRef string, clearLog bool) (Result, error) {
	defer l.lock(id)()
	return l.startLogged(ctx, id, configRef, clearLog)
}

func (l *Launcher) startLogged(ctx context.Context, id int64, configRef string, clearLog bool) (Result, error) {
	res, err := l.start(ctx, id, configRef, clearLog)
	label := clientLabel(id)
	ev := history.NewEvent(history.EventStart, id, label)
	if err != nil {
		metrics.IncStart(label, "failed")
		l.opts.Logger.Error("client start failed", "client", id, "config", configRef, "error", err)
		ev.Message = err.Error()
	} else {
		metrics.IncStart(label, "ok")
		l.opts.Logger.Info("client started", "client", id, "pid", res.PID)
		ev.OK = true
		ev.PID = res.PID
	}
	l.emit(ctx, ev)
	return res, err
}

func (l *Launcher) start(ctx context.Context, id int64, configRef string, clearLog bool) (Result, error) {
	path, err := clientconf.Confine(configRef, l.opts.AllowedDirs)
	if err != nil {
		return Result{Message: err.Error()}, err
	}
	if fi, err := os.Stat(l.opts.Binary); err != nil || fi.IsDir() {
		e := errs.Validation("start", "client binary not found: "+l.opts.Binary)
		return Result{Message: e.Message}, e
	}

	port, declared, perr := clientconf.AdminPort(path)
	if perr != nil {
		l.opts.Logger.Warn("admin port lookup failed", "client", id, "config", path, "error", perr)
	}
	if declared && l.opts.Ports.Listening(ctx, port) {
		e := errs.PortConflict("start", port).With("client", id)
		return Result{Message: e.Message}, e
	}

	logPath := l.LogPath(id)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		e := errs.TransientIO("start", "create logs dir", err)
		return Result{Message: e.Error()}, e
	}
	if !clearLog && l.opts.Rotator != nil {
		l.opts.Rotator.Rotate(logPath)
	}
	f, err := openLog(logPath, clearLog)
	if err != nil {
		e := errs.TransientIO("start", "open client log", err)
		return Result{Message: e.Error()}, e
	}
	defer func() { _ = f.Close() }()
	marker := "start"
	if clearLog {
		marker = "start (manual restart)"
	}
	if _, err := fmt.Fprintf(f, "[%s] %s\n", time.Now().Format(markerTimeLayout), marker); err != nil {
		l.opts.Logger.Warn("write start marker failed", "client", id, "error", err)
	}

	pid, err := l.opts.Spawner.Spawn(ctx, l.opts.Binary, []string{"-c", path}, f)
	if err != nil {
		e := errs.Spawn("start", err).With("client", id)
		return Result{Message: e.Error()}, e
	}

	if err := l.opts.Store.SetStatus(ctx, id, store.StatusRunning); err != nil {
		l.opts.Logger.Warn("status write failed after start", "client", id, "error", err)
	}
	return Result{OK: true, Message: "started", PID: pid}, nil
}

// Stop terminates every process matching the client's configuration. It
// succeeds when nothing is running and always records status=stopped.
func (l *Launcher) Stop(ctx context.Context, id int64) (Result, error) {
	defer l.lock(id)()
	return l.stop(ctx, id)
}

func (l *Launcher) stop(ctx context.Context, id int64) (Result, error) {
	c, err := l.opts.Store.GetClient(ctx, id)
	if err != nil {
		return Result{Message: err.Error()}, err
	}
	label := clientLabel(id)

	pids, err := l.opts.Probe.PIDs(ctx, c.ConfigPath)
	if err != nil {
		l.opts.Logger.Warn("pid lookup failed, treating client as stopped", "client", id, "error", err)
	}
	mode := "none"
	var killed []int
	if len(pids) > 0 {
		mode = "graceful"
		for _, pid := range pids {
			if err := l.opts.Signaler.Terminate(pid); err != nil {
				l.opts.Logger.Warn("terminate failed", "client", id, "pid", pid, "error", err)
			}
		}
		if err := l.opts.Sleep(ctx, l.opts.StopGrace); err != nil {
			return Result{Message: err.Error()}, errs.Internal("stop", "interrupted", err)
		}
		survivors, err := l.opts.Probe.PIDs(ctx, c.ConfigPath)
		if err != nil {
			l.opts.Logger.Warn("pid re-check failed", "client", id, "error", err)
		}
		for _, pid := range survivors {
			if err := l.opts.Signaler.Kill(pid); err != nil {
				l.opts.Logger.Warn("kill failed", "client", id, "pid", pid, "error", err)
				continue
			}
			killed = append(killed, pid)
		}
		if len(killed) > 0 {
			mode = "killed"
		}
	}

	if err := l.opts.Store.SetStatus(ctx, id, store.StatusStopped); err != nil {
		l.opts.Logger.Warn("status write failed after stop", "client", id, "error", err)
	}
	metrics.IncStop(label, mode)
	metrics.ForgetProcess(label)
	l.opts.Logger.Info("client stopped", "client", id, "mode", mode, "pids", pids)

	ev := history.NewEvent(history.EventStop, id, c.Name)
	ev.OK = true
	ev.Message = mode
	l.emit(ctx, ev)
	return Result{OK: true, Message: "stopped", Killed: killed}, nil
}

// Restart runs stop, a settle delay and start, subject to the restart
// limiter. Every outcome, including a denial, is recorded with the limiter.
func (l *Launcher) Restart(ctx context.Context, id int64, name, configRef string, force, clearLog bool) (Result, error) {
	defer l.lock(id)()
	key := clientLabel(id)
	trigger := "manual"
	if force {
		trigger = "forced"
	}
	res, err := l.restart(ctx, id, key, configRef, force, clearLog)
	result := "ok"
	if err != nil {
		result = "failed"
		if errs.IsRestartLimit(err) {
			result = "denied"
		}
	}
	metrics.IncRestart(key, trigger, result)

	ev := history.NewEvent(history.EventRestart, id, name)
	ev.OK = err == nil
	ev.PID = res.PID
	if err != nil {
		ev.Message = err.Error()
		l.opts.Logger.Warn("client restart failed", "client", name, "id", id, "forced", force, "error", err)
	} else {
		l.opts.Logger.Info("client restarted", "client", name, "id", id, "forced", force, "pid", res.PID)
	}
	l.emit(ctx, ev)
	return res, err
}

func (l *Launcher) restart(ctx context.Context, id int64, key, configRef string, force, clearLog bool) (Result, error) {
	p := l.opts.Policy
	d := l.opts.Limiter.Check(key, p, force)
	if !d.Allowed {
		rec := l.opts.Limiter.Record(key, p, false)
		return Result{Message: d.Reason, Record: &rec}, d.Err
	}

	if _, err := l.stop(ctx, id); err != nil {
		rec := l.opts.Limiter.Record(key, p, false)
		return Result{Message: "stop failed: " + err.Error(), Record: &rec}, err
	}
	if err := l.opts.Sleep(ctx, l.opts.SettleDelay); err != nil {
		rec := l.opts.Limiter.Record(key, p, false)
		return Result{Message: err.Error(), Record: &rec}, errs.Internal("restart", "interrupted", err)
	}
	res, err := l.startLogged(ctx, id, configRef, clearLog)
	rec := l.opts.Limiter.Record(key, p, err == nil)
	res.Record = &rec
	if err == nil {
		res.Message = "restarted"
	}
	return res, err
}

func (l *Launcher) emit(ctx context.Context, e history.Event) {
	if l.opts.History == nil {
		return
	}
	if err := l.opts.History.Send(ctx, e); err != nil {
		l.opts.Logger.Warn("history export failed", "event", e.Type, "client", e.ClientID, "error", err)
	}
}

func openLog(path string, truncate bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	// #nosec G304 -- path is built from the logs dir and a numeric id
	return os.OpenFile(path, flags, 0o640)
}

// clientLabel is the limiter key and metrics label for a client.
func clientLabel(id int64) string { return strconv.FormatInt(id, 10) }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
