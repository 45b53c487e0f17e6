// Package frpvisor supervises detached frpc client processes whose liveness
// is rediscovered from the process table on every tick.
package frpvisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/frpvisor/internal/alert"
	"github.com/loykin/frpvisor/internal/clientconf"
	cfg "github.com/loykin/frpvisor/internal/config"
	"github.com/loykin/frpvisor/internal/detector"
	"github.com/loykin/frpvisor/internal/errs"
	"github.com/loykin/frpvisor/internal/history"
	hfactory "github.com/loykin/frpvisor/internal/history/factory"
	"github.com/loykin/frpvisor/internal/logrotate"
	"github.com/loykin/frpvisor/internal/metrics"
	"github.com/loykin/frpvisor/internal/process"
	"github.com/loykin/frpvisor/internal/ratelimit"
	iapi "github.com/loykin/frpvisor/internal/server"
	"github.com/loykin/frpvisor/internal/store"
	sfactory "github.com/loykin/frpvisor/internal/store/factory"
	"github.com/loykin/frpvisor/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Client = store.Client

type Alert = store.Alert

type Result = process.Result

type ClientReport = supervisor.ClientReport

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Engine wires every component from a Config.
type Engine struct {
	cfg      *Config
	store    store.Store
	probe    *detector.Probe
	limiter  *ratelimit.Limiter
	launcher *process.Launcher
	loop     *supervisor.Loop
	sweep    *supervisor.RotationSweep
	notifier *alert.Notifier
	history  history.Multi
	logger   *slog.Logger
}

// Options override collaborators, mainly for tests and embedding.
type Options struct {
	Store      store.Store
	Enumerator detector.Enumerator
	Ports      detector.PortChecker
	Spawner    process.Spawner
	Signaler   process.Signaler
	Logger     *slog.Logger
}

// New builds an Engine. The store schema is created if missing.
func New(ctx context.Context, c *Config, opts Options) (*Engine, error) {
	if c == nil {
		d := cfg.Default()
		c = &d
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := c.EnsureDirs(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: c, logger: logger}

	st := opts.Store
	if st == nil {
		var err error
		if st, err = sfactory.NewFromDSN(c.Store.DSN); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	e.store = st

	for _, dsn := range c.History.Sinks {
		sink, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		e.history = append(e.history, sink)
	}

	sinks, err := e.alertSinks()
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.notifier = alert.NewNotifier(logger.With("component", "alert"), sinks...)

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	enum := opts.Enumerator
	if enum == nil {
		enum = detector.SystemEnumerator{}
	}
	ports := opts.Ports
	if ports == nil {
		ports = detector.TCPChecker{Timeout: c.Supervisor.PortTimeout}
	}
	e.probe = detector.NewProbe(enum, detector.ArgvMatcher{Binary: c.Paths.Binary}, ports, logger.With("component", "probe"))
	e.limiter = ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithLogger(logger.With("component", "ratelimit")))
	rotator := &logrotate.Rotator{
		Threshold:  c.Rotation.Threshold(),
		MaxBackups: c.Rotation.MaxBackups,
		Logger:     logger.With("component", "logrotate"),
	}

	var hist history.Sink
	if len(e.history) > 0 {
		hist = e.history
	}
	e.launcher = process.New(process.Options{
		Binary:      c.Paths.Binary,
		AllowedDirs: c.Paths.Allowed(),
		LogsDir:     c.Paths.LogsDir,
		StopGrace:   c.Supervisor.StopGrace,
		SettleDelay: c.Supervisor.SettleDelay,
		Probe:       e.probe,
		Limiter:     e.limiter,
		Policy:      c.Restart.Policy(),
		Store:       st,
		Rotator:     rotator,
		History:     hist,
		Spawner:     opts.Spawner,
		Signaler:    opts.Signaler,
		Ports:       ports,
		Logger:      logger.With("component", "launcher"),
	})
	e.loop = &supervisor.Loop{
		Store:           st,
		Probe:           e.probe,
		Launcher:        e.launcher,
		Policy:          c.Restart.Policy(),
		Alerts:          e.notifier,
		Interval:        c.Supervisor.Interval,
		Debounce:        c.Supervisor.Debounce,
		SampleResources: c.Supervisor.SampleResources,
		Logger:          logger.With("component", "supervisor"),
	}
	e.sweep = &supervisor.RotationSweep{
		Store:    st,
		Rotator:  rotator,
		LogPath:  e.launcher.LogPath,
		Schedule: c.Rotation.Schedule,
		Logger:   logger.With("component", "rotation"),
	}
	return e, nil
}

func (e *Engine) alertSinks() ([]alert.Sink, error) {
	var sinks []alert.Sink
	var names []string
	if e.cfg.Alert.Log {
		sinks = append(sinks, alert.LogSink{Logger: e.logger.With("component", "alert")})
		names = append(names, "log")
	}
	if e.cfg.Alert.MQTT.Enabled {
		m, err := alert.NewMQTTSink(e.cfg.Alert.MQTT.MQTTConfig)
		if err != nil {
			return nil, fmt.Errorf("mqtt alert sink: %w", err)
		}
		sinks = append(sinks, m)
		names = append(names, m.Name())
	}
	if e.cfg.Alert.Store {
		sinks = append(sinks, alert.StoreSink{Store: e.store, SentTo: names})
	}
	return sinks, nil
}

// Run supervises until ctx is cancelled. The control API is served only when
// enabled in the config.
func (e *Engine) Run(ctx context.Context) error {
	var ln net.Listener
	if e.cfg.Server.Enabled {
		var err error
		if ln, err = net.Listen("tcp", e.cfg.Server.Listen); err != nil {
			return fmt.Errorf("listen %s: %w", e.cfg.Server.Listen, err)
		}
	}
	if err := e.sweep.Start(); err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return err
	}
	defer e.sweep.Stop()

	g, gctx := errgroup.WithContext(ctx)
	// keeps the sweep alive when neither loop nor API is enabled
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if e.cfg.Supervisor.Enabled {
		g.Go(func() error { return e.loop.Run(gctx) })
	}
	if ln != nil {
		srv := iapi.NewServer(e.cfg.Server.Listen, e.Handler())
		e.logger.Info("control API listening", "addr", ln.Addr().String(), "base_path", e.cfg.Server.BasePath)
		g.Go(func() error { return iapi.Serve(gctx, srv, ln) })
	}
	return g.Wait()
}

// Handler returns the control API handler.
func (e *Engine) Handler() http.Handler {
	return iapi.NewRouter(iapi.Deps{
		Store:       e.store,
		Loop:        e.loop,
		Launcher:    e.launcher,
		AllowedDirs: e.cfg.Paths.Allowed(),
		Sweep:       e.sweep,
		Metrics:     e.cfg.Metrics.Enabled,
		Logger:      e.logger.With("component", "api"),
	}, e.cfg.Server.BasePath).Handler()
}

// Status probes every client once and reconciles stored status.
func (e *Engine) Status(ctx context.Context) ([]ClientReport, error) {
	return e.loop.Report(ctx, e.store)
}

func (e *Engine) Start(ctx context.Context, id int64, clearLog bool) (Result, error) {
	c, err := e.store.GetClient(ctx, id)
	if err != nil {
		return Result{Message: err.Error()}, err
	}
	if !c.Enabled {
		err := errs.Validation("start", "client "+c.Name+" is disabled")
		return Result{Message: err.Message}, err
	}
	return e.launcher.Start(ctx, id, c.ConfigPath, clearLog)
}

func (e *Engine) Stop(ctx context.Context, id int64) (Result, error) {
	return e.launcher.Stop(ctx, id)
}

func (e *Engine) Restart(ctx context.Context, id int64, force, clearLog bool) (Result, error) {
	return e.loop.ManualRestart(ctx, e.store, id, force, clearLog)
}

// ResetRestartLimit clears the limiter record of a client.
func (e *Engine) ResetRestartLimit(id int64) {
	e.limiter.Reset(strconv.FormatInt(id, 10))
}

// AddClient registers a client whose configuration lives in an allowed directory.
func (e *Engine) AddClient(ctx context.Context, name, configPath string, alwaysOn bool) (Client, error) {
	if name == "" {
		return Client{}, errs.Validation("add client", "name is required")
	}
	p, err := clientconf.Confine(configPath, e.cfg.Paths.Allowed())
	if err != nil {
		return Client{}, err
	}
	return e.store.SaveClient(ctx, Client{Name: name, ConfigPath: p, Enabled: true, AlwaysOn: alwaysOn})
}

// RotateLogs rotates every client log now.
func (e *Engine) RotateLogs(ctx context.Context) (int, error) {
	return e.sweep.Sweep(ctx)
}

func (e *Engine) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	return e.store.ListAlerts(ctx, limit)
}

// Close releases the store and every sink.
func (e *Engine) Close() error {
	var all []error
	if e.notifier != nil {
		all = append(all, e.notifier.Close())
	}
	if e.history != nil {
		all = append(all, e.history.Close())
	}
	if e.store != nil {
		all = append(all, e.store.Close())
	}
	return errors.Join(all...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
