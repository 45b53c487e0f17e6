package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/frpvisor/internal/clientconf"
	"github.com/loykin/frpvisor/internal/errs"
)

// ProcInfo is one entry of an OS process listing.
type ProcInfo struct {
	PID  int
	Args []string
}

// Enumerator lists live OS processes. Implementations must be safe for
// concurrent use.
type Enumerator interface {
	List(ctx context.Context) ([]ProcInfo, error)
}

// Matcher picks the processes that belong to a managed client, identified by
// its configuration reference. Probe, batch probe and stop all share one
// Matcher so they agree on what "the client's process" is.
type Matcher interface {
	Match(procs []ProcInfo, configRef string) []int
}

// PortChecker reports whether something accepts TCP connections on a local port.
type PortChecker interface {
	Listening(ctx context.Context, port int) bool
}

// Target identifies one client to probe.
type Target struct {
	ID        int64
	ConfigRef string
}

// Observation is the detailed outcome of probing a single target.
type Observation struct {
	Running bool
	PIDs    []int
	// AdminPort is 0 when the configuration declares none.
	AdminPort int
	// Zombie is set when a process matched but its admin port is not listening.
	Zombie    bool
	StartedAt time.Time
}

// Probe rediscovers client liveness from the process table, cross-checked
// against each client's declared admin port.
type Probe struct {
	enum      Enumerator
	matcher   Matcher
	ports     PortChecker
	adminPort func(path string) (int, bool, error)
	startTime func(pid int) time.Time
	logger    *slog.Logger
}

func NewProbe(enum Enumerator, matcher Matcher, ports PortChecker, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		enum:      enum,
		matcher:   matcher,
		ports:     ports,
		adminPort: clientconf.AdminPort,
		startTime: StartTime,
		logger:    logger,
	}
}

// IsRunning probes a single client.
func (p *Probe) IsRunning(ctx context.Context, t Target) bool {
	return p.Inspect(ctx, t).Running
}

// BatchIsRunning probes every target against a single process enumeration.
func (p *Probe) BatchIsRunning(ctx context.Context, targets []Target) map[int64]bool {
	obs := p.BatchInspect(ctx, targets)
	out := make(map[int64]bool, len(obs))
	for id, o := range obs {
		out[id] = o.Running
	}
	return out
}

func (p *Probe) Inspect(ctx context.Context, t Target) Observation {
	procs, ok := p.list(ctx)
	if !ok {
		return Observation{}
	}
	return p.evaluate(ctx, procs, t)
}

func (p *Probe) BatchInspect(ctx context.Context, targets []Target) map[int64]Observation {
	out := make(map[int64]Observation, len(targets))
	if len(targets) == 0 {
		return out
	}
	procs, ok := p.list(ctx)
	for _, t := range targets {
		if !ok {
			out[t.ID] = Observation{}
			continue
		}
		out[t.ID] = p.evaluate(ctx, procs, t)
	}
	return out
}

// PIDs returns the live PIDs matching configRef.
func (p *Probe) PIDs(ctx context.Context, configRef string) ([]int, error) {
	procs, err := p.enum.List(ctx)
	if err != nil {
		return nil, errs.TransientIO("probe", "enumerate processes", err)
	}
	return p.matcher.Match(procs, configRef), nil
}

// Check enumerates once and returns the error, for startup self-checks.
func (p *Probe) Check(ctx context.Context) error {
	if _, err := p.enum.List(ctx); err != nil {
		return errs.TransientIO("probe", "enumerate processes", err)
	}
	return nil
}

func (p *Probe) list(ctx context.Context) ([]ProcInfo, bool) {
	procs, err := p.enum.List(ctx)
	if err != nil {
		p.logger.Warn("process enumeration failed, assuming not running", "error", err)
		return nil, false
	}
	return procs, true
}

func (p *Probe) evaluate(ctx context.Context, procs []ProcInfo, t Target) Observation {
	pids := p.matcher.Match(procs, t.ConfigRef)
	if len(pids) == 0 {
		return Observation{}
	}
	o := Observation{PIDs: pids, StartedAt: p.startTime(pids[0])}
	port, declared, err := p.adminPort(t.ConfigRef)
	if err != nil {
		p.logger.Warn("admin port lookup failed", "client", t.ID, "config", t.ConfigRef, "error", err)
	}
	if !declared {
		o.Running = true
		return o
	}
	o.AdminPort = port
	if p.ports.Listening(ctx, port) {
		o.Running = true
		return o
	}
	o.Zombie = true
	return o
}
