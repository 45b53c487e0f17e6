package supervisor

import (
	"context"
	"time"

	"github.com/loykin/frpvisor/internal/detector"
	"github.com/loykin/frpvisor/internal/store"
)

// ClientReport is one row of a status listing.
type ClientReport struct {
	store.Client
	Running    bool      `json:"running"`
	Zombie     bool      `json:"zombie"`
	AdminPort  int       `json:"admin_port,omitempty"`
	PIDs       []int     `json:"pids,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	State      State     `json:"state"`
	LastForced time.Time `json:"last_forced,omitempty"`
}

// Report probes every client, enabled or not, in one pass and writes the
// observed status back to cs where it differs.
func (l *Loop) Report(ctx context.Context, cs store.ClientStore) ([]ClientReport, error) {
	l.init()
	clients, err := cs.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]detector.Target, 0, len(clients))
	for _, c := range clients {
		targets = append(targets, detector.Target{ID: c.ID, ConfigRef: c.ConfigPath})
	}
	obs := l.Probe.BatchInspect(ctx, targets)

	tracked := make(map[int64]ClientState)
	for _, st := range l.States() {
		tracked[st.ID] = st
	}

	out := make([]ClientReport, 0, len(clients))
	for _, c := range clients {
		o := obs[c.ID]
		want := store.StatusStopped
		if o.Running {
			want = store.StatusRunning
		}
		if err := reconcile(ctx, cs, c, want); err != nil {
			l.logger().Warn("status reconcile failed", "client", c.Name, "error", err)
		} else {
			c.Status = want
		}
		r := ClientReport{
			Client:    c,
			Running:   o.Running,
			Zombie:    o.Zombie,
			AdminPort: o.AdminPort,
			PIDs:      o.PIDs,
			StartedAt: o.StartedAt,
			State:     StateUnknown,
		}
		if st, ok := tracked[c.ID]; ok {
			r.State = st.State
			r.LastForced = st.LastForced
		}
		out = append(out, r)
	}
	return out, nil
}

// ReportOne is Report for a single client.
func (l *Loop) ReportOne(ctx context.Context, cs store.ClientStore, id int64) (ClientReport, error) {
	l.init()
	c, err := cs.GetClient(ctx, id)
	if err != nil {
		return ClientReport{}, err
	}
	o := l.Probe.BatchInspect(ctx, []detector.Target{{ID: c.ID, ConfigRef: c.ConfigPath}})[c.ID]
	want := store.StatusStopped
	if o.Running {
		want = store.StatusRunning
	}
	if err := reconcile(ctx, cs, c, want); err == nil {
		c.Status = want
	}
	r := ClientReport{Client: c, Running: o.Running, Zombie: o.Zombie, AdminPort: o.AdminPort, PIDs: o.PIDs, StartedAt: o.StartedAt, State: StateUnknown}
	for _, st := range l.States() {
		if st.ID == id {
			r.State = st.State
			r.LastForced = st.LastForced
		}
	}
	return r, nil
}
