package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpvisor/internal/errs"
	"github.com/loykin/frpvisor/internal/store"
)

func TestReportProbesAllClientsInOneBatch(t *testing.T) {
	h := newHarness(t,
		store.Client{Name: "up", ConfigPath: "/c/up.toml", Enabled: true},
		store.Client{Name: "off", ConfigPath: "/c/off.toml", Enabled: false, Status: store.StatusRunning},
	)
	h.prober.running[h.clients["up"].ID] = true

	reports, err := h.loop.Report(context.Background(), h.st)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Len(t, h.prober.targets, 1)
	assert.Len(t, h.prober.targets[0], 2, "listing includes disabled clients")

	byName := map[string]ClientReport{}
	for _, r := range reports {
		byName[r.Name] = r
	}
	assert.True(t, byName["up"].Running)
	assert.Equal(t, store.StatusRunning, byName["up"].Status)
	assert.NotEmpty(t, byName["up"].PIDs)
	assert.Equal(t, StateUnknown, byName["up"].State)
	assert.False(t, byName["off"].Running)
	assert.Equal(t, store.StatusStopped, byName["off"].Status)

	assert.Equal(t, store.StatusRunning, h.status(t, "up"))
	assert.Equal(t, store.StatusStopped, h.status(t, "off"))
}

func TestReportCarriesLoopState(t *testing.T) {
	h := newHarness(t, store.Client{Name: "ao", ConfigPath: "/c/ao.toml", Enabled: true, AlwaysOn: true})
	ctx := context.Background()
	require.NoError(t, h.loop.Tick(ctx))

	r, err := h.loop.ReportOne(ctx, h.st, h.clients["ao"].ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, r.State)
	assert.Equal(t, h.now, r.LastForced)
}

func TestReportOneUnknownClient(t *testing.T) {
	h := newHarness(t)
	_, err := h.loop.ReportOne(context.Background(), h.st, 42)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}
