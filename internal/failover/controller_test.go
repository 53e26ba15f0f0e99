package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

type fakeProber struct {
	mu   sync.Mutex
	down map[string]bool
	rtt  map[string]time.Duration
}

func (p *fakeProber) Probe(_ context.Context, host string, _ time.Duration) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[host] {
		return 0, errors.New("host unreachable")
	}
	if d, ok := p.rtt[host]; ok {
		return d, nil
	}
	return 10 * time.Millisecond, nil
}

func (p *fakeProber) setDown(host string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[host] = down
}

type fixture struct {
	core   *core.Core
	ctrl   *Controller
	prober *fakeProber
	group  *model.ExitGroup
	e1, e2 *model.ExitNode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))
	w := db.NewWriter(d)
	bus := journal.NewBus(zerolog.Nop())
	t.Cleanup(func() {
		bus.Close()
		w.Close()
		d.Close()
	})
	c := core.New(d, w, crypto.Disabled(), bus, zerolog.Nop())

	ctx := context.Background()
	cs, err := c.Init(ctx, core.InitParams{
		Hostname: "hub", Endpoint: "vpn.example.com:51820",
		IPv4CIDR: "10.66.0.0/24", IPv6CIDR: "fd66::/64",
	})
	require.NoError(t, err)

	e1, err := c.AddExit(ctx, core.AddExitParams{Hostname: "e1", Endpoint: "e1.example.com:51820"})
	require.NoError(t, err)
	e2, err := c.AddExit(ctx, core.AddExitParams{Hostname: "e2", Endpoint: "e2.example.com:51820"})
	require.NoError(t, err)

	g := &model.ExitGroup{CSID: cs.ID, Name: "edge", Strategy: model.StrategyPriority}
	require.NoError(t, c.CreateExitGroup(ctx, g))
	require.NoError(t, c.AddGroupMember(ctx, "edge", "e1", 1, 1))
	require.NoError(t, c.AddGroupMember(ctx, "edge", "e2", 2, 1))

	_, err = c.AddRemote(ctx, core.AddRemoteParams{Hostname: "dave", ExitGroup: "edge"})
	require.NoError(t, err)

	prober := &fakeProber{down: map[string]bool{}, rtt: map[string]time.Duration{}}
	ctrl := New(c, prober, zerolog.Nop(), prometheus.NewRegistry())
	return &fixture{core: c, ctrl: ctrl, prober: prober, group: g, e1: e1, e2: e2}
}

func (f *fixture) activeExit(t *testing.T) *int64 {
	t.Helper()
	r, err := f.core.GetRemote(context.Background(), "dave")
	require.NoError(t, err)
	return r.ActiveExitID
}

func TestFailoverAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NotNil(t, f.activeExit(t))
	assert.Equal(t, f.e1.ID, *f.activeExit(t))

	f.prober.setDown("e1.example.com", true)

	// Three failed rounds degrade the exit but keep the assignment.
	for i := 0; i < 3; i++ {
		_, err := f.ctrl.Check(ctx, f.group.ID)
		require.NoError(t, err)
	}
	members, err := f.core.GroupMembers(ctx, f.group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExitDegraded, stateOf(members, f.e1.ID))
	assert.Equal(t, f.e1.ID, *f.activeExit(t))

	// Two more rounds open the breaker and move dave in one transaction.
	for i := 0; i < 2; i++ {
		_, err := f.ctrl.Check(ctx, f.group.ID)
		require.NoError(t, err)
	}
	members, err = f.core.GroupMembers(ctx, f.group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExitFailed, stateOf(members, f.e1.ID))
	require.NotNil(t, f.activeExit(t))
	assert.Equal(t, f.e2.ID, *f.activeExit(t))

	history, err := f.core.FailoverHistory(ctx, f.group.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "health_check_failed", history[0].TriggerReason)
	assert.True(t, history[0].Success)
	require.NotNil(t, history[0].FromExitID)
	assert.Equal(t, f.e1.ID, *history[0].FromExitID)
	require.NotNil(t, history[0].ToExitID)
	assert.Equal(t, f.e2.ID, *history[0].ToExitID)

	// One good probe closes the breaker, but there is no automatic
	// failback: dave stays on e2.
	f.prober.setDown("e1.example.com", false)
	_, err = f.ctrl.Check(ctx, f.group.ID)
	require.NoError(t, err)
	members, err = f.core.GroupMembers(ctx, f.group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExitHealthy, stateOf(members, f.e1.ID))
	assert.Equal(t, f.e2.ID, *f.activeExit(t))
}

func TestNoHealthyMemberDropsExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.prober.setDown("e1.example.com", true)
	f.prober.setDown("e2.example.com", true)
	for i := 0; i < 5; i++ {
		_, err := f.ctrl.Check(ctx, f.group.ID)
		require.NoError(t, err)
	}

	assert.Nil(t, f.activeExit(t))
	history, err := f.core.FailoverHistory(ctx, f.group.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "no_healthy_member", history[0].TriggerReason)
	assert.False(t, history[0].Success)
	assert.Nil(t, history[0].ToExitID)

	// The client config no longer carries an exit peer.
	text, err := f.core.RenderRemote(ctx, "dave")
	require.NoError(t, err)
	assert.NotContains(t, text, "(exit)")
}

func TestOnChangeFiresAfterReassignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fired := 0
	f.ctrl.OnChange = func(context.Context) error {
		fired++
		return nil
	}

	f.prober.setDown("e1.example.com", true)
	for i := 0; i < 5; i++ {
		f.ctrl.handle(ctx, task{groupID: f.group.ID, reason: "scheduled"})
	}
	assert.Equal(t, 1, fired)
}

func TestForceFailover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.core.ForceFailover(ctx, "edge", "e1")
	require.NoError(t, err)
	require.Len(t, out.Reassigned, 1)
	assert.Equal(t, "operator_forced", out.Reassigned[0].TriggerReason)
	require.NotNil(t, f.activeExit(t))
	assert.Equal(t, f.e2.ID, *f.activeExit(t))
}

func TestLatencyWindowMedian(t *testing.T) {
	w := &latencyWindow{}
	for _, v := range []float64{100, 10, 30, 20, 40} {
		w.push(v)
	}
	assert.Equal(t, 30.0, w.median())

	// The window slides: the 100ms outlier ages out.
	w.push(25)
	assert.Equal(t, 25.0, w.median())

	even := &latencyWindow{}
	even.push(10)
	even.push(20)
	assert.Equal(t, 15.0, even.median())
}

func stateOf(members []core.GroupMember, exitID int64) model.ExitState {
	for _, m := range members {
		if m.ExitNodeID == exitID {
			return m.State
		}
	}
	return ""
}
