package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/journal"
)

func newTestCollector(t *testing.T) (*FleetCollector, *core.Core) {
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
	_, err = c.Init(context.Background(), core.InitParams{
		Hostname: "hub", Endpoint: "vpn.example.com:51820",
		IPv4CIDR: "10.66.0.0/24", IPv6CIDR: "fd66::/64",
	})
	require.NoError(t, err)
	return NewFleetCollector(c, zerolog.Nop()), c
}

func TestFleetCollectorCounts(t *testing.T) {
	col, c := newTestCollector(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		_, err := c.AddRemote(ctx, core.AddRemoteParams{Hostname: name})
		require.NoError(t, err)
	}

	expected := `
# HELP wgfleet_remotes Number of remote peers
# TYPE wgfleet_remotes gauge
wgfleet_remotes 2
`
	assert.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(expected), "wgfleet_remotes"))

	n := testutil.CollectAndCount(col)
	assert.GreaterOrEqual(t, n, 6)
}

func TestFleetCollectorRegisters(t *testing.T) {
	col, _ := newTestCollector(t)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(col))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
