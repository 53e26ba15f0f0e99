package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/audit"
	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/wgkey"
)

func newTestCore(t *testing.T) *Core {
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
	return New(d, w, crypto.Disabled(), bus, zerolog.Nop())
}

func initHub(t *testing.T, c *Core) *model.CoordinationServer {
	t.Helper()
	cs, err := c.Init(context.Background(), InitParams{
		Hostname: "hub",
		Endpoint: "vpn.example.com:51820",
		IPv4CIDR: "10.66.0.0/24",
		IPv6CIDR: "fd66::/64",
	})
	require.NoError(t, err)
	return cs
}

func TestInitCreatesHub(t *testing.T) {
	c := newTestCore(t)
	cs := initHub(t, c)

	assert.Equal(t, "10.66.0.1", cs.VPNIPv4)
	assert.Equal(t, "fd66::1", cs.VPNIPv6)
	assert.Equal(t, cs.PublicKey, cs.PermanentGUID)
	assert.NotEmpty(t, cs.PrivateKey)

	_, err := c.Init(context.Background(), InitParams{
		Hostname: "hub2", Endpoint: "x:51820", IPv4CIDR: "10.67.0.0/24",
	})
	var cf *faults.Conflict
	require.ErrorAs(t, err, &cf)
}

func seedRemoteAt(t *testing.T, c *Core, csID int64, hostname, v4 string) {
	t.Helper()
	_, pub, err := wgkey.Generate()
	require.NoError(t, err)
	_, err = c.db.ExecContext(context.Background(), `
		INSERT INTO remotes (cs_id, hostname, vpn_ipv4, public_key, permanent_guid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		csID, hostname, v4, pub, pub, now(), now())
	require.NoError(t, err)
}

func seedRouterAt(t *testing.T, c *Core, csID int64, hostname, v4 string) {
	t.Helper()
	_, pub, err := wgkey.Generate()
	require.NoError(t, err)
	_, err = c.db.ExecContext(context.Background(), `
		INSERT INTO subnet_routers (cs_id, hostname, vpn_ipv4, public_key, permanent_guid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		csID, hostname, v4, pub, pub, now(), now())
	require.NoError(t, err)
}

func TestAddRemoteFillsAddressGap(t *testing.T) {
	c := newTestCore(t)
	cs := initHub(t, c) // hub holds .1
	ctx := context.Background()

	seedRouterAt(t, c, cs.ID, "office", "10.66.0.20")
	seedRemoteAt(t, c, cs.ID, "r30", "10.66.0.30")
	seedRemoteAt(t, c, cs.ID, "r31", "10.66.0.31")
	seedRemoteAt(t, c, cs.ID, "r33", "10.66.0.33")

	// The new remote fills the gap at .32 inside the remote block; the
	// free addresses below .30 belong to the hub and the routers.
	r, err := c.AddRemote(ctx, AddRemoteParams{Hostname: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "10.66.0.32", r.VPNIPv4)

	// New peers append at the end of the persisted order.
	order, err := c.PeerOrder(ctx, cs.ID)
	require.NoError(t, err)
	require.NotEmpty(t, order)
	last := order[len(order)-1]
	assert.Equal(t, model.EntityRemote, last.PeerType)
	assert.Equal(t, r.ID, last.PeerID)
}

func TestAddRouterAllocatesInOwnBlock(t *testing.T) {
	c := newTestCore(t)
	cs := initHub(t, c)
	ctx := context.Background()

	seedRouterAt(t, c, cs.ID, "office", "10.66.0.20")
	seedRemoteAt(t, c, cs.ID, "r30", "10.66.0.30")

	snr, err := c.AddRouter(ctx, AddRouterParams{
		Hostname: "lab", Endpoint: "lab.example.com:51820",
		LANCIDRs: []string{"192.168.50.0/24"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.66.0.21", snr.VPNIPv4)
	assert.Contains(t, snr.AllowedIPs, "10.66.0.21/32")
}

func TestDuplicateAddressRejectedBySchema(t *testing.T) {
	c := newTestCore(t)
	cs := initHub(t, c)

	seedRemoteAt(t, c, cs.ID, "first", "10.66.0.50")

	_, pub, err := wgkey.Generate()
	require.NoError(t, err)
	_, err = c.db.ExecContext(context.Background(), `
		INSERT INTO remotes (cs_id, hostname, vpn_ipv4, public_key, permanent_guid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, "second", "10.66.0.50", pub, pub, now(), now())
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestRouterInsertsBeforeRemotes(t *testing.T) {
	c := newTestCore(t)
	cs := initHub(t, c)
	ctx := context.Background()

	_, err := c.AddRemote(ctx, AddRemoteParams{Hostname: "alice"})
	require.NoError(t, err)
	snr, err := c.AddRouter(ctx, AddRouterParams{
		Hostname: "office", Endpoint: "office.example.com:51820",
		LANCIDRs: []string{"192.168.10.0/24"},
	})
	require.NoError(t, err)

	order, err := c.PeerOrder(ctx, cs.ID)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, model.EntitySubnetRouter, order[0].PeerType)
	assert.Equal(t, snr.ID, order[0].PeerID)
	assert.Equal(t, model.EntityRemote, order[1].PeerType)
}

func TestRotateKeepsPermanentGUID(t *testing.T) {
	c := newTestCore(t)
	initHub(t, c)
	ctx := context.Background()

	r, err := c.AddRemote(ctx, AddRemoteParams{Hostname: "carol"})
	require.NoError(t, err)
	firstPub := r.PublicKey

	require.NoError(t, c.Rotate(ctx, model.EntityRemote, "carol", "scheduled"))

	after, err := c.GetRemote(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, firstPub, after.PermanentGUID)
	assert.NotEqual(t, firstPub, after.PublicKey)
	assert.NotNil(t, after.LastRotatedAt)

	history, err := c.RotationHistory(ctx, after.PermanentGUID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, firstPub, history[0].OldPublicKey)
	assert.Equal(t, after.PublicKey, history[0].NewPublicKey)

	// Both sides of the link show the new key.
	hub, err := c.RenderCS(ctx)
	require.NoError(t, err)
	assert.Contains(t, hub, after.PublicKey)
	assert.NotContains(t, hub, firstPub)

	client, err := c.RenderRemote(ctx, "carol")
	require.NoError(t, err)
	assert.Contains(t, client, "PrivateKey = "+after.PrivateKey)

	require.NoError(t, audit.Verify(ctx, c.db))
}

func TestExitOnlyRemoteHasNoHubEntry(t *testing.T) {
	c := newTestCore(t)
	initHub(t, c)
	ctx := context.Background()

	_, err := c.AddExit(ctx, AddExitParams{
		Hostname: "exit-fra", Endpoint: "fra.example.com:51820",
	})
	require.NoError(t, err)

	r, err := c.AddRemote(ctx, AddRemoteParams{
		Hostname: "kiosk", AccessLevel: model.AccessExitOnly, ExitNode: "exit-fra",
	})
	require.NoError(t, err)

	hub, err := c.RenderCS(ctx)
	require.NoError(t, err)
	assert.NotContains(t, hub, r.PublicKey)

	client, err := c.RenderRemote(ctx, "kiosk")
	require.NoError(t, err)
	assert.Contains(t, client, "AllowedIPs = 0.0.0.0/0, ::/0")
	assert.NotContains(t, client, "vpn.example.com")

	// The exit's own config carries the kiosk peer.
	exitConf, err := c.RenderExit(ctx, "exit-fra")
	require.NoError(t, err)
	assert.Contains(t, exitConf, r.PublicKey)
	assert.Contains(t, exitConf, "MASQUERADE")
}

func TestExitOnlyRequiresExit(t *testing.T) {
	c := newTestCore(t)
	initHub(t, c)

	_, err := c.AddRemote(context.Background(), AddRemoteParams{
		Hostname: "lost", AccessLevel: model.AccessExitOnly,
	})
	var ve *faults.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "exit", ve.Field)
}

// buildHubConf writes an importable hub directory: the hub file with a
// router and two remotes, plus bob's client file.
func buildHubConf(t *testing.T, dir string) (hubPriv, bobPriv, alicePub string) {
	t.Helper()
	hubPriv, hubPub, err := wgkey.Generate()
	require.NoError(t, err)
	routerPriv, routerPub, err := wgkey.Generate()
	require.NoError(t, err)
	_ = routerPriv
	bobPriv, bobPub, err := wgkey.Generate()
	require.NoError(t, err)
	_, alicePub, err = wgkey.Generate()
	require.NoError(t, err)

	hub := `# managed by wgfleet
[Interface]
PrivateKey = ` + hubPriv + `
Address = 10.66.0.1/24, fd66::1/64
ListenPort = 51820
PostUp = iptables -A FORWARD -i %i -j ACCEPT
PostUp = iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE
PostDown = iptables -D FORWARD -i %i -j ACCEPT

# office-router
[Peer]
PublicKey = ` + routerPub + `
AllowedIPs = 10.66.0.20/32, 192.168.10.0/24
Endpoint = office.example.com:51820

# bob
[Peer]
PublicKey = ` + bobPub + `
AllowedIPs = 10.66.0.30/32, fd66::30/128

# alice
[Peer]
PublicKey = ` + alicePub + ` # pending import
AllowedIPs = 10.66.0.31/32
`
	bob := `[Interface]
PrivateKey = ` + bobPriv + `
Address = 10.66.0.30/32, fd66::30/128

# hub
[Peer]
PublicKey = ` + hubPub + `
AllowedIPs = 10.66.0.0/24, fd66::/64
Endpoint = vpn.example.com:51820
PersistentKeepalive = 25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hub.conf"), []byte(hub), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.conf"), []byte(bob), 0o600))
	return hubPriv, bobPriv, alicePub
}

func TestImportPreservesBytes(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	dir := t.TempDir()
	buildHubConf(t, dir)

	report, err := c.ImportDir(ctx, dir, ImportParams{Endpoint: "vpn.example.com:51820"})
	require.NoError(t, err)
	assert.Equal(t, "hub.conf", report.CSFile)
	assert.Equal(t, 1, report.Routers)
	assert.Equal(t, 2, report.Remotes)
	assert.Equal(t, 1, report.Matched)

	want, err := os.ReadFile(filepath.Join(dir, "hub.conf"))
	require.NoError(t, err)
	got, err := c.RenderCS(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(want), got)

	// The client file round-trips too.
	wantBob, err := os.ReadFile(filepath.Join(dir, "bob.conf"))
	require.NoError(t, err)
	// bob was imported with the hub's full range as vpn_only equivalent;
	// his stored AllowedIPs match the file, so nothing is rewritten.
	gotBob, err := c.RenderRemote(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, string(wantBob), gotBob)
}

func TestAccessChangeRewritesOnlyAllowedIPs(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	dir := t.TempDir()
	buildHubConf(t, dir)

	_, err := c.ImportDir(ctx, dir, ImportParams{Endpoint: "vpn.example.com:51820"})
	require.NoError(t, err)

	require.NoError(t, c.SetAccessLevel(ctx, "bob", model.AccessFullAccess, nil, ""))
	full, err := c.RenderRemote(ctx, "bob")
	require.NoError(t, err)
	assert.Contains(t, full, "AllowedIPs = 10.66.0.0/24, fd66::/64, 192.168.10.0/24")

	require.NoError(t, c.SetAccessLevel(ctx, "bob", model.AccessVPNOnly, nil, ""))
	vpnOnly, err := c.RenderRemote(ctx, "bob")
	require.NoError(t, err)
	assert.Contains(t, vpnOnly, "AllowedIPs = 10.66.0.0/24, fd66::/64\n")

	// Exactly one line differs between the two renderings.
	fullLines := strings.Split(full, "\n")
	vpnLines := strings.Split(vpnOnly, "\n")
	require.Equal(t, len(fullLines), len(vpnLines))
	diff := 0
	for i := range fullLines {
		if fullLines[i] != vpnLines[i] {
			diff++
		}
	}
	assert.Equal(t, 1, diff)
}

func TestProvisionalRemoteRefusesRender(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	dir := t.TempDir()
	buildHubConf(t, dir)

	_, err := c.ImportDir(ctx, dir, ImportParams{Endpoint: "vpn.example.com:51820"})
	require.NoError(t, err)

	_, err = c.RenderRemote(ctx, "alice")
	var ve *faults.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "private_key", ve.Field)
}

func TestSwitchActiveExtramuralPeer(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.AddSponsor(ctx, "mullvad", "https://mullvad.net")
	require.NoError(t, err)
	_, err = c.AddLocalPeer(ctx, "laptop", "")
	require.NoError(t, err)

	priv, _, err := wgkey.Generate()
	require.NoError(t, err)
	_, usPub, err := wgkey.Generate()
	require.NoError(t, err)
	_, euPub, err := wgkey.Generate()
	require.NoError(t, err)

	text := `[Interface]
PrivateKey = ` + priv + `
Address = 172.27.5.9/32
DNS = 10.64.0.1

# us-west
[Peer]
PublicKey = ` + usPub + `
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = us-west.mullvad.example:51820

# eu-central
[Peer]
PublicKey = ` + euPub + `
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = eu-central.mullvad.example:51820
`
	cfg, err := c.ImportExtramural(ctx, "laptop", "mullvad", "wg-mullvad", text)
	require.NoError(t, err)

	active, err := c.ActiveExtramuralPeer(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "us-west", active.Name)

	require.NoError(t, c.SwitchActivePeer(ctx, "laptop/mullvad", "eu-central"))

	// The trigger deactivated us-west; exactly one peer is active.
	peers, err := c.ExtramuralPeers(ctx, cfg.ID)
	require.NoError(t, err)
	activeCount := 0
	for _, p := range peers {
		if p.IsActive {
			activeCount++
			assert.Equal(t, "eu-central", p.Name)
		}
	}
	assert.Equal(t, 1, activeCount)

	out, err := c.RenderExtramural(ctx, "laptop/mullvad")
	require.NoError(t, err)
	assert.Contains(t, out, euPub)
	assert.NotContains(t, out, usPub)
}

func TestRotateExtramuralSetsPendingFlag(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	_, err := c.AddSponsor(ctx, "mullvad", "")
	require.NoError(t, err)
	_, err = c.AddLocalPeer(ctx, "laptop", "")
	require.NoError(t, err)

	priv, _, err := wgkey.Generate()
	require.NoError(t, err)
	_, spPub, err := wgkey.Generate()
	require.NoError(t, err)
	text := "[Interface]\nPrivateKey = " + priv + "\nAddress = 172.27.5.9/32\n\n[Peer]\nPublicKey = " +
		spPub + "\nAllowedIPs = 0.0.0.0/0, ::/0\nEndpoint = x.example:51820\n"
	_, err = c.ImportExtramural(ctx, "laptop", "mullvad", "wg-mullvad", text)
	require.NoError(t, err)

	require.NoError(t, c.Rotate(ctx, model.EntityExtramuralConfig, "laptop/mullvad", "compromise"))

	cfg, err := c.GetExtramural(ctx, "laptop/mullvad")
	require.NoError(t, err)
	assert.True(t, cfg.PendingRemoteUpdate)

	require.NoError(t, c.ConfirmRemoteUpdate(ctx, "laptop/mullvad"))
	cfg, err = c.GetExtramural(ctx, "laptop/mullvad")
	require.NoError(t, err)
	assert.False(t, cfg.PendingRemoteUpdate)
}

func TestSetPassphraseEncryptsColumns(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	initHub(t, c)
	_, err := c.AddRemote(ctx, AddRemoteParams{Hostname: "alice", WithPSK: true})
	require.NoError(t, err)

	require.NoError(t, c.SetPassphrase(ctx, "correct horse"))

	var stored string
	require.NoError(t, c.db.QueryRowContext(ctx,
		`SELECT private_key FROM remotes WHERE hostname = 'alice'`).Scan(&stored))
	assert.True(t, strings.HasPrefix(stored, crypto.Tag))

	// Reads decrypt transparently through the new wrapper.
	r, err := c.GetRemote(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, r.PrivateKey, wgkey.EncodedLen)
	assert.Len(t, r.PresharedKey, wgkey.EncodedLen)

	// A fresh wrapper built from the right passphrase verifies; a wrong
	// one fails on the canary.
	s, err := LoadSecrets(ctx, c.db, "correct horse")
	require.NoError(t, err)
	assert.True(t, s.Enabled())

	_, err = LoadSecrets(ctx, c.db, "wrong")
	var ce *faults.CryptoError
	require.ErrorAs(t, err, &ce)
}

func TestChooseExitStrategies(t *testing.T) {
	healthy := func(id int64, prio, weight int) GroupMember {
		return GroupMember{ExitNodeID: id, StaticPriority: prio, Weight: weight,
			Enabled: true, State: model.ExitHealthy}
	}
	members := []GroupMember{healthy(1, 1, 1), healthy(2, 2, 1), healthy(3, 3, 1)}

	id, ok := ChooseExit(members, model.StrategyPriority, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)

	// Failed members are never chosen.
	members[0].State = model.ExitFailed
	id, ok = ChooseExit(members, model.StrategyPriority, 0)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	// Round robin cycles by cursor.
	members[0].State = model.ExitHealthy
	seen := map[int64]bool{}
	for cursor := 0; cursor < 3; cursor++ {
		id, ok = ChooseExit(members, model.StrategyRoundRobin, cursor)
		require.True(t, ok)
		seen[id] = true
	}
	assert.Len(t, seen, 3)

	// Latency prefers the lowest measured member, falling back to
	// priority when nothing was measured yet.
	id, ok = ChooseExit(members, model.StrategyLatency, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	lat := func(v float64) *float64 { return &v }
	members[1].LatencyMs = lat(12)
	members[2].LatencyMs = lat(5)
	id, ok = ChooseExit(members, model.StrategyLatency, 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), id)

	_, ok = ChooseExit(nil, model.StrategyPriority, 0)
	assert.False(t, ok)
}

func TestAuditChainSurvivesOperations(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	initHub(t, c)
	_, err := c.AddRemote(ctx, AddRemoteParams{Hostname: "alice"})
	require.NoError(t, err)
	require.NoError(t, c.Rotate(ctx, model.EntityRemote, "alice", ""))
	require.NoError(t, c.RemoveRemote(ctx, "alice"))

	require.NoError(t, audit.Verify(ctx, c.db))
}
