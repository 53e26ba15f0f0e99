package generator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/conf"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/policy"
)

func mustParse(t *testing.T, text string) *conf.File {
	t.Helper()
	f, err := conf.Parse(text)
	require.NoError(t, err)
	return f
}

var testCS = &model.CoordinationServer{
	Hostname:   "hub",
	Endpoint:   "vpn.example.com:51820",
	IPv4CIDR:   "10.66.0.0/24",
	IPv6CIDR:   "fd66::/64",
	VPNIPv4:    "10.66.0.1",
	VPNIPv6:    "fd66::1",
	PrivateKey: "cs-private-key",
	PublicKey:  "cs-public-key",
	ListenPort: 51820,
	MTU:        1420,
}

func TestCoordinationServerConfig(t *testing.T) {
	f, err := CoordinationServer(testCS, []model.CommandPair{
		{Direction: model.DirectionPostUp, Text: "iptables -A FORWARD -i wg0 -j ACCEPT"},
		{Direction: model.DirectionPostDown, Text: "iptables -D FORWARD -i wg0 -j ACCEPT"},
	}, []Peer{
		{Comment: "office-router", PublicKey: "snr-pub", PresharedKey: "snr-psk",
			AllowedIPs: "10.66.0.10/32, 192.168.10.0/24", Endpoint: "office.example.com:51820"},
		{Comment: "alice-laptop", PublicKey: "alice-pub", AllowedIPs: "10.66.0.30/32, fd66::30/128"},
	})
	require.NoError(t, err)

	out := f.String()
	assert.Contains(t, out, "PrivateKey = cs-private-key\n")
	assert.Contains(t, out, "Address = 10.66.0.1/32, fd66::1/128\n")
	assert.Contains(t, out, "ListenPort = 51820\n")
	assert.Contains(t, out, "MTU = 1420\n")
	assert.Contains(t, out, "PostUp = iptables -A FORWARD -i wg0 -j ACCEPT\n")

	// Peer order is the caller's order and the router comes first.
	assert.Less(t, strings.Index(out, "snr-pub"), strings.Index(out, "alice-pub"))
	assert.Contains(t, out, "# office-router\n[Peer]\n")
	// A remote peer has no Endpoint line.
	alice := out[strings.Index(out, "# alice-laptop"):]
	assert.NotContains(t, alice, "Endpoint")
}

func TestPeerFieldOrderCanonical(t *testing.T) {
	f, err := CoordinationServer(testCS, nil, []Peer{{
		PublicKey: "pk", PresharedKey: "psk", AllowedIPs: "10.66.0.30/32",
		Endpoint: "x.example.com:51820", Keepalive: 25,
	}})
	require.NoError(t, err)

	out := f.String()
	order := []string{"PublicKey", "PresharedKey", "AllowedIPs", "Endpoint", "PersistentKeepalive"}
	last := -1
	for _, key := range order {
		idx := strings.Index(out, key+" = ")
		require.GreaterOrEqual(t, idx, 0, key)
		assert.Greater(t, idx, last, key)
		last = idx
	}
}

func TestSubnetRouterConfig(t *testing.T) {
	snr := &model.SubnetRouter{
		Hostname: "office-router", VPNIPv4: "10.66.0.10", PrivateKey: "snr-priv",
	}
	f, err := SubnetRouter(snr, testCS, []model.CommandPair{
		{Direction: model.DirectionPostUp, TemplateName: model.TemplateIPForward},
	}, "")
	require.NoError(t, err)

	out := f.String()
	assert.Contains(t, out, "PostUp = sysctl -w net.ipv4.ip_forward=1")
	assert.Contains(t, out, "PublicKey = cs-public-key\n")
	assert.Contains(t, out, "AllowedIPs = 10.66.0.0/24, fd66::/64\n")
	assert.Contains(t, out, "Endpoint = vpn.example.com:51820\n")
	assert.Contains(t, out, "PersistentKeepalive = 25\n")
}

func TestRemoteVPNOnly(t *testing.T) {
	r := &model.Remote{
		Hostname: "alice-laptop", VPNIPv4: "10.66.0.30", VPNIPv6: "fd66::30",
		PrivateKey: "alice-priv", PresharedKey: "alice-psk",
	}
	plan := policy.Plan{IncludeCS: true, CSAllowedIPs: []string{"10.66.0.0/24", "fd66::/64"}}

	f, err := Remote(r, testCS, plan, nil)
	require.NoError(t, err)

	out := f.String()
	assert.Contains(t, out, "Address = 10.66.0.30/32, fd66::30/128\n")
	assert.Contains(t, out, "AllowedIPs = 10.66.0.0/24, fd66::/64\n")
	assert.Contains(t, out, "PresharedKey = alice-psk\n")
	assert.Len(t, mustParse(t, out).Peers(), 1)
}

func TestRemoteExitOnly(t *testing.T) {
	r := &model.Remote{Hostname: "kiosk", VPNIPv4: "10.66.0.40", PrivateKey: "kiosk-priv"}
	plan := policy.Plan{IncludeExit: true, ExitAllowedIPs: policy.DefaultRoutes}

	f, err := Remote(r, testCS, plan, &ExitPeer{
		Hostname: "exit-fra", PublicKey: "exit-pub", Endpoint: "fra.example.com:51820",
	})
	require.NoError(t, err)

	out := f.String()
	assert.NotContains(t, out, "cs-public-key")
	assert.Contains(t, out, "PublicKey = exit-pub\n")
	assert.Contains(t, out, "AllowedIPs = 0.0.0.0/0, ::/0\n")
}

func TestRemoteProvisionalRefused(t *testing.T) {
	r := &model.Remote{Hostname: "pending", PublicKey: "pub-only"}
	_, err := Remote(r, testCS, policy.Plan{IncludeCS: true}, nil)
	var ve *faults.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "private_key", ve.Field)
}

func TestExitNodeConfig(t *testing.T) {
	ex := &model.ExitNode{
		Hostname: "exit-fra", VPNIPv4: "10.66.0.200", PrivateKey: "exit-priv", ListenPort: 51820,
	}
	f, err := ExitNode(ex, []model.CommandPair{
		{Direction: model.DirectionPostUp, TemplateName: model.TemplateExitNAT,
			TemplateParams: `{"out_iface":"eth0"}`},
		{Direction: model.DirectionPostDown, TemplateName: model.TemplateExitNATDown,
			TemplateParams: `{"out_iface":"eth0"}`},
	}, []Peer{
		{Comment: "kiosk", PublicKey: "kiosk-pub", AllowedIPs: "10.66.0.40/32"},
	})
	require.NoError(t, err)

	out := f.String()
	assert.Contains(t, out, "PostUp = iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE")
	assert.Contains(t, out, "PostDown = iptables -t nat -D POSTROUTING -o eth0 -j MASQUERADE")
	assert.Contains(t, out, "AllowedIPs = 10.66.0.40/32\n")
}

func TestExtramuralActivePeerOnly(t *testing.T) {
	cfg := &model.ExtramuralConfig{
		InterfaceName: "wg-sponsor", PrivateKey: "local-priv",
		IPv4Address: "172.27.5.9/32", DNS: "10.64.0.1", MTU: 1380,
	}
	active := &model.ExtramuralPeer{
		Name: "de-ber-001", PublicKey: "sponsor-pub",
		Endpoint: "de-ber.sponsor.example:51820", AllowedIPs: "0.0.0.0/0, ::/0",
	}
	f, err := Extramural(cfg, active, nil)
	require.NoError(t, err)

	out := f.String()
	assert.Contains(t, out, "DNS = 10.64.0.1\n")
	assert.Contains(t, out, "MTU = 1380\n")
	assert.Contains(t, out, "# de-ber-001\n")
	assert.Len(t, mustParse(t, out).Peers(), 1)

	_, err = Extramural(cfg, nil, nil)
	var ve *faults.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestRenderCommandForeignVerbatim(t *testing.T) {
	text, err := RenderCommand(model.CommandPair{Text: "/usr/local/bin/notify-up wg0  # custom"})
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/notify-up wg0  # custom", text)
}

func TestRenderCommandUnknownTemplate(t *testing.T) {
	_, err := RenderCommand(model.CommandPair{TemplateName: "no_such_template"})
	var ve *faults.ValidationError
	require.ErrorAs(t, err, &ve)
}

// Rendered output re-parses into a semantically equal file and re-renders
// to identical bytes.
func TestRenderParseRenderIdempotent(t *testing.T) {
	r := &model.Remote{
		Hostname: "alice-laptop", VPNIPv4: "10.66.0.30", PrivateKey: "alice-priv",
	}
	plan := policy.Plan{IncludeCS: true, CSAllowedIPs: []string{"10.66.0.0/24"}}
	f, err := Remote(r, testCS, plan, nil)
	require.NoError(t, err)

	first := f.String()
	reparsed := mustParse(t, first)
	assert.Equal(t, first, reparsed.String())
}
