package conf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/faults"
)

const sampleConf = `# Coordination server wg0
# Managed by hand since 2021
[Interface]
PrivateKey = aFqwertyuiopasdfghjklzxcvbnm1234567890ABCD=
Address = 10.66.0.1/24, fd66::1/64
ListenPort = 51820
# forward for the mesh
PostUp = iptables -A FORWARD -i wg0 -j ACCEPT; iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE
PostDown = iptables -D FORWARD -i wg0 -j ACCEPT; iptables -t nat -D POSTROUTING -o eth0 -j MASQUERADE
Jc = 5

[Peer]
# office router
PublicKey = bGqwertyuiopasdfghjklzxcvbnm1234567890ABCD=
AllowedIPs = 10.66.0.20/32, 192.168.10.0/24
Endpoint = office.example.com:51820


[Peer]
PublicKey = cHqwertyuiopasdfghjklzxcvbnm1234567890ABCD= # alice laptop
AllowedIPs = 10.66.0.30/32
`

func TestParseRoundTripBytes(t *testing.T) {
	f, err := Parse(sampleConf)
	require.NoError(t, err)
	assert.Equal(t, sampleConf, f.String())
}

func TestParseRoundTripPreservesOddFormatting(t *testing.T) {
	in := strings.Join([]string{
		"[interface]",
		"PrivateKey=aFqwertyuiopasdfghjklzxcvbnm1234567890ABCD=",
		"Address\t=\t10.0.0.1/24",
		"",
		"   ",
		"[PEER]",
		"PublicKey =bGqwertyuiopasdfghjklzxcvbnm1234567890ABCD=",
		"AllowedIPs= 0.0.0.0/0,::/0",
	}, "\n") // no final newline

	f, err := Parse(in)
	require.NoError(t, err)
	assert.Equal(t, in, f.String())
}

func TestParseSections(t *testing.T) {
	f, err := Parse(sampleConf)
	require.NoError(t, err)

	require.NotNil(t, f.Interface())
	require.Len(t, f.Peers(), 2)

	port, ok := f.Interface().Get("ListenPort")
	require.True(t, ok)
	assert.Equal(t, "51820", port)

	// Multi-valued key split in stored order.
	assert.Equal(t, []string{"10.66.0.1/24", "fd66::1/64"}, f.Interface().Values("Address"))

	// Repeated opaque commands stay separate lines in order.
	ups := f.Interface().Fields("PostUp")
	require.Len(t, ups, 1)
	downs := f.Interface().Fields("PostDown")
	require.Len(t, downs, 1)
	assert.Contains(t, ups[0].Value, "MASQUERADE")
}

func TestParseKeepsPostUpHashVerbatim(t *testing.T) {
	in := "[Interface]\nPrivateKey = k\nPostUp = echo '#не comment' > /tmp/x\n"
	f, err := Parse(in)
	require.NoError(t, err)
	v, _ := f.Interface().Get("PostUp")
	assert.Contains(t, v, "#не comment")
	assert.Equal(t, in, f.String())
}

func TestParseInlineComment(t *testing.T) {
	f, err := Parse(sampleConf)
	require.NoError(t, err)
	pk := f.Peers()[1].Field("PublicKey")
	require.NotNil(t, pk)
	assert.Equal(t, "cHqwertyuiopasdfghjklzxcvbnm1234567890ABCD=", pk.Value)
	assert.Equal(t, "# alice laptop", strings.TrimSpace(pk.InlineComment))
}

func TestParseUnknownKeysPreserved(t *testing.T) {
	f, err := Parse(sampleConf)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jc"}, f.Interface().UnknownKeys())

	_, err = ParseMode(sampleConf, ModeStrict)
	var ue *faults.UnknownFieldError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"Jc"}, ue.Keys)
}

func TestParseStructuralErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind string
	}{
		{"duplicate interface", "[Interface]\nPrivateKey = k\n[Interface]\n", "duplicate-interface"},
		{"unterminated section", "[Interface\nPrivateKey = k\n", "unterminated-section"},
		{"peer key in interface", "[Interface]\nPublicKey = k\n", "key-in-wrong-section"},
		{"interface key in peer", "[Interface]\nPrivateKey = k\n[Peer]\nAddress = 10.0.0.2/32\n", "key-in-wrong-section"},
		{"field before section", "PrivateKey = k\n[Interface]\n", "field-outside-section"},
		{"not a field", "[Interface]\njust words\n", "malformed-line"},
		{"unknown section", "[Interface]\nPrivateKey = k\n[Route]\n", "unknown-section"},
		{"no interface", "[Peer]\nPublicKey = k\n", "missing-interface"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			var pe *faults.ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.kind, pe.Kind)
			assert.Greater(t, pe.Line, 0)
		})
	}
}

func TestSetRerendersCanonicallyWithFileEqStyle(t *testing.T) {
	in := "[Interface]\nPrivateKey=old\nAddress=10.0.0.1/24\n"
	f, err := Parse(in)
	require.NoError(t, err)

	f.Interface().Set("Address", "10.0.0.2/24")
	out := f.String()
	assert.Contains(t, out, "Address=10.0.0.2/24")
	// Untouched lines keep their bytes.
	assert.Contains(t, out, "PrivateKey=old")
}

func TestSynthesizedFileRendersCanonically(t *testing.T) {
	f := New()
	iface := f.AddSection(SectionInterface)
	iface.Append("PrivateKey", "priv")
	iface.Append("Address", "10.9.0.1/24")
	peer := f.AddSection(SectionPeer)
	peer.Append("PublicKey", "pub")
	peer.Append("AllowedIPs", "10.9.0.2/32")

	want := "[Interface]\nPrivateKey = priv\nAddress = 10.9.0.1/24\n\n[Peer]\nPublicKey = pub\nAllowedIPs = 10.9.0.2/32\n"
	assert.Equal(t, want, f.String())
}

func TestSynthesizedReparsesEqual(t *testing.T) {
	f := New()
	iface := f.AddSection(SectionInterface)
	iface.Append("PrivateKey", "priv")
	iface.Append("ListenPort", "51820")
	peer := f.AddSection(SectionPeer)
	peer.Append("PublicKey", "pub")
	peer.Append("AllowedIPs", "0.0.0.0/0, ::/0")

	again, err := Parse(f.String())
	require.NoError(t, err)
	v, _ := again.Interface().Get("ListenPort")
	assert.Equal(t, "51820", v)
	assert.Equal(t, []string{"0.0.0.0/0", "::/0"}, again.Peers()[0].Values("AllowedIPs"))
	// Rendering the reparse is stable.
	assert.Equal(t, f.String(), again.String())
}

func TestRemove(t *testing.T) {
	f, err := Parse(sampleConf)
	require.NoError(t, err)
	require.True(t, f.Peers()[0].Remove("Endpoint"))
	assert.NotContains(t, f.String(), "office.example.com")
	assert.False(t, f.Peers()[0].Remove("Endpoint"))
}

func TestTagCommand(t *testing.T) {
	assert.Equal(t, "iptables FORWARD accept", TagCommand("iptables -A FORWARD -i wg0 -j ACCEPT"))
	assert.Equal(t, "iptables masquerade", TagCommand("iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE"))
	assert.Equal(t, "sysctl net.ipv4.ip_forward=1", TagCommand("sysctl -w net.ipv4.ip_forward=1"))
	assert.Equal(t, "ip rule", TagCommand("ip rule add from 10.0.0.0/24 table 51820"))
	assert.Equal(t, "", TagCommand("/opt/scripts/custom-hook.sh up"))
}
