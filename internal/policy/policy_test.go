package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

var topo = Topology{
	CSVPNCIDRs: []string{"10.66.0.0/24", "fd66::/64"},
	SNRLans:    []string{"192.168.10.0/24", "192.168.20.0/24"},
}

func TestFullAccess(t *testing.T) {
	p, err := Compute(model.AccessFullAccess, nil, "", topo, ExitLink{})
	require.NoError(t, err)
	assert.True(t, p.IncludeCS)
	assert.False(t, p.IncludeExit)
	assert.Equal(t, []string{"10.66.0.0/24", "fd66::/64", "192.168.10.0/24", "192.168.20.0/24"}, p.CSAllowedIPs)
}

func TestFullAccessWithExit(t *testing.T) {
	p, err := Compute(model.AccessFullAccess, nil, "", topo, ExitLink{Attached: true})
	require.NoError(t, err)
	assert.True(t, p.IncludeExit)
	assert.Equal(t, DefaultRoutes, p.ExitAllowedIPs)
}

func TestVPNOnlyDropsLANs(t *testing.T) {
	p, err := Compute(model.AccessVPNOnly, nil, "", topo, ExitLink{})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.66.0.0/24", "fd66::/64"}, p.CSAllowedIPs)
	assert.False(t, p.IncludeExit)
}

func TestLANOnlySubset(t *testing.T) {
	p, err := Compute(model.AccessLANOnly, []string{"192.168.20.0/24"}, "", topo, ExitLink{})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.66.0.0/24", "fd66::/64", "192.168.20.0/24"}, p.CSAllowedIPs)
}

func TestCustomExact(t *testing.T) {
	p, err := Compute(model.AccessCustom, nil, "10.66.0.0/24, 172.16.0.0/12", topo, ExitLink{})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.66.0.0/24", "172.16.0.0/12"}, p.CSAllowedIPs)

	_, err = Compute(model.AccessCustom, nil, "  ", topo, ExitLink{})
	var ve *faults.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestExitOnly(t *testing.T) {
	p, err := Compute(model.AccessExitOnly, nil, "", topo, ExitLink{Attached: true})
	require.NoError(t, err)
	assert.False(t, p.IncludeCS)
	assert.True(t, p.IncludeExit)
	assert.Equal(t, DefaultRoutes, p.ExitAllowedIPs)
}

func TestExitOnlyWithoutExitRefused(t *testing.T) {
	_, err := Compute(model.AccessExitOnly, nil, "", topo, ExitLink{})
	var ve *faults.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "exit", ve.Field)
}

func TestMergeDedupAndDefaultLast(t *testing.T) {
	got := mergeCIDRs([]string{"0.0.0.0/0", "10.0.0.0/24", "10.0.0.0/24"}, []string{"192.168.1.0/24"})
	assert.Equal(t, []string{"10.0.0.0/24", "192.168.1.0/24", "0.0.0.0/0"}, got)
}

func TestDeterminism(t *testing.T) {
	a, err := Compute(model.AccessFullAccess, nil, "", topo, ExitLink{Attached: true})
	require.NoError(t, err)
	b, err := Compute(model.AccessFullAccess, nil, "", topo, ExitLink{Attached: true})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
