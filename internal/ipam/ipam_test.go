package ipam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFreeFillsGapInBlock(t *testing.T) {
	// CS holds .1, a router .20, remotes .30/.31/.33. A new remote fills
	// the gap at .32 instead of reaching down into the infrastructure
	// addresses below the remote block.
	taken := []string{"10.66.0.1", "10.66.0.20", "10.66.0.30/32", "10.66.0.31/32", "10.66.0.33/32"}
	remotes := []string{"10.66.0.30/32", "10.66.0.31/32", "10.66.0.33/32"}

	a, err := NextFree("10.66.0.0/24", taken, remotes)
	require.NoError(t, err)
	assert.Equal(t, "10.66.0.32", a.String())
	assert.Equal(t, "10.66.0.32/32", HostPrefix(a))
}

func TestNextFreeAppendsPastBlock(t *testing.T) {
	taken := []string{"10.66.0.1", "10.66.0.30", "10.66.0.31", "10.66.0.32"}
	remotes := []string{"10.66.0.30", "10.66.0.31", "10.66.0.32"}

	a, err := NextFree("10.66.0.0/24", taken, remotes)
	require.NoError(t, err)
	assert.Equal(t, "10.66.0.33", a.String())
}

func TestNextFreeEmptyKindStartsAtFirstHost(t *testing.T) {
	a, err := NextFree("10.66.0.0/24", []string{"10.66.0.1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.66.0.2", a.String())
}

func TestNextFreeKindOutsideRangeIgnored(t *testing.T) {
	// v6 addresses of the same peers never anchor the v4 block.
	a, err := NextFree("10.66.0.0/24", []string{"10.66.0.1", "fd66::5"}, []string{"fd66::5"})
	require.NoError(t, err)
	assert.Equal(t, "10.66.0.2", a.String())
}

func TestNextFreeSkipsNetworkAndBroadcast(t *testing.T) {
	a, err := NextFree("192.168.77.0/30", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "192.168.77.1", a.String())

	_, err = NextFree("192.168.77.0/30", []string{"192.168.77.1", "192.168.77.2"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestNextFreeIPv6(t *testing.T) {
	a, err := NextFree("fd66::/64", []string{"fd66::1/128"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fd66::2", a.String())
	assert.Equal(t, "fd66::2/128", HostPrefix(a))

	a, err = NextFree("fd66::/64", []string{"fd66::1", "fd66::30", "fd66::32"}, []string{"fd66::30", "fd66::32"})
	require.NoError(t, err)
	assert.Equal(t, "fd66::31", a.String())
}

func TestNextFreeIgnoresForeignEntries(t *testing.T) {
	a, err := NextFree("10.66.0.0/24", []string{"10.66.0.1", "not-an-address", ""}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.66.0.2", a.String())
}

func TestNextFreeBadCIDR(t *testing.T) {
	_, err := NextFree("10.66.0.0", nil, nil)
	require.Error(t, err)
}
