package deployer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/faults"
)

func TestHostKeyCallbackRequiresKnownHosts(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("WGFLEET_SSH_INSECURE", "")

	_, err := hostKeyCallback()
	require.Error(t, err)
	var ae *faults.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Msg, "known_hosts")
}

func TestHostKeyCallbackUsesKnownHosts(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("WGFLEET_SSH_INSECURE", "")
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".ssh"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".ssh", "known_hosts"), nil, 0o600))

	cb, err := hostKeyCallback()
	require.NoError(t, err)
	assert.NotNil(t, cb)
}

func TestHostKeyCallbackInsecureOptIn(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("WGFLEET_SSH_INSECURE", "1")

	cb, err := hostKeyCallback()
	require.NoError(t, err)
	assert.NotNil(t, cb)
}
