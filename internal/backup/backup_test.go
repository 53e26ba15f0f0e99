package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
)

func newTestService(t *testing.T) *Service {
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
	return NewService(c, zerolog.Nop())
}

func TestCreateAndVerify(t *testing.T) {
	svc := newTestService(t)
	path := filepath.Join(t.TempDir(), "fleet.tar.gz")

	manifest, err := svc.Create(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)
	assert.Equal(t, snapshotName, manifest.Files[0].Name)
	assert.Positive(t, manifest.Files[0].Size)

	verified, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, manifest.Files[0].SHA256, verified.Files[0].SHA256)
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	data := []byte("not really a database")
	m := &Manifest{
		CreatedAt: time.Now().UTC(),
		Files: []ManifestFile{{
			Name:   snapshotName,
			SHA256: "0000000000000000000000000000000000000000000000000000000000000000",
			Size:   int64(len(data)),
		}},
	}
	require.NoError(t, writeBundle(path, m, data))

	_, err := Verify(path)
	var ie *faults.IntegrityError
	require.ErrorAs(t, err, &ie)
}

func TestRestoreProducesUsableDatastore(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()
	bundle := filepath.Join(dir, "fleet.tar.gz")
	_, err := svc.Create(context.Background(), bundle)
	require.NoError(t, err)

	dest := filepath.Join(dir, "restored.db")
	require.NoError(t, Restore(bundle, dest, false))

	restored, err := db.Open(dest)
	require.NoError(t, err)
	defer restored.Close()

	var n int
	require.NoError(t, restored.QueryRow(`SELECT COUNT(*) FROM coordination_servers`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRestoreRefusesOverwrite(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()
	bundle := filepath.Join(dir, "fleet.tar.gz")
	_, err := svc.Create(context.Background(), bundle)
	require.NoError(t, err)

	dest := filepath.Join(dir, "existing.db")
	require.NoError(t, Restore(bundle, dest, false))

	err = Restore(bundle, dest, false)
	var cf *faults.Conflict
	require.ErrorAs(t, err, &cf)

	require.NoError(t, Restore(bundle, dest, true))
}
