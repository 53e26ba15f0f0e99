package deployer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

type fakeRunner struct {
	files   map[string][]byte
	execs   []string
	execErr map[string]error
	execOut map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		files:   map[string][]byte{},
		execErr: map[string]error{},
		execOut: map[string]string{},
	}
}

func (r *fakeRunner) Exists(_ context.Context, path string) (bool, error) {
	_, ok := r.files[path]
	return ok, nil
}

func (r *fakeRunner) Read(_ context.Context, path string) ([]byte, error) {
	data, ok := r.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (r *fakeRunner) Put(_ context.Context, path string, data []byte) error {
	r.files[path] = append([]byte(nil), data...)
	return nil
}

func (r *fakeRunner) Exec(_ context.Context, cmd string) (string, error) {
	r.execs = append(r.execs, cmd)
	if err, ok := r.execErr[cmd]; ok {
		return "", err
	}
	return r.execOut[cmd], nil
}

func (r *fakeRunner) Close() error { return nil }

func newTestDeployer(t *testing.T) (*Deployer, *core.Core, *fakeRunner) {
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

	runner := newFakeRunner()
	dep := New(c, zerolog.Nop())
	dep.dial = func(context.Context, *model.SSHHost) (Runner, error) {
		return runner, nil
	}
	return dep, c, runner
}

func remoteTarget() Target {
	return Target{
		EntityType: model.EntityRemote,
		EntityID:   1,
		Host:       &model.SSHHost{Name: "edge", Host: "203.0.113.5", Port: 22, User: "root"},
		Path:       "/etc/wireguard/wg0.conf",
		Interface:  "wg0",
	}
}

func TestDeployWritesAndRecords(t *testing.T) {
	dep, c, runner := newTestDeployer(t)
	ctx := context.Background()

	res, err := dep.Deploy(ctx, remoteTarget(), []byte("[Interface]\n"))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Empty(t, res.BackupPath)
	assert.Equal(t, []byte("[Interface]\n"), runner.files["/etc/wireguard/wg0.conf"])

	recs, err := c.Deployments(ctx, model.EntityRemote, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, "edge", recs[0].TargetHost)
}

func TestDeployUnchangedIsNoOp(t *testing.T) {
	dep, c, runner := newTestDeployer(t)
	ctx := context.Background()
	content := []byte("[Interface]\nPrivateKey = x\n")
	runner.files["/etc/wireguard/wg0.conf"] = content

	res, err := dep.Deploy(ctx, remoteTarget(), content)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.BackupPath)
	// No backup file appeared.
	assert.Len(t, runner.files, 1)

	recs, err := c.Deployments(ctx, model.EntityRemote, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "unchanged", recs[0].Message)
}

func TestDeployBacksUpPreviousConfig(t *testing.T) {
	dep, _, runner := newTestDeployer(t)
	old := []byte("old config\n")
	runner.files["/etc/wireguard/wg0.conf"] = old

	res, err := dep.Deploy(context.Background(), remoteTarget(), []byte("new config\n"))
	require.NoError(t, err)
	require.NotEmpty(t, res.BackupPath)
	assert.Contains(t, res.BackupPath, "/etc/wireguard/wg0.conf.backup.")
	assert.Equal(t, old, runner.files[res.BackupPath])
	assert.Equal(t, []byte("new config\n"), runner.files["/etc/wireguard/wg0.conf"])
}

func TestBackupCollisionGetsSuffix(t *testing.T) {
	dep, _, runner := newTestDeployer(t)
	ctx := context.Background()

	p1, err := dep.backup(ctx, runner, "/etc/wireguard/wg0.conf", []byte("a"))
	require.NoError(t, err)
	p2, err := dep.backup(ctx, runner, "/etc/wireguard/wg0.conf", []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, []byte("a"), runner.files[p1])
	assert.Equal(t, []byte("b"), runner.files[p2])
}

func TestRestartFailureIsDistinct(t *testing.T) {
	dep, c, runner := newTestDeployer(t)
	runner.execErr["wg-quick up wg0"] = errors.New("resolvconf: command not found")

	tgt := remoteTarget()
	tgt.Restart = true
	_, err := dep.Deploy(context.Background(), tgt, []byte("x\n"))
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StepRestart, de.Step)

	// The write survived the failed restart; only the backup can undo it.
	assert.Equal(t, []byte("x\n"), runner.files["/etc/wireguard/wg0.conf"])

	recs, err := c.Deployments(context.Background(), model.EntityRemote, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
}

func TestVerifyChecksPublicKey(t *testing.T) {
	dep, _, runner := newTestDeployer(t)
	runner.execOut["wg show wg0 public-key"] = "actual-key\n"

	tgt := remoteTarget()
	tgt.Restart = true
	tgt.PublicKey = "expected-key"
	_, err := dep.Deploy(context.Background(), tgt, []byte("x\n"))
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StepVerify, de.Step)

	runner.execOut["wg show wg0 public-key"] = "expected-key\n"
	res, err := dep.Deploy(context.Background(), tgt, []byte("x\n"))
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestDryRunTouchesNothing(t *testing.T) {
	dep, c, runner := newTestDeployer(t)

	tgt := remoteTarget()
	tgt.DryRun = true
	res, err := dep.Deploy(context.Background(), tgt, []byte("x\n"))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Empty(t, runner.files)

	recs, err := c.Deployments(context.Background(), model.EntityRemote, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLocalRunnerPutIsAtomicAndPrivate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg0.conf")
	r := localRunner{}

	require.NoError(t, r.Put(context.Background(), path, []byte("secret\n")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIsLocalHost(t *testing.T) {
	assert.True(t, isLocalHost(""))
	assert.True(t, isLocalHost("localhost"))
	assert.True(t, isLocalHost("127.0.0.1"))
	assert.True(t, isLocalHost("::1"))
	assert.False(t, isLocalHost("203.0.113.9"))
	assert.False(t, isLocalHost("vpn.example.com"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/etc/wireguard/wg0.conf'", shellQuote("/etc/wireguard/wg0.conf"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
