// Package deployer pushes rendered configs to their targets. A target is
// one (host, path, interface) triple; local targets are written directly,
// remote ones over SSH. The sequence is backup, atomic write, optional
// interface restart, verification. There is no automatic rollback: the
// backup is the rollback, applied by the operator.
package deployer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/model"
)

// Step identifies the phase of the deployment sequence that failed.
type Step string

const (
	StepConnect Step = "connect"
	StepBackup  Step = "backup"
	StepWrite   Step = "write"
	StepRestart Step = "restart"
	StepVerify  Step = "verify"
)

// Error wraps a failure with the step it happened in.
type Error struct {
	Step   Step
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deploy %s failed at %s: %v", e.Target, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Target is one deployment destination.
type Target struct {
	EntityType string
	EntityID   int64
	// Host is nil for the local machine. A host whose address resolves to
	// a local interface is treated as local too.
	Host      *model.SSHHost
	Path      string
	Interface string
	// PublicKey is the interface key expected by post-restart verification.
	PublicKey string
	Restart   bool
	DryRun    bool
}

func (t Target) hostLabel() string {
	if t.Host == nil {
		return "local"
	}
	return t.Host.Name
}

// Result reports what one deployment did.
type Result struct {
	Changed    bool
	BackupPath string
	Verified   bool
}

// Deployer runs deployments and records every attempt.
type Deployer struct {
	core   *core.Core
	logger zerolog.Logger

	// dial is swapped out in tests.
	dial func(ctx context.Context, h *model.SSHHost) (Runner, error)
}

func New(c *core.Core, logger zerolog.Logger) *Deployer {
	return &Deployer{
		core:   c,
		logger: logger.With().Str("component", "deployer").Logger(),
		dial: func(ctx context.Context, h *model.SSHHost) (Runner, error) {
			return dialSSH(ctx, h)
		},
	}
}

// Deploy pushes content to the target. Every attempt except a dry run is
// recorded in the deployments table and the journal, failed ones included.
func (d *Deployer) Deploy(ctx context.Context, t Target, content []byte) (*Result, error) {
	res, err := d.run(ctx, t, content)
	if t.DryRun {
		return res, err
	}

	dep := &model.Deployment{
		EntityType: t.EntityType,
		EntityID:   t.EntityID,
		TargetHost: t.hostLabel(),
		TargetPath: t.Path,
		Interface:  t.Interface,
		Success:    err == nil,
	}
	if err != nil {
		dep.Message = err.Error()
	} else if !res.Changed {
		dep.Message = "unchanged"
	}
	if recErr := d.core.RecordDeployment(ctx, dep); recErr != nil {
		d.logger.Error().Err(recErr).Msg("failed to record deployment")
	}
	return res, err
}

func (d *Deployer) run(ctx context.Context, t Target, content []byte) (*Result, error) {
	res := &Result{}

	var runner Runner
	if t.Host == nil || isLocalHost(t.Host.Host) {
		runner = localRunner{}
	} else {
		r, err := d.dial(ctx, t.Host)
		if err != nil {
			return res, &Error{Step: StepConnect, Target: t.hostLabel(), Err: err}
		}
		runner = r
	}
	defer runner.Close()

	existing, exists, err := readIfExists(ctx, runner, t.Path)
	if err != nil {
		return res, &Error{Step: StepBackup, Target: t.hostLabel(), Err: err}
	}
	res.Changed = !exists || !bytes.Equal(existing, content)

	if t.DryRun {
		d.logger.Info().Str("host", t.hostLabel()).Str("path", t.Path).
			Bool("changed", res.Changed).Msg("dry run, nothing written")
		return res, nil
	}

	if res.Changed {
		if exists {
			backup, err := d.backup(ctx, runner, t.Path, existing)
			if err != nil {
				return res, &Error{Step: StepBackup, Target: t.hostLabel(), Err: err}
			}
			res.BackupPath = backup
		}
		if err := runner.Put(ctx, t.Path, content); err != nil {
			return res, &Error{Step: StepWrite, Target: t.hostLabel(), Err: err}
		}
	}

	if t.Restart {
		// The interface may not be up yet, so the down step is advisory.
		if _, err := runner.Exec(ctx, "wg-quick down "+t.Interface); err != nil {
			d.logger.Debug().Err(err).Str("interface", t.Interface).Msg("wg-quick down")
		}
		if _, err := runner.Exec(ctx, "wg-quick up "+t.Interface); err != nil {
			return res, &Error{Step: StepRestart, Target: t.hostLabel(), Err: err}
		}
		if err := d.verify(ctx, runner, t); err != nil {
			return res, &Error{Step: StepVerify, Target: t.hostLabel(), Err: err}
		}
		res.Verified = true
	}

	d.logger.Info().Str("host", t.hostLabel()).Str("path", t.Path).
		Bool("changed", res.Changed).Bool("restarted", t.Restart).Msg("deployed")
	return res, nil
}

func readIfExists(ctx context.Context, r Runner, path string) ([]byte, bool, error) {
	exists, err := r.Exists(ctx, path)
	if err != nil || !exists {
		return nil, false, err
	}
	data, err := r.Read(ctx, path)
	if err != nil {
		return nil, true, err
	}
	return data, true, nil
}

// backup copies the current file aside. Second-resolution timestamps can
// collide on rapid redeploys, so a numeric suffix keeps them distinct.
func (d *Deployer) backup(ctx context.Context, r Runner, path string, data []byte) (string, error) {
	base := path + ".backup." + time.Now().Format("20060102-150405")
	candidate := base
	for i := 1; ; i++ {
		exists, err := r.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		candidate = fmt.Sprintf("%s.%d", base, i)
	}
	if err := r.Put(ctx, candidate, data); err != nil {
		return "", err
	}
	return candidate, nil
}

func (d *Deployer) verify(ctx context.Context, r Runner, t Target) error {
	out, err := r.Exec(ctx, "wg show "+t.Interface+" public-key")
	if err != nil {
		return err
	}
	got := strings.TrimSpace(out)
	if t.PublicKey != "" && got != t.PublicKey {
		return fmt.Errorf("interface %s reports public key %s, want %s",
			t.Interface, got, t.PublicKey)
	}
	return nil
}

// isLocalHost reports whether an address belongs to this machine.
func isLocalHost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	if name, err := os.Hostname(); err == nil && host == name {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
			return true
		}
	}
	return false
}
