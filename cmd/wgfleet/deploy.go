package main

import (
	"context"
	"flag"
	"fmt"
	"path"

	"github.com/edvin/wgfleet/internal/deployer"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

func cmdDeploy(args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	restart := fs.Bool("restart", false, "Restart the WireGuard interface after writing")
	dryRun := fs.Bool("dry-run", false, "Report what would change without touching the target")
	iface := fs.String("iface", "wg0", "WireGuard interface name on the target")
	pathOverride := fs.String("path", "", "Config path on the target (default <config-dir>/<iface>.conf)")
	fs.Parse(args)

	ref := "cs"
	if fs.NArg() > 0 {
		ref = fs.Arg(0)
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ctx := context.Background()
	target, content, err := resolveDeploy(ctx, a, ref, *iface)
	if err != nil {
		fail(err)
	}
	target.Restart = *restart
	target.DryRun = *dryRun
	if *pathOverride != "" {
		target.Path = *pathOverride
	}

	d := deployer.New(a.core, a.logger)
	res, err := d.Deploy(ctx, target, []byte(content))
	if err != nil {
		fail(err)
	}

	switch {
	case *dryRun && res.Changed:
		fmt.Printf("Would update %s\n", target.Path)
	case *dryRun:
		fmt.Printf("%s is already up to date\n", target.Path)
	case !res.Changed:
		fmt.Printf("%s unchanged\n", target.Path)
	default:
		fmt.Printf("Deployed %s\n", target.Path)
		if res.BackupPath != "" {
			fmt.Printf("  previous config saved as %s\n", res.BackupPath)
		}
		if res.Verified {
			fmt.Printf("  interface %s verified\n", target.Interface)
		}
	}
}

// resolveDeploy maps a CLI ref to a render plus deployment target. The ref
// "cs" or the hub's hostname deploys the coordination server; otherwise
// routers and exits are tried by hostname.
func resolveDeploy(ctx context.Context, a *app, ref, iface string) (deployer.Target, string, error) {
	cs, err := a.core.GetCS(ctx)
	if err != nil {
		return deployer.Target{}, "", err
	}

	if ref == "cs" || ref == cs.Hostname {
		content, err := a.core.RenderCS(ctx)
		if err != nil {
			return deployer.Target{}, "", err
		}
		t, err := buildTarget(ctx, a, model.EntityCoordinationServer, cs.ID, cs.SSHHostID, cs.PublicKey, iface)
		return t, content, err
	}

	if rt, err := a.core.GetRouter(ctx, ref); err == nil {
		content, err := a.core.RenderRouter(ctx, ref)
		if err != nil {
			return deployer.Target{}, "", err
		}
		t, err := buildTarget(ctx, a, model.EntitySubnetRouter, rt.ID, rt.SSHHostID, rt.PublicKey, iface)
		return t, content, err
	}

	if ex, err := a.core.GetExitNode(ctx, ref); err == nil {
		content, err := a.core.RenderExit(ctx, ref)
		if err != nil {
			return deployer.Target{}, "", err
		}
		t, err := buildTarget(ctx, a, model.EntityExitNode, ex.ID, ex.SSHHostID, ex.PublicKey, iface)
		return t, content, err
	}

	return deployer.Target{}, "", &faults.NotFound{Entity: "deploy target", Ref: ref}
}

func buildTarget(ctx context.Context, a *app, entityType string, entityID int64, sshHostID *int64, pubKey, iface string) (deployer.Target, error) {
	t := deployer.Target{
		EntityType: entityType,
		EntityID:   entityID,
		Interface:  iface,
		PublicKey:  pubKey,
	}
	configDir := "/etc/wireguard"
	if sshHostID != nil {
		h, err := a.core.GetSSHHostByID(ctx, *sshHostID)
		if err != nil {
			return t, err
		}
		t.Host = h
		if h.ConfigDir != "" {
			configDir = h.ConfigDir
		}
	}
	t.Path = path.Join(configDir, iface+".conf")
	return t, nil
}
