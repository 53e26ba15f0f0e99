// wgfleet is the operator CLI for the fleet datastore: import and
// generate configs, manage peers and exits, rotate keys, deploy, back up.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/wgfleet/internal/config"
	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(faults.ExitUserError)
	}

	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "import":
		cmdImport(os.Args[2:])
	case "add":
		cmdAdd(os.Args[2:])
	case "remove":
		cmdRemove(os.Args[2:])
	case "rotate":
		cmdRotate(os.Args[2:])
	case "psk":
		cmdPSK(os.Args[2:])
	case "access":
		cmdAccess(os.Args[2:])
	case "qr":
		cmdQR(os.Args[2:])
	case "generate":
		cmdGenerate(os.Args[2:])
	case "deploy":
		cmdDeploy(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "ssh-setup":
		cmdSSHSetup(os.Args[2:])
	case "group":
		cmdGroup(os.Args[2:])
	case "extramural":
		cmdExtramural(os.Args[2:])
	case "audit":
		cmdAudit(os.Args[2:])
	case "backup":
		cmdBackup(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "passphrase":
		cmdPassphrase(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(faults.ExitUserError)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: wgfleet <command> [options]

Commands:
  init          Create the coordination server
  import        Import an existing config directory
  add           Add a peer, router, exit, exit-group, ssh-host, sponsor or local-peer
  remove        Remove a remote or router
  rotate        Rotate an entity's key pair
  psk           Set or clear a remote's preshared key
  access        Change a remote's access level
  qr            Print a remote's rendered client config
  generate      Render every config into a directory
  deploy        Push a rendered config to its target
  status        Show the fleet summary
  ssh-setup     Check connectivity to every configured SSH host
  group         Manage exit groups and failover
  extramural    Manage third-party sponsored configs
  audit         Verify the audit chain
  backup        Create, verify or restore datastore backups
  token         Manage API bearer tokens
  passphrase    Enable or change datastore encryption
`)
}

// app bundles the open datastore and service layer for one CLI invocation.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	core   *core.Core

	closers []func()
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg)

	d, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(d); err != nil {
		d.Close()
		return nil, err
	}
	secrets, err := core.LoadSecrets(context.Background(), d, cfg.Passphrase)
	if err != nil {
		d.Close()
		return nil, err
	}

	w := db.NewWriter(d)
	bus := journal.NewBus(logger)
	c := core.New(d, w, secrets, bus, logger)
	c.Operator = cfg.Operator

	return &app{
		cfg:     cfg,
		logger:  logger,
		core:    c,
		closers: []func(){bus.Close, w.Close, func() { d.Close() }},
	}, nil
}

func (a *app) Close() {
	for _, fn := range a.closers {
		fn()
	}
}

// fail prints the error and exits with the code its type maps to.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(faults.ExitCode(err))
}

func usageErr(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(faults.ExitUserError)
}
