package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

func cmdAdd(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet add <peer|router|exit|exit-group|ssh-host|sponsor|local-peer> [options]")
	}
	switch args[0] {
	case "peer":
		addPeer(args[1:])
	case "router":
		addRouter(args[1:])
	case "exit":
		addExit(args[1:])
	case "exit-group":
		addExitGroup(args[1:])
	case "ssh-host":
		addSSHHost(args[1:])
	case "sponsor":
		addSponsor(args[1:])
	case "local-peer":
		addLocalPeer(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown entity: %s\n", args[0])
		os.Exit(faults.ExitUserError)
	}
}

func addPeer(args []string) {
	fs := flag.NewFlagSet("add peer", flag.ExitOnError)
	access := fs.String("access", string(model.AccessFullAccess), "Access level")
	pubkey := fs.String("pubkey", "", "Public key of a provisional peer (no private key stored)")
	withPSK := fs.Bool("psk", false, "Generate a preshared key")
	lan := fs.String("lan", "", "Comma-separated LAN CIDRs granted under lan_only")
	custom := fs.String("allowed-ips", "", "Exact AllowedIPs under custom access")
	exitNode := fs.String("exit", "", "Exit node hostname")
	exitGroup := fs.String("exit-group", "", "Exit group name")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet add peer [options] <hostname>")
	}

	var lanAllowed []string
	if *lan != "" {
		lanAllowed = strings.Split(*lan, ",")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	r, err := a.core.AddRemote(context.Background(), core.AddRemoteParams{
		Hostname:         fs.Arg(0),
		AccessLevel:      model.AccessLevel(*access),
		PublicKey:        *pubkey,
		WithPSK:          *withPSK,
		LANAllowed:       lanAllowed,
		CustomAllowedIPs: *custom,
		ExitNode:         *exitNode,
		ExitGroup:        *exitGroup,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Added peer %q (%s", r.Hostname, r.VPNIPv4)
	if r.VPNIPv6 != "" {
		fmt.Printf(", %s", r.VPNIPv6)
	}
	fmt.Println(")")
	if r.Provisional() {
		fmt.Println("Provisional: import the client's own config to complete it")
	}
}

func addRouter(args []string) {
	fs := flag.NewFlagSet("add router", flag.ExitOnError)
	endpoint := fs.String("endpoint", "", "Public endpoint; omit for a router behind CGNAT")
	lan := fs.String("lan", "", "Comma-separated LAN CIDRs the router advertises")
	sshHost := fs.String("ssh-host", "", "Named SSH host for deployment")
	fs.Parse(args)

	if fs.NArg() < 1 || *lan == "" {
		usageErr("Usage: wgfleet add router -lan CIDRS [-endpoint HOST:PORT] <hostname>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	rt, err := a.core.AddRouter(context.Background(), core.AddRouterParams{
		Hostname: fs.Arg(0),
		Endpoint: *endpoint,
		LANCIDRs: strings.Split(*lan, ","),
		SSHHost:  *sshHost,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Added router %q advertising %s\n", rt.Hostname, strings.Join(rt.LANCIDRs, ", "))
}

func addExit(args []string) {
	fs := flag.NewFlagSet("add exit", flag.ExitOnError)
	endpoint := fs.String("endpoint", "", "Public endpoint (host:port)")
	port := fs.Int("port", 51820, "Listen port")
	natIface := fs.String("nat-iface", "eth0", "Egress interface for MASQUERADE rules")
	sshHost := fs.String("ssh-host", "", "Named SSH host for deployment")
	fs.Parse(args)

	if fs.NArg() < 1 || *endpoint == "" {
		usageErr("Usage: wgfleet add exit -endpoint HOST:PORT [-nat-iface IFACE] <hostname>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ex, err := a.core.AddExit(context.Background(), core.AddExitParams{
		Hostname:   fs.Arg(0),
		Endpoint:   *endpoint,
		ListenPort: *port,
		NATIface:   *natIface,
		SSHHost:    *sshHost,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Added exit %q at %s\n", ex.Hostname, ex.Endpoint)
}

func addExitGroup(args []string) {
	fs := flag.NewFlagSet("add exit-group", flag.ExitOnError)
	strategy := fs.String("strategy", string(model.StrategyPriority), "Selection strategy: priority, round_robin or latency")
	interval := fs.Int("interval", 30, "Health check interval in seconds")
	timeout := fs.Int("timeout", 5, "Health check timeout in seconds")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet add exit-group [-strategy NAME] <name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	cs, err := a.core.GetCS(context.Background())
	if err != nil {
		fail(err)
	}
	g := &model.ExitGroup{
		CSID:              cs.ID,
		Name:              fs.Arg(0),
		Strategy:          model.Strategy(*strategy),
		CheckIntervalSecs: *interval,
		CheckTimeoutSecs:  *timeout,
	}
	if err := a.core.CreateExitGroup(context.Background(), g); err != nil {
		fail(err)
	}
	fmt.Printf("Created exit group %q (%s)\n", g.Name, g.Strategy)
}

func addSSHHost(args []string) {
	fs := flag.NewFlagSet("add ssh-host", flag.ExitOnError)
	host := fs.String("host", "", "Address to connect to")
	port := fs.Int("port", 22, "SSH port")
	user := fs.String("user", "root", "SSH user")
	keyPath := fs.String("key", "", "Private key path; empty uses the SSH agent")
	configDir := fs.String("config-dir", "/etc/wireguard", "Remote WireGuard config directory")
	fs.Parse(args)

	if fs.NArg() < 1 || *host == "" {
		usageErr("Usage: wgfleet add ssh-host -host ADDR [-user USER] [-key PATH] <name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	h := &model.SSHHost{
		Name: fs.Arg(0), Host: *host, Port: *port,
		User: *user, KeyPath: *keyPath, ConfigDir: *configDir,
	}
	if err := a.core.AddSSHHost(context.Background(), h); err != nil {
		fail(err)
	}
	fmt.Printf("Added SSH host %q (%s@%s:%d)\n", h.Name, h.User, h.Host, h.Port)
}

func addSponsor(args []string) {
	fs := flag.NewFlagSet("add sponsor", flag.ExitOnError)
	website := fs.String("website", "", "Sponsor website")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet add sponsor [-website URL] <name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	sp, err := a.core.AddSponsor(context.Background(), fs.Arg(0), *website)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Added sponsor %q\n", sp.Name)
}

func addLocalPeer(args []string) {
	fs := flag.NewFlagSet("add local-peer", flag.ExitOnError)
	sshHost := fs.String("ssh-host", "", "Named SSH host this machine is reached through")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet add local-peer [-ssh-host NAME] <name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	lp, err := a.core.AddLocalPeer(context.Background(), fs.Arg(0), *sshHost)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Added local peer %q\n", lp.Name)
}
