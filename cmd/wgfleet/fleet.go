package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/deployer"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	hostname := fs.String("hostname", "", "Coordination server hostname")
	endpoint := fs.String("endpoint", "", "Public endpoint (host:port)")
	ipv4 := fs.String("ipv4", "", "VPN IPv4 CIDR, e.g. 10.66.0.0/24")
	ipv6 := fs.String("ipv6", "", "VPN IPv6 CIDR, e.g. fd66::/64")
	port := fs.Int("port", 51820, "Listen port")
	mtu := fs.Int("mtu", 0, "Interface MTU (0 omits the line)")
	sshHost := fs.String("ssh-host", "", "Named SSH host for deployment")
	fs.Parse(args)

	if *hostname == "" || *endpoint == "" {
		usageErr("Usage: wgfleet init -hostname NAME -endpoint HOST:PORT [-ipv4 CIDR] [-ipv6 CIDR]")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	cs, err := a.core.Init(context.Background(), core.InitParams{
		Hostname: *hostname, Endpoint: *endpoint,
		IPv4CIDR: *ipv4, IPv6CIDR: *ipv6,
		ListenPort: *port, MTU: *mtu, SSHHost: *sshHost,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Initialized coordination server %q\n", cs.Hostname)
	fmt.Printf("  public key: %s\n", cs.PublicKey)
	if cs.VPNIPv4 != "" {
		fmt.Printf("  vpn ipv4:   %s\n", cs.VPNIPv4)
	}
	if cs.VPNIPv6 != "" {
		fmt.Printf("  vpn ipv6:   %s\n", cs.VPNIPv6)
	}
}

func cmdImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	hostname := fs.String("hostname", "", "Hostname recorded for the coordination server")
	endpoint := fs.String("endpoint", "", "Public endpoint recorded for the coordination server")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet import [-hostname NAME] [-endpoint HOST:PORT] <config-dir>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	report, err := a.core.ImportDir(context.Background(), fs.Arg(0), core.ImportParams{
		Hostname: *hostname, Endpoint: *endpoint,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Imported %s\n", report.CSFile)
	fmt.Printf("  routers: %d  remotes: %d  matched client configs: %d\n",
		report.Routers, report.Remotes, report.Matched)
	for _, name := range report.Unmatched {
		fmt.Printf("  unmatched client config: %s\n", name)
	}
}

func cmdRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	kind := fs.String("type", "peer", "Entity type: peer or router")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet remove [-type peer|router] <hostname>")
	}
	hostname := fs.Arg(0)

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ctx := context.Background()
	switch *kind {
	case "peer":
		err = a.core.RemoveRemote(ctx, hostname)
	case "router":
		err = a.core.RemoveRouter(ctx, hostname)
	default:
		usageErr("Usage: wgfleet remove [-type peer|router] <hostname>")
	}
	if err != nil {
		fail(err)
	}
	fmt.Printf("Removed %s %q\n", *kind, hostname)
}

func cmdRotate(args []string) {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	kind := fs.String("type", "peer", "Entity type: cs, router, peer, exit or extramural")
	reason := fs.String("reason", "scheduled", "Reason recorded in the rotation history")
	fs.Parse(args)

	if fs.NArg() < 1 && *kind != "cs" {
		usageErr("Usage: wgfleet rotate [-type cs|router|peer|exit|extramural] [-reason WHY] <ref>")
	}

	entityType, ok := map[string]string{
		"cs":         model.EntityCoordinationServer,
		"router":     model.EntitySubnetRouter,
		"peer":       model.EntityRemote,
		"exit":       model.EntityExitNode,
		"extramural": model.EntityExtramuralConfig,
	}[*kind]
	if !ok {
		usageErr("Usage: wgfleet rotate [-type cs|router|peer|exit|extramural] [-reason WHY] <ref>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := a.core.Rotate(context.Background(), entityType, fs.Arg(0), *reason); err != nil {
		fail(err)
	}
	fmt.Printf("Rotated keys for %s %q\n", *kind, fs.Arg(0))
	if entityType == model.EntityExtramuralConfig {
		fmt.Println("The sponsor must install the new public key; confirm with: wgfleet extramural confirm")
	}
}

func cmdPSK(args []string) {
	fs := flag.NewFlagSet("psk", flag.ExitOnError)
	clear := fs.Bool("clear", false, "Remove the preshared key instead of setting one")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet psk [-clear] <hostname>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	psk, err := a.core.SetPSK(context.Background(), fs.Arg(0), *clear)
	if err != nil {
		fail(err)
	}
	if *clear {
		fmt.Printf("Cleared preshared key for %q\n", fs.Arg(0))
		return
	}
	fmt.Printf("New preshared key for %q:\n%s\n", fs.Arg(0), psk)
}

func cmdAccess(args []string) {
	fs := flag.NewFlagSet("access", flag.ExitOnError)
	level := fs.String("level", "", "Access level: full_access, vpn_only, lan_only, custom or exit_only")
	lan := fs.String("lan", "", "Comma-separated LAN CIDRs granted under lan_only")
	custom := fs.String("allowed-ips", "", "Exact AllowedIPs value under custom")
	fs.Parse(args)

	if fs.NArg() < 1 || *level == "" {
		usageErr("Usage: wgfleet access -level LEVEL [-lan CIDRS] [-allowed-ips IPS] <hostname>")
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

	err = a.core.SetAccessLevel(context.Background(), fs.Arg(0),
		model.AccessLevel(*level), lanAllowed, *custom)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Access level for %q is now %s\n", fs.Arg(0), *level)
}

// cmdQR prints the rendered client config; piping it into a QR encoder is
// up to the operator.
func cmdQR(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet qr <hostname>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	text, err := a.core.RenderRemote(context.Background(), args[0])
	if err != nil {
		fail(err)
	}
	fmt.Print(text)
}

func cmdGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	out := fs.String("out", "generated", "Output directory")
	fs.Parse(args)

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	files, err := a.core.GenerateAll(context.Background(), *out)
	if err != nil {
		fail(err)
	}
	for _, f := range files {
		fmt.Println(f)
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the summary as JSON")
	live := fs.Bool("live", false, "Refresh every 5 seconds until interrupted")
	fs.Parse(args)

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	for {
		st, err := a.core.Status(context.Background())
		if err != nil {
			fail(err)
		}
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(st)
		} else {
			printStatus(st)
		}
		if !*live {
			return
		}
		time.Sleep(5 * time.Second)
		fmt.Println()
	}
}

func printStatus(st *core.Status) {
	fmt.Printf("%s (%s)\n", st.Hostname, st.Endpoint)
	fmt.Printf("  routers: %d  remotes: %d (%d provisional)  exits: %d  extramural: %d\n",
		st.Routers, st.Remotes, st.Provisional, st.ExitNodes, st.Extramural)
	fmt.Printf("  audit head: %d  encrypted: %v\n", st.AuditHead, st.Encrypted)
	for _, e := range st.ExitHealth {
		line := fmt.Sprintf("  exit %-20s %s", e.Hostname, e.State)
		if e.LatencyMs != nil {
			line += fmt.Sprintf("  %.1f ms", *e.LatencyMs)
		}
		if e.Failures > 0 {
			line += fmt.Sprintf("  (%d consecutive failures)", e.Failures)
		}
		fmt.Println(line)
	}
}

func cmdSSHSetup(args []string) {
	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ctx := context.Background()
	hosts, err := a.core.ListSSHHosts(ctx)
	if err != nil {
		fail(err)
	}
	if len(hosts) == 0 {
		fmt.Println("No SSH hosts configured. Add one with: wgfleet add ssh-host")
		return
	}

	failed := 0
	for _, h := range hosts {
		if err := deployer.CheckHost(ctx, h); err != nil {
			fmt.Printf("%-20s FAILED: %v\n", h.Name, err)
			failed++
			continue
		}
		fmt.Printf("%-20s ok (%s@%s:%d)\n", h.Name, h.User, h.Host, h.Port)
	}
	if failed > 0 {
		os.Exit(faults.ExitIO)
	}
}

func cmdPassphrase(args []string) {
	fs := flag.NewFlagSet("passphrase", flag.ExitOnError)
	change := fs.Bool("change", false, "Re-encrypt under a new passphrase")
	fs.Parse(args)

	newPass := os.Getenv("WGFLEET_NEW_PASSPHRASE")
	if newPass == "" {
		usageErr("Set WGFLEET_NEW_PASSPHRASE to the passphrase to apply")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ctx := context.Background()
	if *change {
		err = a.core.ChangePassphrase(ctx, newPass)
	} else {
		err = a.core.SetPassphrase(ctx, newPass)
	}
	if err != nil {
		fail(err)
	}
	fmt.Println("Datastore encryption updated")
}
