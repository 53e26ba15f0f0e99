package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

func cmdExtramural(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet extramural <list|show|import|generate|switch-peer|add-peer|add-sponsor|add-ssh-host|confirm> [options]")
	}
	switch args[0] {
	case "list":
		extramuralList()
	case "show":
		extramuralShow(args[1:])
	case "import":
		extramuralImport(args[1:])
	case "generate":
		extramuralGenerate(args[1:])
	case "switch-peer":
		extramuralSwitchPeer(args[1:])
	case "add-peer":
		extramuralAddPeer(args[1:])
	case "add-sponsor":
		addSponsor(args[1:])
	case "add-ssh-host":
		addSSHHost(args[1:])
	case "confirm":
		extramuralConfirm(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown extramural command: %s\n", args[0])
		os.Exit(faults.ExitUserError)
	}
}

func extramuralList() {
	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	listings, err := a.core.ListExtramural(context.Background())
	if err != nil {
		fail(err)
	}
	if len(listings) == 0 {
		fmt.Println("No extramural configs")
		return
	}

	fmt.Printf("%-16s %-16s %-10s %-20s %s\n", "LOCAL PEER", "SPONSOR", "IFACE", "ACTIVE PEER", "PENDING")
	for _, l := range listings {
		pending := ""
		if l.PendingRemoteUpdate {
			pending = "key update"
		}
		fmt.Printf("%-16s %-16s %-10s %-20s %s\n",
			l.LocalPeer, l.Sponsor, l.InterfaceName, l.ActivePeer, pending)
	}
}

func extramuralShow(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet extramural show <local-peer/sponsor>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ctx := context.Background()
	cfg, err := a.core.GetExtramural(ctx, args[0])
	if err != nil {
		fail(err)
	}
	peers, err := a.core.ExtramuralPeers(ctx, cfg.ID)
	if err != nil {
		fail(err)
	}

	fmt.Printf("Interface %s\n", cfg.InterfaceName)
	fmt.Printf("  public key: %s\n", cfg.PublicKey)
	if cfg.IPv4Address != "" {
		fmt.Printf("  ipv4:       %s\n", cfg.IPv4Address)
	}
	if cfg.IPv6Address != "" {
		fmt.Printf("  ipv6:       %s\n", cfg.IPv6Address)
	}
	if cfg.PendingRemoteUpdate {
		fmt.Println("  pending:    sponsor has not confirmed the rotated key")
	}
	for _, p := range peers {
		marker := " "
		if p.IsActive {
			marker = "*"
		}
		fmt.Printf("  %s peer %-20s %s\n", marker, p.Name, p.Endpoint)
	}
}

func extramuralImport(args []string) {
	fs := flag.NewFlagSet("extramural import", flag.ExitOnError)
	localPeer := fs.String("local-peer", "", "Local peer holding the config")
	sponsor := fs.String("sponsor", "", "Sponsor providing the tunnel")
	iface := fs.String("iface", "", "Interface name, e.g. wg-sponsor0")
	fs.Parse(args)

	if fs.NArg() < 1 || *localPeer == "" || *sponsor == "" || *iface == "" {
		usageErr("Usage: wgfleet extramural import -local-peer NAME -sponsor NAME -iface NAME <config-file>")
	}

	text, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fail(&faults.IOError{Op: "read", Path: fs.Arg(0), Err: err})
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	cfg, err := a.core.ImportExtramural(context.Background(), *localPeer, *sponsor, *iface, string(text))
	if err != nil {
		fail(err)
	}
	fmt.Printf("Imported %s for %s/%s\n", cfg.InterfaceName, *localPeer, *sponsor)
}

func extramuralGenerate(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet extramural generate <local-peer/sponsor>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	text, err := a.core.RenderExtramural(context.Background(), args[0])
	if err != nil {
		fail(err)
	}
	fmt.Print(text)
}

func extramuralSwitchPeer(args []string) {
	if len(args) < 2 {
		usageErr("Usage: wgfleet extramural switch-peer <local-peer/sponsor> <peer-name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := a.core.SwitchActivePeer(context.Background(), args[0], args[1]); err != nil {
		fail(err)
	}
	fmt.Printf("Active peer is now %q\n", args[1])
}

func extramuralAddPeer(args []string) {
	fs := flag.NewFlagSet("extramural add-peer", flag.ExitOnError)
	pubkey := fs.String("pubkey", "", "Sponsor endpoint public key")
	endpoint := fs.String("endpoint", "", "Sponsor endpoint (host:port)")
	allowedIPs := fs.String("allowed-ips", "0.0.0.0/0, ::/0", "AllowedIPs for the sponsor peer")
	psk := fs.String("psk", "", "Preshared key, if the sponsor issued one")
	keepalive := fs.Int("keepalive", 0, "PersistentKeepalive seconds (0 omits the line)")
	fs.Parse(args)

	if fs.NArg() < 2 || *pubkey == "" || *endpoint == "" {
		usageErr("Usage: wgfleet extramural add-peer -pubkey KEY -endpoint HOST:PORT <local-peer/sponsor> <peer-name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	p := &model.ExtramuralPeer{
		Name:         fs.Arg(1),
		PublicKey:    *pubkey,
		Endpoint:     *endpoint,
		AllowedIPs:   *allowedIPs,
		PresharedKey: *psk,
		Keepalive:    *keepalive,
	}
	if err := a.core.AddExtramuralPeer(context.Background(), fs.Arg(0), p); err != nil {
		fail(err)
	}
	fmt.Printf("Added sponsor peer %q\n", p.Name)
}

func extramuralConfirm(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet extramural confirm <local-peer/sponsor>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := a.core.ConfirmRemoteUpdate(context.Background(), args[0]); err != nil {
		fail(err)
	}
	fmt.Println("Sponsor key update confirmed")
}
