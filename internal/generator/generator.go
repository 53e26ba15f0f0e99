// Package generator renders deployable WireGuard .conf files from fleet
// state. All render functions are pure: they take resolved inputs and
// return a conf.File, leaving queries and ordering to the service layer.
package generator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edvin/wgfleet/internal/conf"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/policy"
)

// Keepalive is the PersistentKeepalive written for NAT-bound peers.
const Keepalive = 25

// Peer is one resolved outgoing [Peer] entry. Fields left empty are
// omitted from the rendered block.
type Peer struct {
	Comment      string // rendered as "# <comment>" above the block
	PublicKey    string
	PresharedKey string
	AllowedIPs   string
	Endpoint     string
	Keepalive    int
}

// CoordinationServer renders the hub config. peers must already be in the
// persisted peer order; exit-only remotes must not be included.
func CoordinationServer(cs *model.CoordinationServer, commands []model.CommandPair, peers []Peer) (*conf.File, error) {
	f := conf.New()
	in := f.AddSection(conf.SectionInterface)
	in.Append("PrivateKey", cs.PrivateKey)
	in.Append("Address", joinAddrs(hostAddr(cs.VPNIPv4, 32), hostAddr(cs.VPNIPv6, 128)))
	in.Append("ListenPort", strconv.Itoa(cs.ListenPort))
	if cs.MTU > 0 {
		in.Append("MTU", strconv.Itoa(cs.MTU))
	}
	if err := appendCommands(in, commands); err != nil {
		return nil, err
	}
	appendPeers(f, peers)
	return f, nil
}

// SubnetRouter renders a router config: its interface plus a single peer
// entry for the coordination server.
func SubnetRouter(snr *model.SubnetRouter, cs *model.CoordinationServer, commands []model.CommandPair, psk string) (*conf.File, error) {
	f := conf.New()
	in := f.AddSection(conf.SectionInterface)
	in.Append("PrivateKey", snr.PrivateKey)
	in.Append("Address", joinAddrs(hostAddr(snr.VPNIPv4, 32), hostAddr(snr.VPNIPv6, 128)))
	if err := appendCommands(in, commands); err != nil {
		return nil, err
	}
	appendPeers(f, []Peer{{
		Comment:      cs.Hostname,
		PublicKey:    cs.PublicKey,
		AllowedIPs:   joinAddrs(cs.IPv4CIDR, cs.IPv6CIDR),
		Endpoint:     cs.Endpoint,
		Keepalive:    Keepalive,
		PresharedKey: psk,
	}})
	return f, nil
}

// ExitPeer is the resolved exit linkage of a remote, nil when no exit is
// active.
type ExitPeer struct {
	Hostname     string
	PublicKey    string
	Endpoint     string
	PresharedKey string
}

// Remote renders a client config according to its access-level plan. A
// provisional remote has no private key and cannot be rendered.
func Remote(r *model.Remote, cs *model.CoordinationServer, plan policy.Plan, exit *ExitPeer) (*conf.File, error) {
	if r.Provisional() {
		return nil, &faults.ValidationError{Field: "private_key",
			Msg: fmt.Sprintf("remote %q is provisional, import its client config first", r.Hostname)}
	}
	if plan.IncludeExit && exit == nil {
		return nil, &faults.ValidationError{Field: "exit",
			Msg: fmt.Sprintf("remote %q requires an exit peer but none is active", r.Hostname)}
	}

	f := conf.New()
	in := f.AddSection(conf.SectionInterface)
	in.Append("PrivateKey", r.PrivateKey)
	in.Append("Address", joinAddrs(hostAddr(r.VPNIPv4, 32), hostAddr(r.VPNIPv6, 128)))

	var peers []Peer
	if plan.IncludeCS {
		peers = append(peers, Peer{
			Comment:      cs.Hostname,
			PublicKey:    cs.PublicKey,
			PresharedKey: r.PresharedKey,
			AllowedIPs:   strings.Join(plan.CSAllowedIPs, ", "),
			Endpoint:     cs.Endpoint,
			Keepalive:    Keepalive,
		})
	}
	if plan.IncludeExit {
		peers = append(peers, Peer{
			Comment:      exit.Hostname + " (exit)",
			PublicKey:    exit.PublicKey,
			PresharedKey: exit.PresharedKey,
			AllowedIPs:   strings.Join(plan.ExitAllowedIPs, ", "),
			Endpoint:     exit.Endpoint,
			Keepalive:    Keepalive,
		})
	}
	appendPeers(f, peers)
	return f, nil
}

// ExitNode renders an exit config: its interface with NAT commands plus
// one peer entry for every remote routed through it.
func ExitNode(ex *model.ExitNode, commands []model.CommandPair, remotes []Peer) (*conf.File, error) {
	f := conf.New()
	in := f.AddSection(conf.SectionInterface)
	in.Append("PrivateKey", ex.PrivateKey)
	in.Append("Address", joinAddrs(hostAddr(ex.VPNIPv4, 32), hostAddr(ex.VPNIPv6, 128)))
	in.Append("ListenPort", strconv.Itoa(ex.ListenPort))
	if err := appendCommands(in, commands); err != nil {
		return nil, err
	}
	appendPeers(f, remotes)
	return f, nil
}

// Extramural renders the local side of a sponsor tunnel with only the
// currently active peer.
func Extramural(cfg *model.ExtramuralConfig, active *model.ExtramuralPeer, commands []model.CommandPair) (*conf.File, error) {
	if active == nil {
		return nil, &faults.ValidationError{Field: "active_peer",
			Msg: fmt.Sprintf("extramural config %q has no active peer", cfg.InterfaceName)}
	}

	f := conf.New()
	in := f.AddSection(conf.SectionInterface)
	in.Append("PrivateKey", cfg.PrivateKey)
	in.Append("Address", joinAddrs(cfg.IPv4Address, cfg.IPv6Address))
	if cfg.DNS != "" {
		in.Append("DNS", cfg.DNS)
	}
	if cfg.MTU > 0 {
		in.Append("MTU", strconv.Itoa(cfg.MTU))
	}
	if cfg.ListenPort > 0 {
		in.Append("ListenPort", strconv.Itoa(cfg.ListenPort))
	}
	if err := appendCommands(in, commands); err != nil {
		return nil, err
	}
	appendPeers(f, []Peer{{
		Comment:      active.Name,
		PublicKey:    active.PublicKey,
		PresharedKey: active.PresharedKey,
		AllowedIPs:   active.AllowedIPs,
		Endpoint:     active.Endpoint,
		Keepalive:    active.Keepalive,
	}})
	return f, nil
}

// appendPeers emits peer blocks in order with canonical field ordering:
// PublicKey, PresharedKey, AllowedIPs, Endpoint, PersistentKeepalive.
func appendPeers(f *conf.File, peers []Peer) {
	for _, p := range peers {
		s := f.AddSection(conf.SectionPeer)
		if p.Comment != "" {
			s.Leading = append(s.Leading, conf.Blank(), conf.Comment(p.Comment))
		}
		s.Append("PublicKey", p.PublicKey)
		if p.PresharedKey != "" {
			s.Append("PresharedKey", p.PresharedKey)
		}
		s.Append("AllowedIPs", p.AllowedIPs)
		if p.Endpoint != "" {
			s.Append("Endpoint", p.Endpoint)
		}
		if p.Keepalive > 0 {
			s.Append("PersistentKeepalive", strconv.Itoa(p.Keepalive))
		}
	}
}

func appendCommands(s *conf.Section, commands []model.CommandPair) error {
	for _, cp := range commands {
		text, err := RenderCommand(cp)
		if err != nil {
			return err
		}
		s.Append(cp.Direction, text)
	}
	return nil
}

// hostAddr suffixes a bare address with its host prefix length. Values
// already carrying a prefix, and empty values, pass through.
func hostAddr(addr string, bits int) string {
	if addr == "" || strings.Contains(addr, "/") {
		return addr
	}
	return addr + "/" + strconv.Itoa(bits)
}

func joinAddrs(addrs ...string) string {
	var out []string
	for _, a := range addrs {
		if a != "" {
			out = append(out, a)
		}
	}
	return strings.Join(out, ", ")
}
