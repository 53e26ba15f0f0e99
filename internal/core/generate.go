package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/edvin/wgfleet/internal/conf"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/generator"
	"github.com/edvin/wgfleet/internal/ipam"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/policy"
)

// Topology loads the slice of fleet state the policy engine needs.
func (c *Core) Topology(ctx context.Context, cs *model.CoordinationServer) (policy.Topology, error) {
	var topo policy.Topology
	if cs.IPv4CIDR != "" {
		topo.CSVPNCIDRs = append(topo.CSVPNCIDRs, cs.IPv4CIDR)
	}
	if cs.IPv6CIDR != "" {
		topo.CSVPNCIDRs = append(topo.CSVPNCIDRs, cs.IPv6CIDR)
	}
	routers, err := c.ListRouters(ctx, cs.ID)
	if err != nil {
		return topo, err
	}
	for _, snr := range routers {
		topo.SNRLans = append(topo.SNRLans, snr.LANCIDRs...)
	}
	return topo, nil
}

// loadCommands returns an owner's command pairs in writer order.
func (c *Core) loadCommands(ctx context.Context, ownerType string, ownerID int64) ([]model.CommandPair, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, owner_type, owner_id, direction, sequence, text, template_name, template_params, parsed_tag
		FROM command_pairs WHERE owner_type = ? AND owner_id = ?
		ORDER BY CASE direction
			WHEN 'PreUp' THEN 0 WHEN 'PostUp' THEN 1 WHEN 'PreDown' THEN 2 ELSE 3
		END, sequence`, ownerType, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load command pairs: %w", err)
	}
	defer rows.Close()

	var out []model.CommandPair
	for rows.Next() {
		var cp model.CommandPair
		if err := rows.Scan(&cp.ID, &cp.OwnerType, &cp.OwnerID, &cp.Direction, &cp.Sequence,
			&cp.Text, &cp.TemplateName, &cp.TemplateParams, &cp.ParsedTag); err != nil {
			return nil, fmt.Errorf("scan command pair: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (c *Core) loadSource(ctx context.Context, ownerType string, ownerID int64) (string, bool) {
	var text string
	err := c.db.QueryRowContext(ctx,
		`SELECT text FROM config_sources WHERE owner_type = ? AND owner_id = ?`,
		ownerType, ownerID).Scan(&text)
	return text, err == nil
}

// csPeers resolves the hub's peer blocks in persisted order. Exit-only
// remotes have no hub entry.
func (c *Core) csPeers(ctx context.Context, cs *model.CoordinationServer) ([]generator.Peer, error) {
	order, err := c.PeerOrder(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	var out []generator.Peer
	for _, op := range order {
		switch op.PeerType {
		case model.EntitySubnetRouter:
			snr, err := c.GetRouterByID(ctx, op.PeerID)
			if err != nil {
				return nil, err
			}
			p := generator.Peer{Comment: snr.Hostname, PublicKey: snr.PublicKey, AllowedIPs: snr.AllowedIPs}
			if snr.HasEndpoint {
				p.Endpoint = snr.Endpoint
			}
			out = append(out, p)
		case model.EntityRemote:
			r, err := c.GetRemoteByID(ctx, op.PeerID)
			if err != nil {
				return nil, err
			}
			if r.AccessLevel == model.AccessExitOnly {
				continue
			}
			out = append(out, generator.Peer{
				Comment:      r.Hostname,
				PublicKey:    r.PublicKey,
				PresharedKey: r.PresharedKey,
				AllowedIPs:   hostAllowedIPs(r.VPNIPv4, r.VPNIPv6),
			})
		case model.EntityExitNode:
			ex, err := c.GetExitNodeByID(ctx, op.PeerID)
			if err != nil {
				return nil, err
			}
			out = append(out, generator.Peer{
				Comment:    ex.Hostname,
				PublicKey:  ex.PublicKey,
				AllowedIPs: hostAllowedIPs(ex.VPNIPv4, ex.VPNIPv6),
				Endpoint:   ex.Endpoint,
			})
		}
	}
	return out, nil
}

func hostAllowedIPs(v4, v6 string) string {
	var parts []string
	for _, addr := range []string{v4, v6} {
		if addr == "" {
			continue
		}
		if a, err := netip.ParseAddr(addr); err == nil {
			parts = append(parts, ipam.HostPrefix(a))
		}
	}
	return strings.Join(parts, ", ")
}

// RenderCS renders the hub config. An imported hub is patched in place:
// unchanged lines keep their original bytes.
func (c *Core) RenderCS(ctx context.Context) (string, error) {
	cs, err := c.GetCS(ctx)
	if err != nil {
		return "", err
	}
	peers, err := c.csPeers(ctx, cs)
	if err != nil {
		return "", err
	}
	if src, ok := c.loadSource(ctx, model.EntityCoordinationServer, cs.ID); ok {
		f, err := conf.Parse(src)
		if err == nil {
			patchInterfaceKeys(f.Interface(), cs.PrivateKey)
			patchPeers(f, peers)
			return f.String(), nil
		}
	}
	commands, err := c.loadCommands(ctx, model.EntityCoordinationServer, cs.ID)
	if err != nil {
		return "", err
	}
	f, err := generator.CoordinationServer(cs, commands, peers)
	if err != nil {
		return "", err
	}
	return f.String(), nil
}

// RenderRouter renders a subnet router's own config.
func (c *Core) RenderRouter(ctx context.Context, hostname string) (string, error) {
	snr, err := c.GetRouter(ctx, hostname)
	if err != nil {
		return "", err
	}
	if snr.PrivateKey == "" {
		return "", &faults.ValidationError{Field: "private_key",
			Msg: fmt.Sprintf("router %q was imported without its private key", hostname)}
	}
	cs, err := c.GetCS(ctx)
	if err != nil {
		return "", err
	}
	commands, err := c.loadCommands(ctx, model.EntitySubnetRouter, snr.ID)
	if err != nil {
		return "", err
	}
	f, err := generator.SubnetRouter(snr, cs, commands, "")
	if err != nil {
		return "", err
	}
	return f.String(), nil
}

// RenderRemote renders a client config according to the remote's access
// level. Imported client files are patched, not rewritten.
func (c *Core) RenderRemote(ctx context.Context, hostname string) (string, error) {
	r, err := c.GetRemote(ctx, hostname)
	if err != nil {
		return "", err
	}
	cs, err := c.GetCS(ctx)
	if err != nil {
		return "", err
	}
	topo, err := c.Topology(ctx, cs)
	if err != nil {
		return "", err
	}

	exit, err := c.activeExitPeer(ctx, r)
	if err != nil {
		return "", err
	}
	plan, err := policy.Compute(r.AccessLevel, r.LANAllowed, r.CustomAllowedIPs, topo,
		policy.ExitLink{Attached: exit != nil})
	if err != nil {
		return "", err
	}

	if src, ok := c.loadSource(ctx, model.EntityRemote, r.ID); ok && !r.Provisional() {
		f, err := conf.Parse(src)
		if err == nil {
			patchInterfaceKeys(f.Interface(), r.PrivateKey)
			var peers []generator.Peer
			if plan.IncludeCS {
				peers = append(peers, generator.Peer{
					Comment: cs.Hostname, PublicKey: cs.PublicKey, PresharedKey: r.PresharedKey,
					AllowedIPs: strings.Join(plan.CSAllowedIPs, ", "),
					Endpoint:   cs.Endpoint, Keepalive: generator.Keepalive,
				})
			}
			if plan.IncludeExit {
				peers = append(peers, generator.Peer{
					Comment: exit.Hostname + " (exit)", PublicKey: exit.PublicKey,
					PresharedKey: exit.PresharedKey,
					AllowedIPs:   strings.Join(plan.ExitAllowedIPs, ", "),
					Endpoint:     exit.Endpoint, Keepalive: generator.Keepalive,
				})
			}
			patchPeers(f, peers)
			return f.String(), nil
		}
	}

	f, err := generator.Remote(r, cs, plan, exit)
	if err != nil {
		return "", err
	}
	return f.String(), nil
}

func (c *Core) activeExitPeer(ctx context.Context, r *model.Remote) (*generator.ExitPeer, error) {
	exitID := r.ActiveExitID
	if exitID == nil {
		exitID = r.ExitNodeID
	}
	if exitID == nil {
		return nil, nil
	}
	ex, err := c.GetExitNodeByID(ctx, *exitID)
	if err != nil {
		var nf *faults.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return &generator.ExitPeer{Hostname: ex.Hostname, PublicKey: ex.PublicKey, Endpoint: ex.Endpoint}, nil
}

// RenderExit renders an exit node's config with one peer per remote
// currently routed through it.
func (c *Core) RenderExit(ctx context.Context, hostname string) (string, error) {
	ex, err := c.GetExitNode(ctx, hostname)
	if err != nil {
		return "", err
	}
	commands, err := c.loadCommands(ctx, model.EntityExitNode, ex.ID)
	if err != nil {
		return "", err
	}
	remotes, err := c.ListRemotes(ctx, ex.CSID)
	if err != nil {
		return "", err
	}
	var peers []generator.Peer
	for _, r := range remotes {
		active := r.ActiveExitID
		if active == nil {
			active = r.ExitNodeID
		}
		if active == nil || *active != ex.ID {
			continue
		}
		peers = append(peers, generator.Peer{
			Comment:    r.Hostname,
			PublicKey:  r.PublicKey,
			AllowedIPs: hostAllowedIPs(r.VPNIPv4, r.VPNIPv6),
		})
	}
	f, err := generator.ExitNode(ex, commands, peers)
	if err != nil {
		return "", err
	}
	return f.String(), nil
}

// RenderExtramural renders the local side of a sponsor tunnel with only
// its active peer.
func (c *Core) RenderExtramural(ctx context.Context, ref string) (string, error) {
	cfg, err := c.GetExtramural(ctx, ref)
	if err != nil {
		return "", err
	}
	active, err := c.ActiveExtramuralPeer(ctx, cfg.ID)
	if err != nil {
		return "", err
	}
	commands, err := c.loadCommands(ctx, model.EntityExtramuralConfig, cfg.ID)
	if err != nil {
		return "", err
	}
	f, err := generator.Extramural(cfg, active, commands)
	if err != nil {
		return "", err
	}
	return f.String(), nil
}

// GenerateAll renders every renderable config into outDir. Provisional
// remotes and key-less routers are skipped: the hub side still lists
// them, but their own configs cannot exist yet.
func (c *Core) GenerateAll(ctx context.Context, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &faults.IOError{Op: "mkdir", Path: outDir, Err: err}
	}
	cs, err := c.GetCS(ctx)
	if err != nil {
		return nil, err
	}

	type rendered struct {
		name string
		text string
	}
	var files []rendered

	text, err := c.RenderCS(ctx)
	if err != nil {
		return nil, err
	}
	files = append(files, rendered{cs.Hostname + ".conf", text})

	routers, err := c.ListRouters(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	for _, snr := range routers {
		if snr.PrivateKey == "" {
			continue
		}
		if text, err = c.RenderRouter(ctx, snr.Hostname); err != nil {
			return nil, err
		}
		files = append(files, rendered{snr.Hostname + ".conf", text})
	}

	remotes, err := c.ListRemotes(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range remotes {
		if r.Provisional() {
			continue
		}
		if text, err = c.RenderRemote(ctx, r.Hostname); err != nil {
			return nil, err
		}
		files = append(files, rendered{r.Hostname + ".conf", text})
	}

	exits, err := c.ListExitNodes(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	for _, ex := range exits {
		if text, err = c.RenderExit(ctx, ex.Hostname); err != nil {
			return nil, err
		}
		files = append(files, rendered{ex.Hostname + ".conf", text})
	}

	var written []string
	for _, f := range files {
		path := filepath.Join(outDir, f.name)
		if err := os.WriteFile(path, []byte(f.text), 0o600); err != nil {
			return nil, &faults.IOError{Op: "write", Path: path, Err: err}
		}
		written = append(written, path)
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		return c.record(ctx, tx, journal.EventGenerated, model.EntityCoordinationServer, cs.ID, cs.PermanentGUID,
			map[string]any{"files": len(written), "out_dir": outDir})
	})
	if err != nil {
		return nil, err
	}
	c.publish(journal.EventGenerated, model.EntityCoordinationServer, cs.ID, cs.PermanentGUID,
		map[string]any{"files": len(written)})
	return written, nil
}

// patchInterfaceKeys refreshes the private key of a parsed source,
// leaving every other interface line untouched.
func patchInterfaceKeys(in *conf.Section, privateKey string) {
	setIfChanged(in, "PrivateKey", privateKey)
}

// patchPeers reconciles a parsed source's peer sections with the wanted
// peer list. Sections are claimed by public key first, then by position,
// so a rotated peer keeps its place and its comments. Unclaimed sections
// are dropped, missing peers appended.
func patchPeers(f *conf.File, want []generator.Peer) {
	sections := f.Peers()
	byKey := make(map[string]*conf.Section, len(sections))
	for _, s := range sections {
		if pub, ok := s.Get("PublicKey"); ok {
			byKey[pub] = s
		}
	}

	claimed := make(map[*conf.Section]bool, len(sections))
	var keep []*conf.Section
	for i, p := range want {
		sec := byKey[p.PublicKey]
		if sec == nil && i < len(sections) && !claimed[sections[i]] {
			sec = sections[i]
		}
		if sec == nil || claimed[sec] {
			sec = newPeerSection(f, p)
			claimed[sec] = true
			keep = append(keep, sec)
			continue
		}
		claimed[sec] = true
		setIfChanged(sec, "PublicKey", p.PublicKey)
		setOrRemove(sec, "PresharedKey", p.PresharedKey)
		setIfChanged(sec, "AllowedIPs", p.AllowedIPs)
		setOrRemove(sec, "Endpoint", p.Endpoint)
		keep = append(keep, sec)
	}

	rebuilt := []*conf.Section{f.Interface()}
	rebuilt = append(rebuilt, keep...)
	f.Sections = rebuilt
}

func newPeerSection(f *conf.File, p generator.Peer) *conf.Section {
	s := &conf.Section{Name: conf.SectionPeer}
	s.Leading = append(s.Leading, conf.Blank())
	if p.Comment != "" {
		s.Leading = append(s.Leading, conf.Comment(p.Comment))
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
		s.Append("PersistentKeepalive", fmt.Sprint(p.Keepalive))
	}
	return s
}

func setIfChanged(sec *conf.Section, key, value string) {
	if cur, ok := sec.Get(key); !ok || cur != value {
		sec.Set(key, value)
	}
}

func setOrRemove(sec *conf.Section, key, value string) {
	if value == "" {
		sec.Remove(key)
		return
	}
	setIfChanged(sec, key, value)
}
