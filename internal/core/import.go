package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/edvin/wgfleet/internal/conf"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/wgkey"
)

// ImportParams carry what a .conf cannot: the hub's public endpoint and
// hostname.
type ImportParams struct {
	Hostname string
	Endpoint string
}

// ImportReport summarizes one import run.
type ImportReport struct {
	CSFile    string
	Routers   int
	Remotes   int
	Matched   int // client files matched to provisional remotes
	Unmatched []string
}

// ImportDir imports every .conf in dir. The file whose [Interface] has a
// ListenPort and carries the most [Peer] sections is taken as the hub
// config; remaining files are client configs matched to provisional
// remotes by their derived public key.
func (c *Core) ImportDir(ctx context.Context, dir string, p ImportParams) (*ImportReport, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	if err != nil {
		return nil, &faults.IOError{Op: "scan", Path: dir, Err: err}
	}
	if len(names) == 0 {
		return nil, &faults.NotFound{Entity: "conf file", Ref: dir}
	}
	sort.Strings(names)

	type parsed struct {
		path string
		text string
		file *conf.File
	}
	var files []parsed
	for _, name := range names {
		raw, err := os.ReadFile(name)
		if err != nil {
			return nil, &faults.IOError{Op: "read", Path: name, Err: err}
		}
		f, err := conf.Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
		files = append(files, parsed{name, string(raw), f})
	}

	hub := -1
	for i, f := range files {
		if _, ok := f.file.Interface().Get("ListenPort"); !ok {
			continue
		}
		if hub < 0 || len(f.file.Peers()) > len(files[hub].file.Peers()) {
			hub = i
		}
	}
	if hub < 0 {
		return nil, &faults.ValidationError{Field: "dir",
			Msg: "no hub config found: every [Interface] is missing a ListenPort"}
	}

	report := &ImportReport{CSFile: filepath.Base(files[hub].path)}
	if p.Hostname == "" {
		p.Hostname = strings.TrimSuffix(filepath.Base(files[hub].path), ".conf")
	}
	cs, err := c.importCS(ctx, files[hub].text, files[hub].file, p, report)
	if err != nil {
		return nil, err
	}

	for i, f := range files {
		if i == hub {
			continue
		}
		matched, err := c.importClient(ctx, cs, f.text, f.file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(f.path), err)
		}
		if matched {
			report.Matched++
		} else {
			report.Unmatched = append(report.Unmatched, filepath.Base(f.path))
		}
	}
	return report, nil
}

// importCS persists the hub with its peers in the observed file order, and
// keeps the verbatim source for later patch-style regeneration.
func (c *Core) importCS(ctx context.Context, text string, f *conf.File, p ImportParams, report *ImportReport) (*model.CoordinationServer, error) {
	if _, err := c.GetCS(ctx); err == nil {
		return nil, &faults.Conflict{Entity: "coordination_server", Field: "count", Value: "1"}
	}

	in := f.Interface()
	priv, _ := in.Get("PrivateKey")
	if priv == "" {
		return nil, &faults.ValidationError{Field: "private_key", Msg: "hub config has no PrivateKey"}
	}
	pub, err := wgkey.Public(priv)
	if err != nil {
		return nil, err
	}
	encPriv, err := c.secrets.Encrypt(priv)
	if err != nil {
		return nil, err
	}

	cs := &model.CoordinationServer{
		Hostname:      p.Hostname,
		Endpoint:      p.Endpoint,
		PrivateKey:    priv,
		PublicKey:     pub,
		PermanentGUID: pub,
		ListenPort:    51820,
		CreatedAt:     now(),
		UpdatedAt:     now(),
	}
	if v, ok := in.Get("ListenPort"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cs.ListenPort = port
		}
	}
	if v, ok := in.Get("MTU"); ok {
		cs.MTU, _ = strconv.Atoi(v)
	}
	for _, addr := range in.Values("Address") {
		pfx, err := netip.ParsePrefix(addr)
		if err != nil {
			return nil, &faults.ValidationError{Field: "address",
				Msg: fmt.Sprintf("hub Address %q must carry its network prefix", addr)}
		}
		if pfx.Addr().Is4() {
			cs.VPNIPv4 = pfx.Addr().String()
			cs.IPv4CIDR = pfx.Masked().String()
		} else {
			cs.VPNIPv6 = pfx.Addr().String()
			cs.IPv6CIDR = pfx.Masked().String()
		}
	}
	if cs.IPv4CIDR == "" && cs.IPv6CIDR == "" {
		return nil, &faults.ValidationError{Field: "address", Msg: "hub config has no Address"}
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO coordination_servers (hostname, endpoint, ipv4_cidr, ipv6_cidr,
				vpn_ipv4, vpn_ipv6, private_key, public_key, permanent_guid,
				listen_port, mtu, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cs.Hostname, cs.Endpoint, cs.IPv4CIDR, cs.IPv6CIDR,
			cs.VPNIPv4, cs.VPNIPv6, encPriv, cs.PublicKey, cs.PermanentGUID,
			cs.ListenPort, cs.MTU, cs.CreatedAt, cs.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert coordination server: %w", err)
		}
		cs.ID, _ = res.LastInsertId()

		if err := importCommands(ctx, tx, model.EntityCoordinationServer, cs.ID, in); err != nil {
			return err
		}

		for pos, sec := range f.Peers() {
			if err := c.importCSPeer(ctx, tx, cs, sec, pos, report); err != nil {
				return err
			}
		}

		if err := storeSource(ctx, tx, model.EntityCoordinationServer, cs.ID, text); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventImported, model.EntityCoordinationServer, cs.ID, cs.PermanentGUID,
			map[string]any{"hostname": cs.Hostname, "routers": report.Routers, "remotes": report.Remotes})
	})
	if err != nil {
		return nil, err
	}
	c.publish(journal.EventImported, model.EntityCoordinationServer, cs.ID, cs.PermanentGUID,
		map[string]any{"hostname": cs.Hostname})
	return cs, nil
}

// importCSPeer classifies one hub [Peer] block: any non-host prefix in its
// AllowedIPs makes it a subnet router, otherwise it is a provisional
// remote known only by its public key.
func (c *Core) importCSPeer(ctx context.Context, tx *sql.Tx, cs *model.CoordinationServer, sec *conf.Section, pos int, report *ImportReport) error {
	pub, _ := sec.Get("PublicKey")
	if pub == "" {
		return &faults.ValidationError{Field: "public_key",
			Msg: fmt.Sprintf("hub peer %d has no PublicKey", pos+1)}
	}
	allowed, _ := sec.Get("AllowedIPs")
	endpoint, _ := sec.Get("Endpoint")
	psk, _ := sec.Get("PresharedKey")
	encPSK, err := c.secrets.Encrypt(psk)
	if err != nil {
		return err
	}
	hostname := peerHostname(sec, pos)

	var vpnV4, vpnV6 string
	var lans []string
	for _, part := range splitCSV(allowed) {
		pfx, err := netip.ParsePrefix(part)
		if err != nil {
			continue
		}
		if pfx.IsSingleIP() {
			if pfx.Addr().Is4() {
				vpnV4 = pfx.Addr().String()
			} else {
				vpnV6 = pfx.Addr().String()
			}
			continue
		}
		lans = append(lans, part)
	}

	if len(lans) > 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO subnet_routers (cs_id, hostname, vpn_ipv4, vpn_ipv6, public_key,
				permanent_guid, endpoint, has_endpoint, lan_cidrs, allowed_ips, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cs.ID, hostname, vpnV4, vpnV6, pub, pub, endpoint, endpoint != "",
			jsonStrings(lans), allowed, now(), now())
		if err != nil {
			return fmt.Errorf("import subnet router %q: %w", hostname, err)
		}
		id, _ := res.LastInsertId()
		report.Routers++
		return insertPeerOrderAt(ctx, tx, cs.ID, model.EntitySubnetRouter, id, pos)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO remotes (cs_id, hostname, vpn_ipv4, vpn_ipv6, public_key,
			permanent_guid, access_level, preshared_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, hostname, vpnV4, vpnV6, pub, pub, model.AccessVPNOnly, encPSK, now(), now())
	if err != nil {
		return fmt.Errorf("import remote %q: %w", hostname, err)
	}
	id, _ := res.LastInsertId()
	report.Remotes++
	return insertPeerOrderAt(ctx, tx, cs.ID, model.EntityRemote, id, pos)
}

// importClient matches a client config to a provisional remote by the
// public key derived from its private key and adopts the private side.
func (c *Core) importClient(ctx context.Context, cs *model.CoordinationServer, text string, f *conf.File) (bool, error) {
	priv, _ := f.Interface().Get("PrivateKey")
	if priv == "" {
		return false, nil
	}
	pub, err := wgkey.Public(priv)
	if err != nil {
		return false, err
	}

	var remoteID int64
	var guid, hostname string
	err = c.db.QueryRowContext(ctx,
		`SELECT id, permanent_guid, hostname FROM remotes WHERE public_key = ? AND private_key = ''`,
		pub).Scan(&remoteID, &guid, &hostname)
	if err != nil {
		return false, nil // no provisional remote with this key
	}

	encPriv, err := c.secrets.Encrypt(priv)
	if err != nil {
		return false, err
	}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE remotes SET private_key = ?, updated_at = ? WHERE id = ?`,
			encPriv, now(), remoteID); err != nil {
			return fmt.Errorf("adopt client private key: %w", err)
		}
		if err := storeSource(ctx, tx, model.EntityRemote, remoteID, text); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventImported, model.EntityRemote, remoteID, guid,
			map[string]any{"hostname": hostname, "client_config": true})
	})
	if err != nil {
		return false, err
	}
	c.publish(journal.EventImported, model.EntityRemote, remoteID, guid,
		map[string]any{"hostname": hostname})
	return true, nil
}

// ImportExtramural creates an extramural config from sponsor-supplied
// .conf text. Every [Peer] becomes a selectable endpoint; the first is
// active.
func (c *Core) ImportExtramural(ctx context.Context, localPeer, sponsor, ifaceName, text string) (*model.ExtramuralConfig, error) {
	lp, err := c.GetLocalPeer(ctx, localPeer)
	if err != nil {
		return nil, err
	}
	sp, err := c.GetSponsor(ctx, sponsor)
	if err != nil {
		return nil, err
	}
	f, err := conf.Parse(text)
	if err != nil {
		return nil, err
	}
	in := f.Interface()
	priv, _ := in.Get("PrivateKey")
	if priv == "" {
		return nil, &faults.ValidationError{Field: "private_key", Msg: "extramural config has no PrivateKey"}
	}
	pub, err := wgkey.Public(priv)
	if err != nil {
		return nil, err
	}
	if len(f.Peers()) == 0 {
		return nil, &faults.ValidationError{Field: "peers", Msg: "extramural config has no [Peer] section"}
	}

	cfg := &model.ExtramuralConfig{
		LocalPeerID:   lp.ID,
		SponsorID:     sp.ID,
		PermanentGUID: pub,
		PrivateKey:    priv,
		PublicKey:     pub,
		InterfaceName: ifaceName,
		DNS:           getOr(in, "DNS", ""),
	}
	if v, ok := in.Get("MTU"); ok {
		cfg.MTU, _ = strconv.Atoi(v)
	}
	if v, ok := in.Get("ListenPort"); ok {
		cfg.ListenPort, _ = strconv.Atoi(v)
	}
	for _, addr := range in.Values("Address") {
		if a, err := netip.ParsePrefix(addr); err == nil && !a.Addr().Is4() {
			cfg.IPv6Address = addr
		} else {
			cfg.IPv4Address = addr
		}
	}
	encPriv, err := c.secrets.Encrypt(priv)
	if err != nil {
		return nil, err
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO extramural_configs (local_peer_id, sponsor_id, permanent_guid,
				private_key, public_key, ipv4_address, ipv6_address, dns, mtu, listen_port, interface_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lp.ID, sp.ID, pub, encPriv, pub, cfg.IPv4Address, cfg.IPv6Address,
			cfg.DNS, cfg.MTU, cfg.ListenPort, ifaceName)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "extramural_config", Field: "local_peer/sponsor",
					Value: localPeer + "/" + sponsor}
			}
			return fmt.Errorf("insert extramural config: %w", err)
		}
		cfg.ID, _ = res.LastInsertId()

		if err := importCommands(ctx, tx, model.EntityExtramuralConfig, cfg.ID, in); err != nil {
			return err
		}
		for i, sec := range f.Peers() {
			pub, _ := sec.Get("PublicKey")
			endpoint, _ := sec.Get("Endpoint")
			allowed := getOr(sec, "AllowedIPs", "0.0.0.0/0, ::/0")
			psk, _ := sec.Get("PresharedKey")
			encPSK, err := c.secrets.Encrypt(psk)
			if err != nil {
				return err
			}
			keepalive := 0
			if v, ok := sec.Get("PersistentKeepalive"); ok {
				keepalive, _ = strconv.Atoi(v)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO extramural_peers (config_id, name, public_key, endpoint, allowed_ips,
					preshared_key, keepalive, is_active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				cfg.ID, peerHostname(sec, i), pub, endpoint, allowed, encPSK, keepalive, i == 0); err != nil {
				return fmt.Errorf("import extramural peer %d: %w", i+1, err)
			}
		}

		if err := storeSource(ctx, tx, model.EntityExtramuralConfig, cfg.ID, text); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventImported, model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
			map[string]any{"local_peer": localPeer, "sponsor": sponsor, "peers": len(f.Peers())})
	})
	if err != nil {
		return nil, err
	}
	c.publish(journal.EventImported, model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
		map[string]any{"local_peer": localPeer, "sponsor": sponsor})
	return cfg, nil
}

func importCommands(ctx context.Context, tx *sql.Tx, ownerType string, ownerID int64, in *conf.Section) error {
	for _, direction := range []string{model.DirectionPreUp, model.DirectionPostUp, model.DirectionPreDown, model.DirectionPostDown} {
		for seq, line := range in.Fields(direction) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO command_pairs (owner_type, owner_id, direction, sequence, text, parsed_tag)
				VALUES (?, ?, ?, ?, ?, ?)`,
				ownerType, ownerID, direction, seq, line.Value, conf.TagCommand(line.Value)); err != nil {
				return fmt.Errorf("import %s command: %w", direction, err)
			}
		}
	}
	return nil
}

func insertPeerOrderAt(ctx context.Context, tx *sql.Tx, csID int64, peerType string, peerID int64, pos int) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO peer_order (cs_id, peer_type, peer_id, position)
		VALUES (?, ?, ?, ?)`, csID, peerType, peerID, pos); err != nil {
		return fmt.Errorf("insert peer order: %w", err)
	}
	return nil
}

func storeSource(ctx context.Context, tx *sql.Tx, ownerType string, ownerID int64, text string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_sources (owner_type, owner_id, text, imported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET text = excluded.text, imported_at = excluded.imported_at`,
		ownerType, ownerID, text, now()); err != nil {
		return fmt.Errorf("store config source: %w", err)
	}
	return nil
}

// peerHostname takes the name from the comment above the peer block, the
// convention hub configs follow, with a positional fallback.
func peerHostname(sec *conf.Section, pos int) string {
	for i := len(sec.Leading) - 1; i >= 0; i-- {
		l := sec.Leading[i]
		if l.Kind != conf.LineComment {
			continue
		}
		name := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l.Text()), "#"))
		if name != "" {
			return name
		}
	}
	return fmt.Sprintf("peer-%d", pos+1)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getOr(sec *conf.Section, key, fallback string) string {
	if v, ok := sec.Get(key); ok {
		return v
	}
	return fallback
}
