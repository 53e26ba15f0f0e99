package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

// AddSponsor registers an external WireGuard service.
func (c *Core) AddSponsor(ctx context.Context, name, website string) (*model.Sponsor, error) {
	if name == "" {
		return nil, &faults.ValidationError{Field: "name", Msg: "sponsor needs a name"}
	}
	s := &model.Sponsor{Name: name, Website: website}
	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sponsors (name, website) VALUES (?, ?)`, name, website)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "sponsor", Field: "name", Value: name}
			}
			return fmt.Errorf("insert sponsor: %w", err)
		}
		s.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, "sponsor.added", "sponsor", s.ID, "", map[string]any{"name": name})
	})
	if err != nil {
		return nil, err
	}
	c.publish("sponsor.added", "sponsor", s.ID, "", map[string]any{"name": name})
	return s, nil
}

// GetSponsor loads a sponsor by name.
func (c *Core) GetSponsor(ctx context.Context, name string) (*model.Sponsor, error) {
	s := &model.Sponsor{}
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, website FROM sponsors WHERE name = ?`, name,
	).Scan(&s.ID, &s.Name, &s.Website)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "sponsor", Ref: name}
	}
	if err != nil {
		return nil, fmt.Errorf("load sponsor: %w", err)
	}
	return s, nil
}

// AddLocalPeer registers a machine of ours that holds extramural configs.
func (c *Core) AddLocalPeer(ctx context.Context, name, sshHost string) (*model.LocalPeer, error) {
	if name == "" {
		return nil, &faults.ValidationError{Field: "name", Msg: "local peer needs a name"}
	}
	lp := &model.LocalPeer{Name: name}
	var sshID *int64
	if sshHost != "" {
		h, err := c.GetSSHHost(ctx, sshHost)
		if err != nil {
			return nil, err
		}
		sshID = &h.ID
		lp.SSHHostID = sshID
	}
	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO local_peers (name, ssh_host_id) VALUES (?, ?)`, name, sshID)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "local_peer", Field: "name", Value: name}
			}
			return fmt.Errorf("insert local peer: %w", err)
		}
		lp.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, "local_peer.added", model.EntityLocalPeer, lp.ID, "", map[string]any{"name": name})
	})
	if err != nil {
		return nil, err
	}
	c.publish("local_peer.added", model.EntityLocalPeer, lp.ID, "", map[string]any{"name": name})
	return lp, nil
}

// GetLocalPeer loads a local peer by name.
func (c *Core) GetLocalPeer(ctx context.Context, name string) (*model.LocalPeer, error) {
	lp := &model.LocalPeer{}
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, permanent_guid, ssh_host_id FROM local_peers WHERE name = ?`, name,
	).Scan(&lp.ID, &lp.Name, &lp.PermanentGUID, &lp.SSHHostID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "local_peer", Ref: name}
	}
	if err != nil {
		return nil, fmt.Errorf("load local peer: %w", err)
	}
	return lp, nil
}

// extramuralRef is "localpeer/sponsor", the CLI's naming convention.
func splitExtramuralRef(ref string) (localPeer, sponsor string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &faults.ValidationError{Field: "ref",
			Msg: fmt.Sprintf("extramural configs are addressed as localpeer/sponsor, got %q", ref)}
	}
	return parts[0], parts[1], nil
}

const extramuralCols = `id, local_peer_id, sponsor_id, permanent_guid, private_key,
	public_key, ipv4_address, ipv6_address, dns, mtu, listen_port, interface_name,
	pending_remote_update, last_deployed_at, last_key_rotation_at`

func (c *Core) scanExtramural(row interface{ Scan(...any) error }) (*model.ExtramuralConfig, error) {
	cfg := &model.ExtramuralConfig{}
	var encPriv string
	err := row.Scan(&cfg.ID, &cfg.LocalPeerID, &cfg.SponsorID, &cfg.PermanentGUID, &encPriv,
		&cfg.PublicKey, &cfg.IPv4Address, &cfg.IPv6Address, &cfg.DNS, &cfg.MTU, &cfg.ListenPort,
		&cfg.InterfaceName, &cfg.PendingRemoteUpdate, &cfg.LastDeployedAt, &cfg.LastKeyRotationAt)
	if err != nil {
		return nil, err
	}
	if cfg.PrivateKey, err = c.secrets.Decrypt(encPriv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetExtramural loads a config by its localpeer/sponsor reference.
func (c *Core) GetExtramural(ctx context.Context, ref string) (*model.ExtramuralConfig, error) {
	lpName, spName, err := splitExtramuralRef(ref)
	if err != nil {
		return nil, err
	}
	row := c.db.QueryRowContext(ctx, `
		SELECT `+extramuralCols+` FROM extramural_configs
		WHERE local_peer_id = (SELECT id FROM local_peers WHERE name = ?)
		  AND sponsor_id = (SELECT id FROM sponsors WHERE name = ?)`, lpName, spName)
	cfg, err := c.scanExtramural(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "extramural_config", Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("load extramural config: %w", err)
	}
	return cfg, nil
}

// ListExtramural returns every config with its resolved names.
func (c *Core) ListExtramural(ctx context.Context) ([]ExtramuralListing, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.id, lp.name, s.name, e.interface_name, e.pending_remote_update,
			(SELECT name FROM extramural_peers WHERE config_id = e.id AND is_active = 1)
		FROM extramural_configs e
		JOIN local_peers lp ON lp.id = e.local_peer_id
		JOIN sponsors s ON s.id = e.sponsor_id
		ORDER BY lp.name, s.name`)
	if err != nil {
		return nil, fmt.Errorf("list extramural configs: %w", err)
	}
	defer rows.Close()

	var out []ExtramuralListing
	for rows.Next() {
		var l ExtramuralListing
		var active sql.NullString
		if err := rows.Scan(&l.ConfigID, &l.LocalPeer, &l.Sponsor, &l.InterfaceName,
			&l.PendingRemoteUpdate, &active); err != nil {
			return nil, fmt.Errorf("scan extramural listing: %w", err)
		}
		l.ActivePeer = active.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// ExtramuralListing is one row of `extramural list`.
type ExtramuralListing struct {
	ConfigID            int64
	LocalPeer           string
	Sponsor             string
	InterfaceName       string
	ActivePeer          string
	PendingRemoteUpdate bool
}

// ExtramuralPeers lists a config's sponsor endpoints, active first.
func (c *Core) ExtramuralPeers(ctx context.Context, configID int64) ([]*model.ExtramuralPeer, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, config_id, name, public_key, endpoint, allowed_ips, preshared_key, keepalive, is_active
		FROM extramural_peers WHERE config_id = ? ORDER BY is_active DESC, name`, configID)
	if err != nil {
		return nil, fmt.Errorf("list extramural peers: %w", err)
	}
	defer rows.Close()

	var out []*model.ExtramuralPeer
	for rows.Next() {
		p := &model.ExtramuralPeer{}
		var encPSK string
		if err := rows.Scan(&p.ID, &p.ConfigID, &p.Name, &p.PublicKey, &p.Endpoint,
			&p.AllowedIPs, &encPSK, &p.Keepalive, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan extramural peer: %w", err)
		}
		if p.PresharedKey, err = c.secrets.Decrypt(encPSK); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveExtramuralPeer returns the config's single active peer.
func (c *Core) ActiveExtramuralPeer(ctx context.Context, configID int64) (*model.ExtramuralPeer, error) {
	peers, err := c.ExtramuralPeers(ctx, configID)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		if p.IsActive {
			return p, nil
		}
	}
	return nil, &faults.NotFound{Entity: "extramural_peer", Ref: "active"}
}

// AddExtramuralPeer registers another sponsor endpoint on a config.
func (c *Core) AddExtramuralPeer(ctx context.Context, ref string, p *model.ExtramuralPeer) error {
	cfg, err := c.GetExtramural(ctx, ref)
	if err != nil {
		return err
	}
	if p.Name == "" || p.PublicKey == "" || p.Endpoint == "" {
		return &faults.ValidationError{Field: "name", Msg: "extramural peer needs a name, public key and endpoint"}
	}
	if p.AllowedIPs == "" {
		p.AllowedIPs = "0.0.0.0/0, ::/0"
	}
	encPSK, err := c.secrets.Encrypt(p.PresharedKey)
	if err != nil {
		return err
	}
	p.ConfigID = cfg.ID

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO extramural_peers (config_id, name, public_key, endpoint, allowed_ips,
				preshared_key, keepalive, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.ID, p.Name, p.PublicKey, p.Endpoint, p.AllowedIPs, encPSK, p.Keepalive, p.IsActive)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "extramural_peer", Field: "name", Value: p.Name}
			}
			return fmt.Errorf("insert extramural peer: %w", err)
		}
		p.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, "extramural.peer_added", model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
			map[string]any{"ref": ref, "peer": p.Name})
	})
	if err != nil {
		return err
	}
	c.publish("extramural.peer_added", model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
		map[string]any{"ref": ref, "peer": p.Name})
	return nil
}

// SwitchActivePeer makes the named peer the config's active endpoint. The
// datastore trigger deactivates the previous one.
func (c *Core) SwitchActivePeer(ctx context.Context, ref, peerName string) error {
	cfg, err := c.GetExtramural(ctx, ref)
	if err != nil {
		return err
	}
	var peerID int64
	err = c.db.QueryRowContext(ctx,
		`SELECT id FROM extramural_peers WHERE config_id = ? AND name = ?`,
		cfg.ID, peerName).Scan(&peerID)
	if errors.Is(err, sql.ErrNoRows) {
		return &faults.NotFound{Entity: "extramural_peer", Ref: peerName}
	}
	if err != nil {
		return fmt.Errorf("load extramural peer: %w", err)
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE extramural_peers SET is_active = 1 WHERE id = ?`, peerID); err != nil {
			return fmt.Errorf("activate extramural peer: %w", err)
		}
		return c.record(ctx, tx, journal.EventExtramuralSwitch, model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
			map[string]any{"ref": ref, "peer": peerName})
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventExtramuralSwitch, model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
		map[string]any{"ref": ref, "peer": peerName})
	return nil
}

// ConfirmRemoteUpdate clears pending_remote_update after the operator has
// registered the rotated key with the sponsor.
func (c *Core) ConfirmRemoteUpdate(ctx context.Context, ref string) error {
	cfg, err := c.GetExtramural(ctx, ref)
	if err != nil {
		return err
	}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE extramural_configs SET pending_remote_update = 0 WHERE id = ?`, cfg.ID); err != nil {
			return fmt.Errorf("clear pending remote update: %w", err)
		}
		return c.record(ctx, tx, "extramural.remote_confirmed", model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
			map[string]any{"ref": ref})
	})
	if err != nil {
		return err
	}
	c.publish("extramural.remote_confirmed", model.EntityExtramuralConfig, cfg.ID, cfg.PermanentGUID,
		map[string]any{"ref": ref})
	return nil
}
