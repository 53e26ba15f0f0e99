package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/wgkey"
)

// InitParams describe the coordination server created by `init`.
type InitParams struct {
	Hostname   string
	Endpoint   string
	IPv4CIDR   string
	IPv6CIDR   string
	ListenPort int
	MTU        int
	SSHHost    string
}

// Init creates the coordination server with a fresh key pair. Exactly one
// exists per datastore.
func (c *Core) Init(ctx context.Context, p InitParams) (*model.CoordinationServer, error) {
	if p.Hostname == "" || p.Endpoint == "" {
		return nil, &faults.ValidationError{Field: "hostname", Msg: "init needs a hostname and a public endpoint"}
	}
	if p.IPv4CIDR == "" && p.IPv6CIDR == "" {
		return nil, &faults.ValidationError{Field: "ipv4_cidr", Msg: "at least one network range is required"}
	}
	if p.ListenPort == 0 {
		p.ListenPort = 51820
	}
	if _, err := c.GetCS(ctx); err == nil {
		return nil, &faults.Conflict{Entity: "coordination_server", Field: "count", Value: "1"}
	}

	priv, pub, err := wgkey.Generate()
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
		IPv4CIDR:      p.IPv4CIDR,
		IPv6CIDR:      p.IPv6CIDR,
		PrivateKey:    priv,
		PublicKey:     pub,
		PermanentGUID: pub,
		ListenPort:    p.ListenPort,
		MTU:           p.MTU,
		CreatedAt:     now(),
		UpdatedAt:     now(),
	}
	cs.VPNIPv4, cs.VPNIPv6, err = firstAddrs(p.IPv4CIDR, p.IPv6CIDR)
	if err != nil {
		return nil, err
	}

	var sshID *int64
	if p.SSHHost != "" {
		h, err := c.GetSSHHost(ctx, p.SSHHost)
		if err != nil {
			return nil, err
		}
		sshID = &h.ID
		cs.SSHHostID = sshID
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO coordination_servers (hostname, endpoint, ipv4_cidr, ipv6_cidr,
				vpn_ipv4, vpn_ipv6, private_key, public_key, permanent_guid,
				listen_port, mtu, ssh_host_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cs.Hostname, cs.Endpoint, cs.IPv4CIDR, cs.IPv6CIDR,
			cs.VPNIPv4, cs.VPNIPv6, encPriv, cs.PublicKey, cs.PermanentGUID,
			cs.ListenPort, cs.MTU, sshID, cs.CreatedAt, cs.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert coordination server: %w", err)
		}
		cs.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, "cs.initialized", model.EntityCoordinationServer, cs.ID, cs.PermanentGUID,
			map[string]any{"hostname": cs.Hostname, "endpoint": cs.Endpoint})
	})
	if err != nil {
		return nil, err
	}
	c.publish("cs.initialized", model.EntityCoordinationServer, cs.ID, cs.PermanentGUID,
		map[string]any{"hostname": cs.Hostname})
	return cs, nil
}

// GetCS loads the coordination server. Secret columns come back decrypted.
func (c *Core) GetCS(ctx context.Context) (*model.CoordinationServer, error) {
	cs := &model.CoordinationServer{}
	var encPriv string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, hostname, endpoint, ipv4_cidr, ipv6_cidr, vpn_ipv4, vpn_ipv6,
			private_key, public_key, permanent_guid, listen_port, mtu, ssh_host_id,
			created_at, updated_at
		FROM coordination_servers ORDER BY id LIMIT 1`,
	).Scan(&cs.ID, &cs.Hostname, &cs.Endpoint, &cs.IPv4CIDR, &cs.IPv6CIDR,
		&cs.VPNIPv4, &cs.VPNIPv6, &encPriv, &cs.PublicKey, &cs.PermanentGUID,
		&cs.ListenPort, &cs.MTU, &cs.SSHHostID, &cs.CreatedAt, &cs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "coordination_server", Ref: "default"}
	}
	if err != nil {
		return nil, fmt.Errorf("load coordination server: %w", err)
	}
	if cs.PrivateKey, err = c.secrets.Decrypt(encPriv); err != nil {
		return nil, err
	}
	return cs, nil
}

// PeerOrder returns the CS peer list in persisted order.
func (c *Core) PeerOrder(ctx context.Context, csID int64) ([]model.OrderedPeer, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT cs_id, peer_type, peer_id, position FROM peer_order
		WHERE cs_id = ? ORDER BY position`, csID)
	if err != nil {
		return nil, fmt.Errorf("load peer order: %w", err)
	}
	defer rows.Close()

	var out []model.OrderedPeer
	for rows.Next() {
		var p model.OrderedPeer
		if err := rows.Scan(&p.CSID, &p.PeerType, &p.PeerID, &p.Position); err != nil {
			return nil, fmt.Errorf("scan peer order: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// appendPeerOrder inserts a new peer at the end of its category: routers
// before remotes and exits. Imported orderings are inserted verbatim by
// the importer and never pass through here.
func appendPeerOrder(ctx context.Context, tx *sql.Tx, csID int64, peerType string, peerID int64) error {
	var pos int
	if peerType == model.EntitySubnetRouter {
		// After the last router, before the first remote or exit.
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM peer_order
			WHERE cs_id = ? AND peer_type = ?`, csID, peerType).Scan(&pos)
		if err != nil {
			return fmt.Errorf("find router insert position: %w", err)
		}
		if err := shiftPeerOrder(ctx, tx, csID, pos); err != nil {
			return err
		}
	} else {
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM peer_order WHERE cs_id = ?`,
			csID).Scan(&pos)
		if err != nil {
			return fmt.Errorf("find append position: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO peer_order (cs_id, peer_type, peer_id, position)
		VALUES (?, ?, ?, ?)`, csID, peerType, peerID, pos); err != nil {
		return fmt.Errorf("insert peer order: %w", err)
	}
	return nil
}

// shiftPeerOrder opens a gap at position from. The unique (cs_id, position)
// index forces the two-step sign flip.
func shiftPeerOrder(ctx context.Context, tx *sql.Tx, csID int64, from int) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE peer_order SET position = -(position + 1)
		WHERE cs_id = ? AND position >= ?`, csID, from); err != nil {
		return fmt.Errorf("shift peer order: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE peer_order SET position = -position
		WHERE cs_id = ? AND position < 0`, csID); err != nil {
		return fmt.Errorf("restore peer order: %w", err)
	}
	return nil
}

func removePeerOrder(ctx context.Context, tx *sql.Tx, csID int64, peerType string, peerID int64) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM peer_order WHERE cs_id = ? AND peer_type = ? AND peer_id = ?`,
		csID, peerType, peerID); err != nil {
		return fmt.Errorf("delete peer order: %w", err)
	}
	return nil
}

// Wipe destroys the whole topology: the coordination server cascade plus
// extramural state. The audit log stays; wiping is itself audited.
func (c *Core) Wipe(ctx context.Context) error {
	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM coordination_servers`,
			`DELETE FROM extramural_configs`,
			`DELETE FROM local_peers`,
			`DELETE FROM sponsors`,
			`DELETE FROM command_pairs`,
			`DELETE FROM config_sources`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("wipe: %w", err)
			}
		}
		return c.record(ctx, tx, "datastore.wiped", "", 0, "", map[string]any{})
	})
	if err != nil {
		return err
	}
	c.publish("datastore.wiped", "", 0, "", nil)
	return nil
}
