package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/wgkey"
)

// AddRemoteParams describe a new client peer.
type AddRemoteParams struct {
	Hostname    string
	AccessLevel model.AccessLevel
	// PublicKey makes the remote provisional: no private key is stored until
	// the operator imports the client's own config.
	PublicKey string
	// WithPSK generates a preshared key for the CS link.
	WithPSK bool
	LANAllowed       []string
	CustomAllowedIPs string
	ExitNode         string // hostname, optional
	ExitGroup        string // name, optional
}

// AddRemote creates a client peer, allocates its next free VPN address in
// each family, and appends it to the CS peer order.
func (c *Core) AddRemote(ctx context.Context, p AddRemoteParams) (*model.Remote, error) {
	if p.Hostname == "" {
		return nil, &faults.ValidationError{Field: "hostname", Msg: "remote needs a hostname"}
	}
	if p.AccessLevel == "" {
		p.AccessLevel = model.AccessVPNOnly
	}
	if !p.AccessLevel.Valid() {
		return nil, &faults.ValidationError{Field: "access_level", Msg: "unknown access level " + string(p.AccessLevel)}
	}
	cs, err := c.GetCS(ctx)
	if err != nil {
		return nil, err
	}

	r := &model.Remote{
		CSID:             cs.ID,
		Hostname:         p.Hostname,
		AccessLevel:      p.AccessLevel,
		LANAllowed:       p.LANAllowed,
		CustomAllowedIPs: p.CustomAllowedIPs,
		CreatedAt:        now(),
		UpdatedAt:        now(),
	}

	if p.PublicKey != "" {
		if err := wgkey.Validate(p.PublicKey); err != nil {
			return nil, err
		}
		r.PublicKey = p.PublicKey
	} else {
		r.PrivateKey, r.PublicKey, err = wgkey.Generate()
		if err != nil {
			return nil, err
		}
	}
	r.PermanentGUID = r.PublicKey

	if p.WithPSK {
		if r.PresharedKey, err = wgkey.GeneratePSK(); err != nil {
			return nil, err
		}
	}

	if err := c.resolveExitRefs(ctx, r, p.ExitNode, p.ExitGroup); err != nil {
		return nil, err
	}
	if p.AccessLevel == model.AccessExitOnly && r.ExitNodeID == nil && r.ExitGroupID == nil {
		return nil, &faults.ValidationError{Field: "exit", Msg: "exit_only access level requires an exit node or exit group"}
	}

	encPriv, err := c.secrets.Encrypt(r.PrivateKey)
	if err != nil {
		return nil, err
	}
	encPSK, err := c.secrets.Encrypt(r.PresharedKey)
	if err != nil {
		return nil, err
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		v4, v6, err := allocateAddrs(ctx, tx, "remotes", cs.IPv4CIDR, cs.IPv6CIDR)
		if err != nil {
			return err
		}
		r.VPNIPv4, r.VPNIPv6 = v4, v6
		res, err := tx.ExecContext(ctx, `
			INSERT INTO remotes (cs_id, hostname, vpn_ipv4, vpn_ipv6, private_key,
				public_key, permanent_guid, access_level, lan_allowed, custom_allowed_ips,
				exit_node_id, exit_group_id, active_exit_id, preshared_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.CSID, r.Hostname, r.VPNIPv4, r.VPNIPv6, encPriv,
			r.PublicKey, r.PermanentGUID, r.AccessLevel, jsonStrings(r.LANAllowed), r.CustomAllowedIPs,
			r.ExitNodeID, r.ExitGroupID, r.ActiveExitID, encPSK, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "remote", Field: "public_key", Value: wgkey.Redact(r.PublicKey)}
			}
			return fmt.Errorf("insert remote: %w", err)
		}
		r.ID, _ = res.LastInsertId()
		if err := appendPeerOrder(ctx, tx, cs.ID, model.EntityRemote, r.ID); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventPeerAdded, model.EntityRemote, r.ID, r.PermanentGUID,
			map[string]any{"hostname": r.Hostname, "vpn_ipv4": r.VPNIPv4, "vpn_ipv6": r.VPNIPv6,
				"access_level": string(r.AccessLevel), "provisional": r.Provisional()})
	})
	if err != nil {
		return nil, err
	}
	c.publish(journal.EventPeerAdded, model.EntityRemote, r.ID, r.PermanentGUID,
		map[string]any{"hostname": r.Hostname})
	return r, nil
}

func (c *Core) resolveExitRefs(ctx context.Context, r *model.Remote, exitNode, exitGroup string) error {
	if exitNode != "" && exitGroup != "" {
		return &faults.ValidationError{Field: "exit", Msg: "a remote references an exit node or an exit group, not both"}
	}
	if exitNode != "" {
		ex, err := c.GetExitNode(ctx, exitNode)
		if err != nil {
			return err
		}
		r.ExitNodeID = &ex.ID
		r.ActiveExitID = &ex.ID
	}
	if exitGroup != "" {
		g, err := c.GetExitGroup(ctx, exitGroup)
		if err != nil {
			return err
		}
		r.ExitGroupID = &g.ID
		if exitID, err := c.SelectGroupExit(ctx, g.ID); err == nil {
			r.ActiveExitID = &exitID
		}
	}
	return nil
}

const remoteCols = `id, cs_id, hostname, vpn_ipv4, vpn_ipv6, private_key, public_key,
	permanent_guid, access_level, lan_allowed, custom_allowed_ips, exit_node_id,
	exit_group_id, active_exit_id, preshared_key, last_rotated_at, created_at, updated_at`

func (c *Core) scanRemote(row interface{ Scan(...any) error }) (*model.Remote, error) {
	r := &model.Remote{}
	var encPriv, encPSK, lanAllowed string
	err := row.Scan(&r.ID, &r.CSID, &r.Hostname, &r.VPNIPv4, &r.VPNIPv6, &encPriv, &r.PublicKey,
		&r.PermanentGUID, &r.AccessLevel, &lanAllowed, &r.CustomAllowedIPs, &r.ExitNodeID,
		&r.ExitGroupID, &r.ActiveExitID, &encPSK, &r.LastRotatedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.LANAllowed = parseStrings(lanAllowed)
	if r.PrivateKey, err = c.secrets.Decrypt(encPriv); err != nil {
		return nil, err
	}
	if r.PresharedKey, err = c.secrets.Decrypt(encPSK); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRemote loads a remote by hostname.
func (c *Core) GetRemote(ctx context.Context, hostname string) (*model.Remote, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+remoteCols+` FROM remotes WHERE hostname = ?`, hostname)
	r, err := c.scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "remote", Ref: hostname}
	}
	if err != nil {
		return nil, fmt.Errorf("load remote: %w", err)
	}
	return r, nil
}

// GetRemoteByID loads a remote by id.
func (c *Core) GetRemoteByID(ctx context.Context, id int64) (*model.Remote, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+remoteCols+` FROM remotes WHERE id = ?`, id)
	r, err := c.scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "remote", Ref: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("load remote: %w", err)
	}
	return r, nil
}

// ListRemotes returns every remote of the CS by id order.
func (c *Core) ListRemotes(ctx context.Context, csID int64) ([]*model.Remote, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+remoteCols+` FROM remotes WHERE cs_id = ? ORDER BY id`, csID)
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	defer rows.Close()

	var out []*model.Remote
	for rows.Next() {
		r, err := c.scanRemote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveRemote deletes a remote and its peer-order row.
func (c *Core) RemoveRemote(ctx context.Context, hostname string) error {
	r, err := c.GetRemote(ctx, hostname)
	if err != nil {
		return err
	}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remotes WHERE id = ?`, r.ID); err != nil {
			return fmt.Errorf("delete remote: %w", err)
		}
		if err := removePeerOrder(ctx, tx, r.CSID, model.EntityRemote, r.ID); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventPeerRemoved, model.EntityRemote, r.ID, r.PermanentGUID,
			map[string]any{"hostname": hostname})
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventPeerRemoved, model.EntityRemote, r.ID, r.PermanentGUID,
		map[string]any{"hostname": hostname})
	return nil
}

// SetAccessLevel changes a remote's access policy. The next generation
// picks up the new AllowedIPs.
func (c *Core) SetAccessLevel(ctx context.Context, hostname string, level model.AccessLevel, lanAllowed []string, custom string) error {
	if !level.Valid() {
		return &faults.ValidationError{Field: "access_level", Msg: "unknown access level " + string(level)}
	}
	r, err := c.GetRemote(ctx, hostname)
	if err != nil {
		return err
	}
	if level == model.AccessExitOnly && r.ExitNodeID == nil && r.ExitGroupID == nil {
		return &faults.ValidationError{Field: "exit", Msg: "exit_only access level requires an exit node or exit group"}
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE remotes SET access_level = ?, lan_allowed = ?, custom_allowed_ips = ?, updated_at = ?
			WHERE id = ?`, level, jsonStrings(lanAllowed), custom, now(), r.ID); err != nil {
			return fmt.Errorf("update access level: %w", err)
		}
		return c.record(ctx, tx, journal.EventAccessChanged, model.EntityRemote, r.ID, r.PermanentGUID,
			map[string]any{"hostname": hostname, "from": string(r.AccessLevel), "to": string(level)})
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventAccessChanged, model.EntityRemote, r.ID, r.PermanentGUID,
		map[string]any{"hostname": hostname, "to": string(level)})
	return nil
}

// SetPSK generates (or clears) the preshared key on the CS link of a
// remote.
func (c *Core) SetPSK(ctx context.Context, hostname string, clear bool) (string, error) {
	r, err := c.GetRemote(ctx, hostname)
	if err != nil {
		return "", err
	}
	psk := ""
	if !clear {
		if psk, err = wgkey.GeneratePSK(); err != nil {
			return "", err
		}
	}
	encPSK, err := c.secrets.Encrypt(psk)
	if err != nil {
		return "", err
	}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE remotes SET preshared_key = ?, updated_at = ? WHERE id = ?`,
			encPSK, now(), r.ID); err != nil {
			return fmt.Errorf("update preshared key: %w", err)
		}
		return c.record(ctx, tx, journal.EventPSKChanged, model.EntityRemote, r.ID, r.PermanentGUID,
			map[string]any{"hostname": hostname, "cleared": clear})
	})
	if err != nil {
		return "", err
	}
	c.publish(journal.EventPSKChanged, model.EntityRemote, r.ID, r.PermanentGUID,
		map[string]any{"hostname": hostname, "cleared": clear})
	return psk, nil
}

// AssignExit points a remote at an exit node or an exit group. Empty
// values detach the remote from exits entirely.
func (c *Core) AssignExit(ctx context.Context, hostname, exitNode, exitGroup string) error {
	r, err := c.GetRemote(ctx, hostname)
	if err != nil {
		return err
	}
	r.ExitNodeID, r.ExitGroupID, r.ActiveExitID = nil, nil, nil
	if err := c.resolveExitRefs(ctx, r, exitNode, exitGroup); err != nil {
		return err
	}
	if r.ExitGroupID != nil {
		// A grouped remote starts on the group's current best member.
		active, err := c.SelectGroupExit(ctx, *r.ExitGroupID)
		if err == nil {
			r.ActiveExitID = &active
		}
	}
	if r.AccessLevel == model.AccessExitOnly && r.ExitNodeID == nil && r.ExitGroupID == nil {
		return &faults.ValidationError{Field: "exit", Msg: "remote has exit_only access, detach is not allowed"}
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE remotes SET exit_node_id = ?, exit_group_id = ?, active_exit_id = ?, updated_at = ?
			WHERE id = ?`, r.ExitNodeID, r.ExitGroupID, r.ActiveExitID, now(), r.ID); err != nil {
			return fmt.Errorf("update exit assignment: %w", err)
		}
		return c.record(ctx, tx, journal.EventExitAssigned, model.EntityRemote, r.ID, r.PermanentGUID,
			map[string]any{"hostname": hostname, "exit_node": exitNode, "exit_group": exitGroup})
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventExitAssigned, model.EntityRemote, r.ID, r.PermanentGUID,
		map[string]any{"hostname": hostname, "exit_node": exitNode, "exit_group": exitGroup})
	return nil
}
