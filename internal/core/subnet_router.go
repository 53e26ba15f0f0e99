package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/ipam"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/wgkey"
)

// AddRouterParams describe a new subnet router.
type AddRouterParams struct {
	Hostname string
	// Endpoint may be empty: a router behind CGNAT gets no Endpoint line in
	// the CS peer block.
	Endpoint string
	LANCIDRs []string
	SSHHost  string
}

// AddRouter creates a subnet router advertising LAN prefixes into the VPN
// and appends it to the router segment of the CS peer order.
func (c *Core) AddRouter(ctx context.Context, p AddRouterParams) (*model.SubnetRouter, error) {
	if p.Hostname == "" {
		return nil, &faults.ValidationError{Field: "hostname", Msg: "router needs a hostname"}
	}
	if len(p.LANCIDRs) == 0 {
		return nil, &faults.ValidationError{Field: "lan_cidrs", Msg: "router must advertise at least one LAN CIDR"}
	}
	cs, err := c.GetCS(ctx)
	if err != nil {
		return nil, err
	}

	priv, pub, err := wgkey.Generate()
	if err != nil {
		return nil, err
	}
	snr := &model.SubnetRouter{
		CSID:          cs.ID,
		Hostname:      p.Hostname,
		PrivateKey:    priv,
		PublicKey:     pub,
		PermanentGUID: pub,
		Endpoint:      p.Endpoint,
		HasEndpoint:   p.Endpoint != "",
		LANCIDRs:      p.LANCIDRs,
		CreatedAt:     now(),
		UpdatedAt:     now(),
	}
	var sshID *int64
	if p.SSHHost != "" {
		h, err := c.GetSSHHost(ctx, p.SSHHost)
		if err != nil {
			return nil, err
		}
		sshID = &h.ID
		snr.SSHHostID = sshID
	}

	encPriv, err := c.secrets.Encrypt(priv)
	if err != nil {
		return nil, err
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		v4, v6, err := allocateAddrs(ctx, tx, "subnet_routers", cs.IPv4CIDR, cs.IPv6CIDR)
		if err != nil {
			return err
		}
		snr.VPNIPv4, snr.VPNIPv6 = v4, v6
		snr.AllowedIPs = routerAllowedIPs(snr)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO subnet_routers (cs_id, hostname, vpn_ipv4, vpn_ipv6, private_key,
				public_key, permanent_guid, endpoint, has_endpoint, lan_cidrs, allowed_ips,
				ssh_host_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snr.CSID, snr.Hostname, snr.VPNIPv4, snr.VPNIPv6, encPriv,
			snr.PublicKey, snr.PermanentGUID, snr.Endpoint, snr.HasEndpoint,
			jsonStrings(snr.LANCIDRs), snr.AllowedIPs, sshID, snr.CreatedAt, snr.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "subnet_router", Field: "public_key", Value: wgkey.Redact(pub)}
			}
			return fmt.Errorf("insert subnet router: %w", err)
		}
		snr.ID, _ = res.LastInsertId()
		if err := appendPeerOrder(ctx, tx, cs.ID, model.EntitySubnetRouter, snr.ID); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventPeerAdded, model.EntitySubnetRouter, snr.ID, snr.PermanentGUID,
			map[string]any{"hostname": snr.Hostname, "lan_cidrs": snr.LANCIDRs, "has_endpoint": snr.HasEndpoint})
	})
	if err != nil {
		return nil, err
	}
	c.publish(journal.EventPeerAdded, model.EntitySubnetRouter, snr.ID, snr.PermanentGUID,
		map[string]any{"hostname": snr.Hostname})
	return snr, nil
}

// routerAllowedIPs is the exact value written into the CS peer block: the
// router's own host addresses plus its advertised LANs.
func routerAllowedIPs(snr *model.SubnetRouter) string {
	var parts []string
	for _, addr := range []string{snr.VPNIPv4, snr.VPNIPv6} {
		if addr == "" {
			continue
		}
		if a, err := netip.ParseAddr(addr); err == nil {
			parts = append(parts, ipam.HostPrefix(a))
		}
	}
	parts = append(parts, snr.LANCIDRs...)
	return strings.Join(parts, ", ")
}

const routerCols = `id, cs_id, hostname, vpn_ipv4, vpn_ipv6, private_key, public_key,
	permanent_guid, endpoint, has_endpoint, lan_cidrs, allowed_ips, ssh_host_id,
	created_at, updated_at`

func (c *Core) scanRouter(row interface{ Scan(...any) error }) (*model.SubnetRouter, error) {
	snr := &model.SubnetRouter{}
	var encPriv, lans string
	err := row.Scan(&snr.ID, &snr.CSID, &snr.Hostname, &snr.VPNIPv4, &snr.VPNIPv6, &encPriv,
		&snr.PublicKey, &snr.PermanentGUID, &snr.Endpoint, &snr.HasEndpoint, &lans,
		&snr.AllowedIPs, &snr.SSHHostID, &snr.CreatedAt, &snr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	snr.LANCIDRs = parseStrings(lans)
	if snr.PrivateKey, err = c.secrets.Decrypt(encPriv); err != nil {
		return nil, err
	}
	return snr, nil
}

// GetRouter loads a subnet router by hostname.
func (c *Core) GetRouter(ctx context.Context, hostname string) (*model.SubnetRouter, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+routerCols+` FROM subnet_routers WHERE hostname = ?`, hostname)
	snr, err := c.scanRouter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "subnet_router", Ref: hostname}
	}
	if err != nil {
		return nil, fmt.Errorf("load subnet router: %w", err)
	}
	return snr, nil
}

// GetRouterByID loads a subnet router by id.
func (c *Core) GetRouterByID(ctx context.Context, id int64) (*model.SubnetRouter, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+routerCols+` FROM subnet_routers WHERE id = ?`, id)
	snr, err := c.scanRouter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "subnet_router", Ref: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("load subnet router: %w", err)
	}
	return snr, nil
}

// ListRouters returns every router of the CS by id order.
func (c *Core) ListRouters(ctx context.Context, csID int64) ([]*model.SubnetRouter, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+routerCols+` FROM subnet_routers WHERE cs_id = ? ORDER BY id`, csID)
	if err != nil {
		return nil, fmt.Errorf("list subnet routers: %w", err)
	}
	defer rows.Close()

	var out []*model.SubnetRouter
	for rows.Next() {
		snr, err := c.scanRouter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subnet router: %w", err)
		}
		out = append(out, snr)
	}
	return out, rows.Err()
}

// RemoveRouter deletes a router and its peer-order row.
func (c *Core) RemoveRouter(ctx context.Context, hostname string) error {
	snr, err := c.GetRouter(ctx, hostname)
	if err != nil {
		return err
	}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subnet_routers WHERE id = ?`, snr.ID); err != nil {
			return fmt.Errorf("delete subnet router: %w", err)
		}
		if err := removePeerOrder(ctx, tx, snr.CSID, model.EntitySubnetRouter, snr.ID); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventPeerRemoved, model.EntitySubnetRouter, snr.ID, snr.PermanentGUID,
			map[string]any{"hostname": hostname})
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventPeerRemoved, model.EntitySubnetRouter, snr.ID, snr.PermanentGUID,
		map[string]any{"hostname": hostname})
	return nil
}
