package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/wgkey"
)

// AddExitParams describe a new exit node.
type AddExitParams struct {
	Hostname   string
	Endpoint   string
	ListenPort int
	// NATIface is the egress interface for the templated MASQUERADE rules.
	NATIface string
	SSHHost  string
}

// AddExit creates an exit node with templated NAT commands and appends it
// to the CS peer order.
func (c *Core) AddExit(ctx context.Context, p AddExitParams) (*model.ExitNode, error) {
	if p.Hostname == "" || p.Endpoint == "" {
		return nil, &faults.ValidationError{Field: "hostname", Msg: "exit node needs a hostname and a public endpoint"}
	}
	if p.ListenPort == 0 {
		p.ListenPort = 51820
	}
	if p.NATIface == "" {
		p.NATIface = "eth0"
	}
	cs, err := c.GetCS(ctx)
	if err != nil {
		return nil, err
	}

	priv, pub, err := wgkey.Generate()
	if err != nil {
		return nil, err
	}
	ex := &model.ExitNode{
		CSID:          cs.ID,
		Hostname:      p.Hostname,
		Endpoint:      p.Endpoint,
		ListenPort:    p.ListenPort,
		PrivateKey:    priv,
		PublicKey:     pub,
		PermanentGUID: pub,
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
		ex.SSHHostID = sshID
	}

	encPriv, err := c.secrets.Encrypt(priv)
	if err != nil {
		return nil, err
	}
	params, _ := json.Marshal(map[string]string{"out_iface": p.NATIface})

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		v4, v6, err := allocateAddrs(ctx, tx, "exit_nodes", cs.IPv4CIDR, cs.IPv6CIDR)
		if err != nil {
			return err
		}
		ex.VPNIPv4, ex.VPNIPv6 = v4, v6
		res, err := tx.ExecContext(ctx, `
			INSERT INTO exit_nodes (cs_id, hostname, endpoint, listen_port, vpn_ipv4, vpn_ipv6,
				private_key, public_key, permanent_guid, ssh_host_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ex.CSID, ex.Hostname, ex.Endpoint, ex.ListenPort, ex.VPNIPv4, ex.VPNIPv6,
			encPriv, ex.PublicKey, ex.PermanentGUID, sshID, ex.CreatedAt, ex.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "exit_node", Field: "public_key", Value: wgkey.Redact(pub)}
			}
			return fmt.Errorf("insert exit node: %w", err)
		}
		ex.ID, _ = res.LastInsertId()

		for _, cmd := range []struct {
			direction, template string
		}{
			{model.DirectionPostUp, model.TemplateIPForward},
			{model.DirectionPostUp, model.TemplateExitNAT},
			{model.DirectionPostDown, model.TemplateExitNATDown},
		} {
			if err := insertCommand(ctx, tx, model.EntityExitNode, ex.ID, cmd.direction, cmd.template, string(params)); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exit_health (exit_node_id, state) VALUES (?, ?)`,
			ex.ID, model.ExitHealthy); err != nil {
			return fmt.Errorf("insert exit health: %w", err)
		}
		if err := appendPeerOrder(ctx, tx, cs.ID, model.EntityExitNode, ex.ID); err != nil {
			return err
		}
		return c.record(ctx, tx, journal.EventPeerAdded, model.EntityExitNode, ex.ID, ex.PermanentGUID,
			map[string]any{"hostname": ex.Hostname, "endpoint": ex.Endpoint})
	})
	if err != nil {
		return nil, err
	}
	c.publish(journal.EventPeerAdded, model.EntityExitNode, ex.ID, ex.PermanentGUID,
		map[string]any{"hostname": ex.Hostname})
	return ex, nil
}

func insertCommand(ctx context.Context, tx *sql.Tx, ownerType string, ownerID int64, direction, template, params string) error {
	var seq int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence) + 1, 0) FROM command_pairs
		WHERE owner_type = ? AND owner_id = ? AND direction = ?`,
		ownerType, ownerID, direction).Scan(&seq)
	if err != nil {
		return fmt.Errorf("find command sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO command_pairs (owner_type, owner_id, direction, sequence, text, template_name, template_params)
		VALUES (?, ?, ?, ?, '', ?, ?)`,
		ownerType, ownerID, direction, seq, template, params); err != nil {
		return fmt.Errorf("insert command pair: %w", err)
	}
	return nil
}

const exitCols = `id, cs_id, hostname, endpoint, listen_port, vpn_ipv4, vpn_ipv6,
	private_key, public_key, permanent_guid, ssh_host_id, created_at, updated_at`

func (c *Core) scanExit(row interface{ Scan(...any) error }) (*model.ExitNode, error) {
	ex := &model.ExitNode{}
	var encPriv string
	err := row.Scan(&ex.ID, &ex.CSID, &ex.Hostname, &ex.Endpoint, &ex.ListenPort,
		&ex.VPNIPv4, &ex.VPNIPv6, &encPriv, &ex.PublicKey, &ex.PermanentGUID,
		&ex.SSHHostID, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ex.PrivateKey, err = c.secrets.Decrypt(encPriv); err != nil {
		return nil, err
	}
	return ex, nil
}

// GetExitNode loads an exit node by hostname.
func (c *Core) GetExitNode(ctx context.Context, hostname string) (*model.ExitNode, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+exitCols+` FROM exit_nodes WHERE hostname = ?`, hostname)
	ex, err := c.scanExit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "exit_node", Ref: hostname}
	}
	if err != nil {
		return nil, fmt.Errorf("load exit node: %w", err)
	}
	return ex, nil
}

// GetExitNodeByID loads an exit node by id.
func (c *Core) GetExitNodeByID(ctx context.Context, id int64) (*model.ExitNode, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+exitCols+` FROM exit_nodes WHERE id = ?`, id)
	ex, err := c.scanExit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "exit_node", Ref: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("load exit node: %w", err)
	}
	return ex, nil
}

// ListExitNodes returns every exit node of the CS by id order.
func (c *Core) ListExitNodes(ctx context.Context, csID int64) ([]*model.ExitNode, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+exitCols+` FROM exit_nodes WHERE cs_id = ? ORDER BY id`, csID)
	if err != nil {
		return nil, fmt.Errorf("list exit nodes: %w", err)
	}
	defer rows.Close()

	var out []*model.ExitNode
	for rows.Next() {
		ex, err := c.scanExit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exit node: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// CreateExitGroup creates a named exit group.
func (c *Core) CreateExitGroup(ctx context.Context, g *model.ExitGroup) error {
	if g.Name == "" {
		return &faults.ValidationError{Field: "name", Msg: "exit group needs a name"}
	}
	if g.Strategy == "" {
		g.Strategy = model.StrategyPriority
	}
	if !g.Strategy.Valid() {
		return &faults.ValidationError{Field: "strategy", Msg: "unknown strategy " + string(g.Strategy)}
	}
	if g.CheckIntervalSecs == 0 {
		g.CheckIntervalSecs = 30
	}
	if g.CheckTimeoutSecs == 0 {
		g.CheckTimeoutSecs = 5
	}
	cs, err := c.GetCS(ctx)
	if err != nil {
		return err
	}
	g.CSID = cs.ID

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO exit_groups (cs_id, name, strategy, check_interval_secs, check_timeout_secs)
			VALUES (?, ?, ?, ?, ?)`,
			g.CSID, g.Name, g.Strategy, g.CheckIntervalSecs, g.CheckTimeoutSecs)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "exit_group", Field: "name", Value: g.Name}
			}
			return fmt.Errorf("insert exit group: %w", err)
		}
		g.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, "exit_group.created", "exit_group", g.ID, "",
			map[string]any{"name": g.Name, "strategy": string(g.Strategy)})
	})
	if err != nil {
		return err
	}
	c.publish("exit_group.created", "exit_group", g.ID, "", map[string]any{"name": g.Name})
	return nil
}

// GetExitGroup loads a group by name.
func (c *Core) GetExitGroup(ctx context.Context, name string) (*model.ExitGroup, error) {
	g := &model.ExitGroup{}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, cs_id, name, strategy, check_interval_secs, check_timeout_secs, rr_cursor
		FROM exit_groups WHERE name = ?`, name,
	).Scan(&g.ID, &g.CSID, &g.Name, &g.Strategy, &g.CheckIntervalSecs, &g.CheckTimeoutSecs, &g.RRCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "exit_group", Ref: name}
	}
	if err != nil {
		return nil, fmt.Errorf("load exit group: %w", err)
	}
	return g, nil
}

// GetExitGroupByID loads a group by id.
func (c *Core) GetExitGroupByID(ctx context.Context, id int64) (*model.ExitGroup, error) {
	g := &model.ExitGroup{}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, cs_id, name, strategy, check_interval_secs, check_timeout_secs, rr_cursor
		FROM exit_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.CSID, &g.Name, &g.Strategy, &g.CheckIntervalSecs, &g.CheckTimeoutSecs, &g.RRCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "exit_group", Ref: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("load exit group: %w", err)
	}
	return g, nil
}

// ListExitGroups returns every exit group for a CS.
func (c *Core) ListExitGroups(ctx context.Context, csID int64) ([]*model.ExitGroup, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, cs_id, name, strategy, check_interval_secs, check_timeout_secs, rr_cursor
		FROM exit_groups WHERE cs_id = ? ORDER BY name`, csID)
	if err != nil {
		return nil, fmt.Errorf("list exit groups: %w", err)
	}
	defer rows.Close()

	var out []*model.ExitGroup
	for rows.Next() {
		g := &model.ExitGroup{}
		if err := rows.Scan(&g.ID, &g.CSID, &g.Name, &g.Strategy,
			&g.CheckIntervalSecs, &g.CheckTimeoutSecs, &g.RRCursor); err != nil {
			return nil, fmt.Errorf("scan exit group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AddGroupMember appends an exit node to a group.
func (c *Core) AddGroupMember(ctx context.Context, groupName, exitHostname string, priority, weight int) error {
	g, err := c.GetExitGroup(ctx, groupName)
	if err != nil {
		return err
	}
	ex, err := c.GetExitNode(ctx, exitHostname)
	if err != nil {
		return err
	}
	if weight <= 0 {
		weight = 1
	}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		var pos int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM exit_group_members WHERE group_id = ?`,
			g.ID).Scan(&pos); err != nil {
			return fmt.Errorf("find member position: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exit_group_members (group_id, exit_node_id, position, static_priority, weight, enabled)
			VALUES (?, ?, ?, ?, ?, 1)`,
			g.ID, ex.ID, pos, priority, weight); err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "exit_group_member", Field: "exit_node", Value: exitHostname}
			}
			return fmt.Errorf("insert group member: %w", err)
		}
		return c.record(ctx, tx, "exit_group.member_added", "exit_group", g.ID, "",
			map[string]any{"group": groupName, "exit": exitHostname, "priority": priority, "weight": weight})
	})
	if err != nil {
		return err
	}
	c.publish("exit_group.member_added", "exit_group", g.ID, "",
		map[string]any{"group": groupName, "exit": exitHostname})
	return nil
}

// GroupMembers lists a group's members in position order, joined with
// their health rows.
func (c *Core) GroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	return groupMembers(ctx, c.db, groupID)
}

func groupMembers(ctx context.Context, q db.Querier, groupID int64) ([]GroupMember, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT m.exit_node_id, m.position, m.static_priority, m.priority_adjustment,
			m.weight, m.enabled, h.state, h.latency_ms
		FROM exit_group_members m
		JOIN exit_health h ON h.exit_node_id = m.exit_node_id
		WHERE m.group_id = ? ORDER BY m.position`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var out []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.ExitNodeID, &m.Position, &m.StaticPriority, &m.PriorityAdjustment,
			&m.Weight, &m.Enabled, &m.State, &m.LatencyMs); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GroupMember is a group membership row joined with the member's health.
type GroupMember struct {
	ExitNodeID         int64
	Position           int
	StaticPriority     int
	PriorityAdjustment int
	Weight             int
	Enabled            bool
	State              model.ExitState
	LatencyMs          *float64
}

// Eligible reports whether the member can carry traffic.
func (m GroupMember) Eligible() bool {
	return m.Enabled && m.State != model.ExitFailed
}

// EffectivePriority is the static priority plus its runtime adjustment.
func (m GroupMember) EffectivePriority() int {
	return m.StaticPriority + m.PriorityAdjustment
}
