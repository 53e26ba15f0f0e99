package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/wgfleet/internal/model"
)

// Status is the fleet summary served by `status` and GET /status.
type Status struct {
	Hostname    string            `json:"hostname"`
	Endpoint    string            `json:"endpoint"`
	Routers     int               `json:"routers"`
	Remotes     int               `json:"remotes"`
	Provisional int               `json:"provisional_remotes"`
	ExitNodes   int               `json:"exit_nodes"`
	ExitHealth  []ExitHealthEntry `json:"exit_health,omitempty"`
	Extramural  int               `json:"extramural_configs"`
	AuditHead   int64             `json:"audit_head"`
	Encrypted   bool              `json:"encrypted"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// ExitHealthEntry is one exit node's circuit-breaker state.
type ExitHealthEntry struct {
	Hostname  string          `json:"hostname"`
	State     model.ExitState `json:"state"`
	LatencyMs *float64        `json:"latency_ms,omitempty"`
	Failures  int             `json:"consecutive_failures"`
}

// Status builds the fleet summary.
func (c *Core) Status(ctx context.Context) (*Status, error) {
	s := &Status{GeneratedAt: now(), Encrypted: c.secrets.Enabled()}

	cs, err := c.GetCS(ctx)
	if err == nil {
		s.Hostname, s.Endpoint = cs.Hostname, cs.Endpoint
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM subnet_routers`, &s.Routers},
		{`SELECT COUNT(*) FROM remotes`, &s.Remotes},
		{`SELECT COUNT(*) FROM remotes WHERE private_key = ''`, &s.Provisional},
		{`SELECT COUNT(*) FROM exit_nodes`, &s.ExitNodes},
		{`SELECT COUNT(*) FROM extramural_configs`, &s.Extramural},
	}
	for _, cq := range counts {
		if err := c.db.QueryRowContext(ctx, cq.query).Scan(cq.dst); err != nil {
			return nil, fmt.Errorf("count fleet entities: %w", err)
		}
	}
	if err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM audit_log`).Scan(&s.AuditHead); err != nil {
		return nil, fmt.Errorf("read audit head: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT e.hostname, h.state, h.latency_ms, h.consecutive_failures
		FROM exit_health h JOIN exit_nodes e ON e.id = h.exit_node_id
		ORDER BY e.hostname`)
	if err != nil {
		return nil, fmt.Errorf("read exit health: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e ExitHealthEntry
		if err := rows.Scan(&e.Hostname, &e.State, &e.LatencyMs, &e.Failures); err != nil {
			return nil, fmt.Errorf("scan exit health: %w", err)
		}
		s.ExitHealth = append(s.ExitHealth, e)
	}
	return s, rows.Err()
}
