package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

// ChooseExit picks the best member per strategy. Pure and deterministic:
// the same members, strategy and cursor always yield the same exit.
func ChooseExit(members []GroupMember, strategy model.Strategy, rrCursor int) (int64, bool) {
	var eligible []GroupMember
	for _, m := range members {
		if m.Eligible() {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return 0, false
	}

	switch strategy {
	case model.StrategyRoundRobin:
		// Weighted cycle in position order.
		var wheel []int64
		for _, m := range eligible {
			for i := 0; i < m.Weight; i++ {
				wheel = append(wheel, m.ExitNodeID)
			}
		}
		return wheel[rrCursor%len(wheel)], true

	case model.StrategyLatency:
		best, found := GroupMember{}, false
		for _, m := range eligible {
			if m.LatencyMs == nil {
				continue
			}
			if !found || *m.LatencyMs < *best.LatencyMs {
				best, found = m, true
			}
		}
		if found {
			return best.ExitNodeID, true
		}
		// All latencies unknown, fall through to priority.
		fallthrough

	default: // priority
		best := eligible[0]
		for _, m := range eligible[1:] {
			if m.EffectivePriority() < best.EffectivePriority() ||
				(m.EffectivePriority() == best.EffectivePriority() && m.ExitNodeID < best.ExitNodeID) {
				best = m
			}
		}
		return best.ExitNodeID, true
	}
}

// SelectGroupExit resolves the group's currently best member. Under
// round_robin the persisted cursor advances, so repeated calls cycle.
func (c *Core) SelectGroupExit(ctx context.Context, groupID int64) (int64, error) {
	g, err := c.GetExitGroupByID(ctx, groupID)
	if err != nil {
		return 0, err
	}
	members, err := c.GroupMembers(ctx, groupID)
	if err != nil {
		return 0, err
	}
	exitID, ok := ChooseExit(members, g.Strategy, g.RRCursor)
	if !ok {
		return 0, &faults.NotFound{Entity: "exit_group_member", Ref: g.Name}
	}
	if g.Strategy == model.StrategyRoundRobin {
		err := c.writer.Do(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				UPDATE exit_groups SET rr_cursor = rr_cursor + 1 WHERE id = ?`, groupID); err != nil {
				return fmt.Errorf("advance round-robin cursor: %w", err)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return exitID, nil
}
