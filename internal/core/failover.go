package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

// Circuit breaker thresholds. A single success closes the breaker again:
// a degraded node recovers faster than it fails.
const (
	degradedAfter = 3
	failedAfter   = 5
)

// ProbeResult is the outcome of one health check against an exit node.
type ProbeResult struct {
	ExitNodeID int64
	Success    bool
	// LatencyMs is the smoothed round-trip time, set on success.
	LatencyMs *float64
	Err       string
}

// HealthTransition records one breaker state change.
type HealthTransition struct {
	ExitNodeID int64
	From, To   model.ExitState
}

// FailoverOutcome is what one health event changed.
type FailoverOutcome struct {
	Transitions []HealthTransition
	// Reassigned maps a newly failed exit to the remotes moved off it.
	Reassigned []model.FailoverRecord
}

// ApplyProbes folds a round of probe results into the breaker state and,
// for every exit that crossed into failed, moves its remotes to a freshly
// chosen member. The whole event is one transaction, so two remotes
// sharing a failing exit always land on the same target.
func (c *Core) ApplyProbes(ctx context.Context, groupID int64, results []ProbeResult) (*FailoverOutcome, error) {
	g, err := c.GetExitGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}

	out := &FailoverOutcome{}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		out.Transitions = out.Transitions[:0]
		out.Reassigned = out.Reassigned[:0]

		var failedNow []int64
		for _, r := range results {
			tr, err := applyProbe(ctx, tx, r)
			if err != nil {
				return err
			}
			if tr == nil {
				continue
			}
			out.Transitions = append(out.Transitions, *tr)
			if err := c.record(ctx, tx, journal.EventExitHealth, model.EntityExitNode, r.ExitNodeID, "",
				map[string]any{"from": tr.From, "to": tr.To, "reason": r.Err}); err != nil {
				return err
			}
			if tr.To == model.ExitFailed {
				failedNow = append(failedNow, r.ExitNodeID)
			}
		}

		for _, exitID := range failedNow {
			moved, err := c.reassign(ctx, tx, g, exitID, "health_check_failed")
			if err != nil {
				return err
			}
			out.Reassigned = append(out.Reassigned, moved...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, tr := range out.Transitions {
		c.publish(journal.EventExitHealth, model.EntityExitNode, tr.ExitNodeID, "",
			map[string]any{"from": tr.From, "to": tr.To})
	}
	if len(out.Reassigned) > 0 {
		c.publish(journal.EventExitFailover, "exit_group", groupID, "",
			map[string]any{"group": g.Name, "remotes": len(out.Reassigned)})
	}
	return out, nil
}

// applyProbe updates one breaker row, returning the transition if the
// state changed.
func applyProbe(ctx context.Context, tx *sql.Tx, r ProbeResult) (*HealthTransition, error) {
	var h model.ExitHealth
	err := tx.QueryRowContext(ctx, `
		SELECT state, consecutive_failures, consecutive_successes
		FROM exit_health WHERE exit_node_id = ?`, r.ExitNodeID,
	).Scan(&h.State, &h.ConsecutiveFailures, &h.ConsecutiveSuccesses)
	if err != nil {
		return nil, fmt.Errorf("load exit health %d: %w", r.ExitNodeID, err)
	}

	prev := h.State
	ts := now()
	if r.Success {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		h.State = model.ExitHealthy
		if _, err := tx.ExecContext(ctx, `
			UPDATE exit_health SET state = ?, latency_ms = ?, consecutive_failures = 0,
				consecutive_successes = ?, last_check_at = ?, last_success_at = ?, failure_reason = ''
			WHERE exit_node_id = ?`,
			h.State, r.LatencyMs, h.ConsecutiveSuccesses, ts, ts, r.ExitNodeID); err != nil {
			return nil, fmt.Errorf("update exit health %d: %w", r.ExitNodeID, err)
		}
	} else {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		switch {
		case h.ConsecutiveFailures >= failedAfter:
			h.State = model.ExitFailed
		case h.ConsecutiveFailures >= degradedAfter:
			h.State = model.ExitDegraded
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE exit_health SET state = ?, latency_ms = NULL, consecutive_failures = ?,
				consecutive_successes = 0, last_check_at = ?, last_failure_at = ?, failure_reason = ?
			WHERE exit_node_id = ?`,
			h.State, h.ConsecutiveFailures, ts, ts, r.Err, r.ExitNodeID); err != nil {
			return nil, fmt.Errorf("update exit health %d: %w", r.ExitNodeID, err)
		}
	}

	if h.State == prev {
		return nil, nil
	}
	return &HealthTransition{ExitNodeID: r.ExitNodeID, From: prev, To: h.State}, nil
}

// reassign moves every remote whose active exit is fromExit onto the
// group's best remaining member. With no eligible member left the remotes
// lose their exit peer and the history rows say so.
func (c *Core) reassign(ctx context.Context, tx *sql.Tx, g *model.ExitGroup, fromExit int64, reason string) ([]model.FailoverRecord, error) {
	members, err := groupMembers(ctx, tx, g.ID)
	if err != nil {
		return nil, err
	}
	target, ok := ChooseExit(members, g.Strategy, g.RRCursor)
	if ok && g.Strategy == model.StrategyRoundRobin {
		if _, err := tx.ExecContext(ctx,
			`UPDATE exit_groups SET rr_cursor = rr_cursor + 1 WHERE id = ?`, g.ID); err != nil {
			return nil, fmt.Errorf("advance round-robin cursor: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM remotes WHERE exit_group_id = ? AND active_exit_id = ?`, g.ID, fromExit)
	if err != nil {
		return nil, fmt.Errorf("list remotes on exit %d: %w", fromExit, err)
	}
	var remoteIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		remoteIDs = append(remoteIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	ts := now()
	var out []model.FailoverRecord
	for _, remoteID := range remoteIDs {
		rec := model.FailoverRecord{
			RemoteID:      remoteID,
			GroupID:       g.ID,
			FromExitID:    &fromExit,
			TriggerReason: reason,
			Success:       ok,
			CreatedAt:     ts,
		}
		if ok {
			t := target
			rec.ToExitID = &t
		} else {
			rec.TriggerReason = "no_healthy_member"
			rec.ErrorMessage = "no eligible exit group member"
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE remotes SET active_exit_id = ?, updated_at = ? WHERE id = ?`,
			rec.ToExitID, ts, remoteID); err != nil {
			return nil, fmt.Errorf("reassign remote %d: %w", remoteID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failover_history (remote_id, group_id, from_exit_id, to_exit_id, trigger_reason, success, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RemoteID, rec.GroupID, rec.FromExitID, rec.ToExitID, rec.TriggerReason,
			rec.Success, rec.ErrorMessage, rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("record failover: %w", err)
		}
		out = append(out, rec)
	}

	if len(out) > 0 {
		if err := c.record(ctx, tx, journal.EventExitFailover, "exit_group", g.ID, "",
			map[string]any{"from_exit": fromExit, "to_exit": nullableID(target, ok), "remotes": len(out), "reason": reason}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nullableID(id int64, ok bool) any {
	if !ok {
		return nil
	}
	return id
}

// ForceFailover is the operator-triggered path: move every remote of the
// group currently on fromExit to a newly chosen member.
func (c *Core) ForceFailover(ctx context.Context, groupName, fromExit string) (*FailoverOutcome, error) {
	g, err := c.GetExitGroup(ctx, groupName)
	if err != nil {
		return nil, err
	}
	ex, err := c.GetExitNode(ctx, fromExit)
	if err != nil {
		return nil, err
	}

	out := &FailoverOutcome{}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		// The forced-off exit must not be re-chosen.
		if _, err := tx.ExecContext(ctx, `
			UPDATE exit_group_members SET enabled = 0 WHERE group_id = ? AND exit_node_id = ?`,
			g.ID, ex.ID); err != nil {
			return fmt.Errorf("disable group member: %w", err)
		}
		moved, err := c.reassign(ctx, tx, g, ex.ID, "operator_forced")
		if err != nil {
			return err
		}
		if len(moved) == 0 {
			return &faults.NotFound{Entity: "remote", Ref: "active on " + fromExit}
		}
		out.Reassigned = moved
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publish(journal.EventExitFailover, "exit_group", g.ID, "",
		map[string]any{"group": g.Name, "from": fromExit, "remotes": len(out.Reassigned), "forced": true})
	return out, nil
}

// FailoverHistory lists past reassignments, newest first.
func (c *Core) FailoverHistory(ctx context.Context, groupID int64, limit int) ([]model.FailoverRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, remote_id, group_id, from_exit_id, to_exit_id, trigger_reason, success, error_message, created_at
		FROM failover_history WHERE group_id = ? ORDER BY id DESC LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list failover history: %w", err)
	}
	defer rows.Close()

	var out []model.FailoverRecord
	for rows.Next() {
		var r model.FailoverRecord
		if err := rows.Scan(&r.ID, &r.RemoteID, &r.GroupID, &r.FromExitID, &r.ToExitID,
			&r.TriggerReason, &r.Success, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failover record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
