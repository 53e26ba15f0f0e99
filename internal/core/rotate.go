package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
	"github.com/edvin/wgfleet/internal/wgkey"
)

// keyedEntity is what rotation needs to know about any entity carrying a
// key pair.
type keyedEntity struct {
	table        string
	entityType   string
	id           int64
	guid         string
	oldPublicKey string
	hostname     string
}

// Rotate generates a fresh key pair for the named entity, records a
// rotation history row, and leaves the permanent GUID untouched.
func (c *Core) Rotate(ctx context.Context, entityType, ref, reason string) error {
	ent, err := c.lookupKeyed(ctx, entityType, ref)
	if err != nil {
		return err
	}

	priv, pub, err := wgkey.Generate()
	if err != nil {
		return err
	}
	encPriv, err := c.secrets.Encrypt(priv)
	if err != nil {
		return err
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`UPDATE %s SET private_key = ?, public_key = ?`, ent.table)
		args := []any{encPriv, pub}
		switch ent.table {
		case "remotes":
			q += `, last_rotated_at = ?, updated_at = ?`
			args = append(args, now(), now())
		case "extramural_configs":
			// Sponsors never see rotations automatically; the operator must
			// confirm the remote side was updated.
			q += `, pending_remote_update = 1, last_key_rotation_at = ?`
			args = append(args, now())
		default:
			q += `, updated_at = ?`
			args = append(args, now())
		}
		q += ` WHERE id = ?`
		args = append(args, ent.id)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("rotate %s key: %w", ent.entityType, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO key_rotation_history (entity_type, entity_id, permanent_guid,
				old_public_key, new_public_key, reason, rotated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ent.entityType, ent.id, ent.guid, ent.oldPublicKey, pub, reason, now()); err != nil {
			return fmt.Errorf("insert rotation history: %w", err)
		}
		return c.record(ctx, tx, journal.EventKeysRotated, ent.entityType, ent.id, ent.guid,
			map[string]any{"name": ent.hostname, "reason": reason,
				"old_public_key": wgkey.Redact(ent.oldPublicKey), "new_public_key": wgkey.Redact(pub)})
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventKeysRotated, ent.entityType, ent.id, ent.guid,
		map[string]any{"name": ent.hostname})
	return nil
}

func (c *Core) lookupKeyed(ctx context.Context, entityType, ref string) (keyedEntity, error) {
	switch entityType {
	case model.EntityCoordinationServer:
		cs, err := c.GetCS(ctx)
		if err != nil {
			return keyedEntity{}, err
		}
		return keyedEntity{"coordination_servers", entityType, cs.ID, cs.PermanentGUID, cs.PublicKey, cs.Hostname}, nil
	case model.EntitySubnetRouter:
		snr, err := c.GetRouter(ctx, ref)
		if err != nil {
			return keyedEntity{}, err
		}
		return keyedEntity{"subnet_routers", entityType, snr.ID, snr.PermanentGUID, snr.PublicKey, snr.Hostname}, nil
	case model.EntityRemote:
		r, err := c.GetRemote(ctx, ref)
		if err != nil {
			return keyedEntity{}, err
		}
		return keyedEntity{"remotes", entityType, r.ID, r.PermanentGUID, r.PublicKey, r.Hostname}, nil
	case model.EntityExitNode:
		ex, err := c.GetExitNode(ctx, ref)
		if err != nil {
			return keyedEntity{}, err
		}
		return keyedEntity{"exit_nodes", entityType, ex.ID, ex.PermanentGUID, ex.PublicKey, ex.Hostname}, nil
	case model.EntityExtramuralConfig:
		cfg, err := c.GetExtramural(ctx, ref)
		if err != nil {
			return keyedEntity{}, err
		}
		return keyedEntity{"extramural_configs", entityType, cfg.ID, cfg.PermanentGUID, cfg.PublicKey, cfg.InterfaceName}, nil
	}
	return keyedEntity{}, &faults.ValidationError{Field: "entity_type", Msg: "unknown entity type " + entityType}
}

// RotationHistory lists rotations for one permanent GUID, oldest first.
func (c *Core) RotationHistory(ctx context.Context, guid string) ([]model.KeyRotation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, permanent_guid, old_public_key, new_public_key, reason, rotated_at
		FROM key_rotation_history WHERE permanent_guid = ? ORDER BY id`, guid)
	if err != nil {
		return nil, fmt.Errorf("list rotation history: %w", err)
	}
	defer rows.Close()

	var out []model.KeyRotation
	for rows.Next() {
		var kr model.KeyRotation
		if err := rows.Scan(&kr.ID, &kr.EntityType, &kr.EntityID, &kr.PermanentGUID,
			&kr.OldPublicKey, &kr.NewPublicKey, &kr.Reason, &kr.RotatedAt); err != nil {
			return nil, fmt.Errorf("scan rotation history: %w", err)
		}
		out = append(out, kr)
	}
	return out, rows.Err()
}
