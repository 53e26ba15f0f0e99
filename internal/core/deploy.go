package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

// RecordDeployment persists one deploy attempt and journals it. Failures
// are recorded the same way as successes; the deployer never hides them.
func (c *Core) RecordDeployment(ctx context.Context, d *model.Deployment) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	event := journal.EventDeployed
	if !d.Success {
		event = journal.EventDeployFailed
	}
	details := map[string]any{
		"host": d.TargetHost, "path": d.TargetPath, "interface": d.Interface,
	}
	if d.Message != "" {
		details["message"] = d.Message
	}

	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (entity_type, entity_id, target_host, target_path, interface, success, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.EntityType, d.EntityID, d.TargetHost, d.TargetPath, d.Interface,
			d.Success, d.Message, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}
		d.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, event, d.EntityType, d.EntityID, "", details)
	})
	if err != nil {
		return err
	}
	c.publish(event, d.EntityType, d.EntityID, "", details)
	return nil
}

// RecordBackup journals a completed datastore backup.
func (c *Core) RecordBackup(ctx context.Context, path, sha256sum string, size int64) error {
	details := map[string]any{"path": path, "sha256": sha256sum, "size": size}
	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		return c.record(ctx, tx, journal.EventBackupCreated, "", 0, "", details)
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventBackupCreated, "", 0, "", details)
	return nil
}

// RecordWebhookDelivery persists the outcome of one webhook delivery.
// Delivery is asynchronous and never feeds back into the mutation that
// triggered it, so there is no journal event here.
func (c *Core) RecordWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	return c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_deliveries (endpoint, event_id, event_type, attempts, status_code, success, last_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Endpoint, d.EventID, d.EventType, d.Attempts, d.StatusCode,
			d.Success, d.LastError, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert webhook delivery: %w", err)
		}
		d.ID, _ = res.LastInsertId()
		return nil
	})
}

// WebhookDeliveries lists recent delivery outcomes, newest first.
func (c *Core) WebhookDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, endpoint, event_id, event_type, attempts, status_code, success, last_error, created_at
		FROM webhook_deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookDelivery
	for rows.Next() {
		var d model.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.Endpoint, &d.EventID, &d.EventType, &d.Attempts,
			&d.StatusCode, &d.Success, &d.LastError, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Deployments lists recorded deploy attempts for an entity, newest first.
func (c *Core) Deployments(ctx context.Context, entityType string, entityID int64, limit int) ([]model.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, target_host, target_path, interface, success, message, created_at
		FROM deployments WHERE entity_type = ? AND entity_id = ?
		ORDER BY id DESC LIMIT ?`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.ID, &d.EntityType, &d.EntityID, &d.TargetHost, &d.TargetPath,
			&d.Interface, &d.Success, &d.Message, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
