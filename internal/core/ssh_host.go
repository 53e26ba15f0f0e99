package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

// AddSSHHost registers a shared deploy target. Names are unique.
func (c *Core) AddSSHHost(ctx context.Context, h *model.SSHHost) error {
	if h.Name == "" || h.Host == "" {
		return &faults.ValidationError{Field: "name", Msg: "ssh host needs a name and a host"}
	}
	if h.Port == 0 {
		h.Port = 22
	}
	if h.User == "" {
		h.User = "root"
	}
	if h.ConfigDir == "" {
		h.ConfigDir = "/etc/wireguard"
	}
	h.CreatedAt, h.UpdatedAt = now(), now()

	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ssh_hosts (name, host, port, user, key_path, config_dir, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			h.Name, h.Host, h.Port, h.User, h.KeyPath, h.ConfigDir, h.CreatedAt, h.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "ssh_host", Field: "name", Value: h.Name}
			}
			return fmt.Errorf("insert ssh host: %w", err)
		}
		h.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, "ssh_host.added", "ssh_host", h.ID, "", map[string]any{
			"name": h.Name, "host": h.Host, "port": h.Port,
		})
	})
	if err != nil {
		return err
	}
	c.publish("ssh_host.added", "ssh_host", h.ID, "", map[string]any{"name": h.Name})
	return nil
}

// GetSSHHost loads a host by name.
func (c *Core) GetSSHHost(ctx context.Context, name string) (*model.SSHHost, error) {
	h := &model.SSHHost{}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, user, key_path, config_dir, created_at, updated_at
		FROM ssh_hosts WHERE name = ?`, name,
	).Scan(&h.ID, &h.Name, &h.Host, &h.Port, &h.User, &h.KeyPath, &h.ConfigDir, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "ssh_host", Ref: name}
	}
	if err != nil {
		return nil, fmt.Errorf("load ssh host: %w", err)
	}
	return h, nil
}

// GetSSHHostByID loads a host by id.
func (c *Core) GetSSHHostByID(ctx context.Context, id int64) (*model.SSHHost, error) {
	h := &model.SSHHost{}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, user, key_path, config_dir, created_at, updated_at
		FROM ssh_hosts WHERE id = ?`, id,
	).Scan(&h.ID, &h.Name, &h.Host, &h.Port, &h.User, &h.KeyPath, &h.ConfigDir, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Entity: "ssh_host", Ref: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("load ssh host: %w", err)
	}
	return h, nil
}

// ListSSHHosts returns every registered host by name order.
func (c *Core) ListSSHHosts(ctx context.Context) ([]*model.SSHHost, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, host, port, user, key_path, config_dir, created_at, updated_at
		FROM ssh_hosts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list ssh hosts: %w", err)
	}
	defer rows.Close()

	var out []*model.SSHHost
	for rows.Next() {
		h := &model.SSHHost{}
		if err := rows.Scan(&h.ID, &h.Name, &h.Host, &h.Port, &h.User, &h.KeyPath,
			&h.ConfigDir, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ssh host: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RemoveSSHHost deletes a host. Referencing entities keep running with a
// null reference; they are never cascade-deleted.
func (c *Core) RemoveSSHHost(ctx context.Context, name string) error {
	h, err := c.GetSSHHost(ctx, name)
	if err != nil {
		return err
	}
	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ssh_hosts WHERE id = ?`, h.ID); err != nil {
			return fmt.Errorf("delete ssh host: %w", err)
		}
		return c.record(ctx, tx, "ssh_host.removed", "ssh_host", h.ID, "", map[string]any{"name": name})
	})
	if err != nil {
		return err
	}
	c.publish("ssh_host.removed", "ssh_host", h.ID, "", map[string]any{"name": name})
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
