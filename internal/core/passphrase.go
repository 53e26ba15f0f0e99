package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
)

// secretColumns are every encrypted column in the schema.
var secretColumns = []struct {
	table, column string
}{
	{"coordination_servers", "private_key"},
	{"subnet_routers", "private_key"},
	{"remotes", "private_key"},
	{"remotes", "preshared_key"},
	{"exit_nodes", "private_key"},
	{"extramural_configs", "private_key"},
	{"extramural_peers", "preshared_key"},
}

// LoadSecrets builds the column wrapper for a datastore. An unencrypted
// store gets the passthrough wrapper; an encrypted one requires the
// passphrase and verifies it against the canary before anything else is
// decrypted.
func LoadSecrets(ctx context.Context, d *sql.DB, passphrase string) (*crypto.Secrets, error) {
	var p crypto.Params
	var canary string
	err := d.QueryRowContext(ctx, `
		SELECT kdf, time_cost, memory_kib, parallelism, salt, canary
		FROM encryption_meta WHERE id = 1`,
	).Scan(&p.KDF, &p.Time, &p.MemoryKiB, &p.Parallelism, &p.Salt, &canary)
	if errors.Is(err, sql.ErrNoRows) {
		return crypto.Disabled(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load encryption metadata: %w", err)
	}
	if passphrase == "" {
		return nil, &faults.CryptoError{Msg: "datastore is encrypted, a passphrase is required"}
	}
	s, err := crypto.New(crypto.DeriveKey(passphrase, p))
	if err != nil {
		return nil, err
	}
	if err := s.VerifyCanary(canary); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPassphrase turns encryption on: every secret column is re-written as
// ciphertext in one transaction.
func (c *Core) SetPassphrase(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return &faults.ValidationError{Field: "passphrase", Msg: "passphrase must not be empty"}
	}
	if c.secrets.Enabled() {
		return &faults.Conflict{Entity: "encryption_meta", Field: "state", Value: "encrypted"}
	}
	params, err := crypto.DefaultParams()
	if err != nil {
		return err
	}
	next, err := crypto.New(crypto.DeriveKey(passphrase, params))
	if err != nil {
		return err
	}
	canary, err := next.Canary()
	if err != nil {
		return err
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if err := reencryptColumns(ctx, tx, c.secrets, next); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO encryption_meta (id, kdf, time_cost, memory_kib, parallelism, salt, canary)
			VALUES (1, ?, ?, ?, ?, ?, ?)`,
			params.KDF, params.Time, params.MemoryKiB, params.Parallelism, params.Salt, canary); err != nil {
			return fmt.Errorf("store encryption metadata: %w", err)
		}
		return c.record(ctx, tx, journal.EventPassphraseChanged, "", 0, "",
			map[string]any{"action": "enabled"})
	})
	if err != nil {
		return err
	}
	c.secrets = next
	c.publish(journal.EventPassphraseChanged, "", 0, "", map[string]any{"action": "enabled"})
	return nil
}

// ChangePassphrase re-encrypts every secret column under a new key. The
// current wrapper must already have passed canary verification at load.
func (c *Core) ChangePassphrase(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return &faults.ValidationError{Field: "passphrase", Msg: "passphrase must not be empty"}
	}
	if !c.secrets.Enabled() {
		return &faults.CryptoError{Msg: "datastore is not encrypted, set a passphrase first"}
	}
	params, err := crypto.DefaultParams()
	if err != nil {
		return err
	}
	next, err := crypto.New(crypto.DeriveKey(passphrase, params))
	if err != nil {
		return err
	}
	canary, err := next.Canary()
	if err != nil {
		return err
	}

	err = c.writer.Do(ctx, func(tx *sql.Tx) error {
		if err := reencryptColumns(ctx, tx, c.secrets, next); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE encryption_meta SET kdf = ?, time_cost = ?, memory_kib = ?,
				parallelism = ?, salt = ?, canary = ? WHERE id = 1`,
			params.KDF, params.Time, params.MemoryKiB, params.Parallelism, params.Salt, canary); err != nil {
			return fmt.Errorf("update encryption metadata: %w", err)
		}
		return c.record(ctx, tx, journal.EventPassphraseChanged, "", 0, "",
			map[string]any{"action": "changed"})
	})
	if err != nil {
		return err
	}
	c.secrets = next
	c.publish(journal.EventPassphraseChanged, "", 0, "", map[string]any{"action": "changed"})
	return nil
}

func reencryptColumns(ctx context.Context, tx *sql.Tx, from, to *crypto.Secrets) error {
	for _, sc := range secretColumns {
		rows, err := tx.QueryContext(ctx,
			fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s <> ''`, sc.column, sc.table, sc.column))
		if err != nil {
			return fmt.Errorf("read %s.%s: %w", sc.table, sc.column, err)
		}
		type rewrite struct {
			id    int64
			value string
		}
		var rewrites []rewrite
		for rows.Next() {
			var id int64
			var stored string
			if err := rows.Scan(&id, &stored); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s.%s: %w", sc.table, sc.column, err)
			}
			plain, err := from.Decrypt(stored)
			if err != nil {
				rows.Close()
				return err
			}
			sealed, err := to.Encrypt(plain)
			if err != nil {
				rows.Close()
				return err
			}
			rewrites = append(rewrites, rewrite{id, sealed})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, rw := range rewrites {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?`, sc.table, sc.column),
				rw.value, rw.id); err != nil {
				return fmt.Errorf("rewrite %s.%s: %w", sc.table, sc.column, err)
			}
		}
	}
	return nil
}
