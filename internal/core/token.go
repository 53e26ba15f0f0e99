package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

const tokenPrefix = "wgf_"

// CreateAPIToken mints a bearer token for the HTTP API. The plaintext is
// returned exactly once; only a salted SHA-256 hash is stored.
func (c *Core) CreateAPIToken(ctx context.Context, name, scope string) (*model.APIToken, string, error) {
	switch scope {
	case model.ScopeRead, model.ScopeWrite, model.ScopeAdmin:
	default:
		return nil, "", &faults.ValidationError{Field: "scope",
			Msg: fmt.Sprintf("unknown scope %q", scope)}
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	plaintext := tokenPrefix + hex.EncodeToString(raw)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("generate salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)

	tok := &model.APIToken{Name: name, Scope: scope, CreatedAt: now()}
	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO api_tokens (name, token_salt, token_hash, scope, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			name, saltHex, hashToken(saltHex, plaintext), scope, tok.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &faults.Conflict{Entity: "api_token", Field: "name", Value: name}
			}
			return fmt.Errorf("insert api token: %w", err)
		}
		tok.ID, _ = res.LastInsertId()
		return c.record(ctx, tx, journal.EventTokenCreated, "api_token", tok.ID, "",
			map[string]any{"name": name, "scope": scope})
	})
	if err != nil {
		return nil, "", err
	}
	c.publish(journal.EventTokenCreated, "api_token", tok.ID, "",
		map[string]any{"name": name, "scope": scope})
	return tok, plaintext, nil
}

// VerifyAPIToken resolves a presented bearer token to its stored record.
// Revoked and unknown tokens both come back as AuthError.
func (c *Core) VerifyAPIToken(ctx context.Context, plaintext string) (*model.APIToken, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, token_salt, token_hash, scope, created_at
		FROM api_tokens WHERE revoked_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("load api tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tok        model.APIToken
			salt, hash string
		)
		if err := rows.Scan(&tok.ID, &tok.Name, &salt, &hash, &tok.Scope, &tok.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(hash), []byte(hashToken(salt, plaintext))) == 1 {
			return &tok, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, &faults.AuthError{Subject: "api", Msg: "unknown or revoked token"}
}

// RevokeAPIToken marks a token revoked; it stops authenticating immediately.
func (c *Core) RevokeAPIToken(ctx context.Context, name string) error {
	var id int64
	err := c.writer.Do(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM api_tokens WHERE name = ? AND revoked_at IS NULL`, name)
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &faults.NotFound{Entity: "api_token", Ref: name}
			}
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE api_tokens SET revoked_at = ? WHERE id = ?`, now(), id); err != nil {
			return fmt.Errorf("revoke api token: %w", err)
		}
		return c.record(ctx, tx, journal.EventTokenRevoked, "api_token", id, "",
			map[string]any{"name": name})
	})
	if err != nil {
		return err
	}
	c.publish(journal.EventTokenRevoked, "api_token", id, "", map[string]any{"name": name})
	return nil
}

// ListAPITokens returns all tokens, revoked ones included.
func (c *Core) ListAPITokens(ctx context.Context) ([]model.APIToken, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, scope, created_at, revoked_at
		FROM api_tokens ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	defer rows.Close()

	var out []model.APIToken
	for rows.Next() {
		var tok model.APIToken
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.Scope, &tok.CreatedAt, &tok.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func hashToken(saltHex, plaintext string) string {
	sum := sha256.Sum256([]byte(saltHex + plaintext))
	return hex.EncodeToString(sum[:])
}
