// Package core is the service layer. Every operation the CLI and API
// invoke lives here: each mutation runs in one writer transaction, appends
// one audit entry, and publishes one event after commit.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/wgfleet/internal/audit"
	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

// Core exposes the typed operations of the fleet. Reads go straight to the
// pool; mutations are serialized through the writer.
type Core struct {
	db      *sql.DB
	writer  *db.Writer
	secrets *crypto.Secrets
	bus     *journal.Bus
	logger  zerolog.Logger

	// Operator identifies who is acting, stamped into audit entries.
	Operator string
}

// New wires a service layer over an open datastore.
func New(d *sql.DB, w *db.Writer, secrets *crypto.Secrets, bus *journal.Bus, logger zerolog.Logger) *Core {
	return &Core{
		db:       d,
		writer:   w,
		secrets:  secrets,
		bus:      bus,
		logger:   logger.With().Str("component", "core").Logger(),
		Operator: "local",
	}
}

// DB exposes the read pool for collaborators that run their own queries.
func (c *Core) DB() *sql.DB { return c.db }

// Secrets exposes the column encryption wrapper.
func (c *Core) Secrets() *crypto.Secrets { return c.secrets }

// record appends the audit entry for a mutation inside its transaction.
// details must marshal cleanly; marshalling failures abort the mutation.
func (c *Core) record(ctx context.Context, tx *sql.Tx, eventType, entityType string, entityID int64, guid string, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	return audit.Append(ctx, tx, &model.AuditEntry{
		EventType:  eventType,
		Category:   categoryOf(eventType),
		Severity:   "info",
		EntityType: entityType,
		EntityID:   entityID,
		EntityGUID: guid,
		Operator:   c.Operator,
		Details:    raw,
	})
}

// publish emits the journal event after the transaction committed.
func (c *Core) publish(eventType, entityType string, entityID int64, guid string, details map[string]any) {
	c.bus.Publish(journal.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		EntityGUID: guid,
		Operator:   c.Operator,
		Details:    details,
	})
}

func categoryOf(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

func now() time.Time { return time.Now().UTC() }

// jsonStrings marshals a string slice for a TEXT column holding a JSON
// array. Nil marshals to "[]".
func jsonStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func parseStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
