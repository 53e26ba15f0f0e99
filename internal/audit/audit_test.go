package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.Migrate(d))
	return d
}

func appendEntry(t *testing.T, d *sql.DB, eventType string, details map[string]any) *model.AuditEntry {
	t.Helper()
	raw, err := json.Marshal(details)
	require.NoError(t, err)
	e := &model.AuditEntry{
		EventType:  eventType,
		Category:   "test",
		Severity:   "info",
		EntityType: model.EntityRemote,
		EntityID:   1,
		Operator:   "tester",
		Details:    raw,
	}
	tx, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, Append(context.Background(), tx, e))
	require.NoError(t, tx.Commit())
	return e
}

func TestAppendChainsHashes(t *testing.T) {
	d := testDB(t)

	e1 := appendEntry(t, d, "remote.created", map[string]any{"hostname": "alice"})
	e2 := appendEntry(t, d, "remote.rotated", map[string]any{"hostname": "alice"})

	assert.Equal(t, int64(1), e1.ID)
	assert.Equal(t, int64(2), e2.ID)
	assert.Equal(t, genesisHash, e1.PreviousHash)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.NotEqual(t, e1.EntryHash, e2.EntryHash)
}

func TestVerifyCleanChain(t *testing.T) {
	d := testDB(t)
	for i := 0; i < 25; i++ {
		appendEntry(t, d, "remote.updated", map[string]any{"seq": i})
	}
	require.NoError(t, Verify(context.Background(), d))
}

func TestVerifyDetectsTamperedDetails(t *testing.T) {
	d := testDB(t)
	appendEntry(t, d, "remote.created", map[string]any{"hostname": "alice"})
	victim := appendEntry(t, d, "remote.removed", map[string]any{"hostname": "bob"})
	appendEntry(t, d, "remote.created", map[string]any{"hostname": "carol"})

	// The append-only trigger blocks UPDATE, so a tamperer has to delete
	// and re-insert. That is exactly what verification catches.
	ctx := context.Background()
	_, err := d.ExecContext(ctx, `DELETE FROM audit_log WHERE id = ?`, victim.ID)
	require.NoError(t, err)
	_, err = d.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, category, severity, entity_type, entity_id,
			entity_permanent_guid, operator, operator_source, details, created_at,
			previous_hash, entry_hash)
		VALUES (?, ?, '', 'info', '', 0, '', '', '', ?, ?, ?, ?)`,
		victim.ID, victim.EventType, `{"hostname":"mallory"}`,
		victim.CreatedAt.UTC().Format(timeLayout), victim.PreviousHash, victim.EntryHash)
	require.NoError(t, err)

	var ie *faults.IntegrityError
	err = Verify(ctx, d)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, victim.ID, ie.EntryID)
}

func TestVerifyDetectsRewrittenHash(t *testing.T) {
	d := testDB(t)
	victim := appendEntry(t, d, "remote.created", map[string]any{"hostname": "alice"})

	ctx := context.Background()
	_, err := d.ExecContext(ctx, `DELETE FROM audit_log WHERE id = ?`, victim.ID)
	require.NoError(t, err)
	bad := "ff" + victim.EntryHash[2:]
	_, err = d.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, category, severity, entity_type, entity_id,
			entity_permanent_guid, operator, operator_source, details, created_at,
			previous_hash, entry_hash)
		VALUES (?, ?, '', 'info', '', 0, '', '', '', ?, ?, ?, ?)`,
		victim.ID, victim.EventType, string(victim.Details),
		victim.CreatedAt.UTC().Format(timeLayout), victim.PreviousHash, bad)
	require.NoError(t, err)

	var ie *faults.IntegrityError
	err = Verify(ctx, d)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, victim.ID, ie.EntryID)
	assert.Equal(t, bad, ie.ActualHash)
}

func TestAppendOnlyTrigger(t *testing.T) {
	d := testDB(t)
	e := appendEntry(t, d, "remote.created", map[string]any{"hostname": "alice"})

	_, err := d.Exec(`UPDATE audit_log SET details = '{}' WHERE id = ?`, e.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestArchiveKeepsChainContiguous(t *testing.T) {
	d := testDB(t)
	for i := 0; i < 10; i++ {
		appendEntry(t, d, "remote.updated", map[string]any{"seq": i})
	}

	ctx := context.Background()
	tx, err := d.Begin()
	require.NoError(t, err)
	moved, err := Archive(ctx, tx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, int64(10), moved)

	// New entries continue the chain after the archived head.
	e := appendEntry(t, d, "remote.created", map[string]any{"hostname": "dave"})
	assert.Equal(t, int64(11), e.ID)
	require.NoError(t, Verify(ctx, d))
}

func TestCanonicalDetailsStable(t *testing.T) {
	a, err := canonicalJSON(json.RawMessage(`{"b":1, "a":2}`))
	require.NoError(t, err)
	b, err := canonicalJSON(json.RawMessage(`{"a": 2,"b": 1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMerkleRoot(t *testing.T) {
	leaves := []string{}
	for i := 0; i < 5; i++ {
		leaves = append(leaves, entryHash(int64(i), "e", "t", "{}", "p"))
	}
	r1 := merkleRoot(leaves)
	r2 := merkleRoot(leaves)
	assert.Equal(t, r1, r2)
	assert.NotEqual(t, r1, merkleRoot(leaves[:4]))
	assert.Equal(t, genesisHash, merkleRoot(nil))
}
