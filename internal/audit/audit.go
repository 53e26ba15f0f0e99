// Package audit maintains the append-only, hash-chained audit log. Every
// state-changing operation appends exactly one entry inside the same
// transaction as its mutation; a failed mutation rolls both back.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

// CheckpointInterval is how many entries form one Merkle tree.
const CheckpointInterval = 1000

// genesisHash anchors the chain before the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// timeLayout is the exact text stored in created_at. Hashes cover this
// string, so storage and verification always agree on the byte content.
const timeLayout = time.RFC3339Nano

// Append writes one entry to the log, assigning its id, chaining hash and,
// on checkpoint boundaries, its Merkle root. Must run inside a write
// transaction; ids are allocated explicitly so the hash can cover them.
func Append(ctx context.Context, tx db.Querier, e *model.AuditEntry) error {
	var lastID int64
	var prevHash string
	err := tx.QueryRowContext(ctx, `
		SELECT id, entry_hash FROM (
			SELECT id, entry_hash FROM audit_log
			UNION ALL
			SELECT id, entry_hash FROM audit_archive
		) ORDER BY id DESC LIMIT 1`,
	).Scan(&lastID, &prevHash)
	switch {
	case err == sql.ErrNoRows:
		lastID, prevHash = 0, genesisHash
	case err != nil:
		return fmt.Errorf("read audit chain head: %w", err)
	}

	e.ID = lastID + 1
	e.PreviousHash = prevHash
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if len(e.Details) == 0 {
		e.Details = json.RawMessage("{}")
	}
	canonical, err := canonicalJSON(e.Details)
	if err != nil {
		return fmt.Errorf("canonicalize audit details: %w", err)
	}
	e.Details = json.RawMessage(canonical)

	createdAt := e.CreatedAt.UTC().Format(timeLayout)
	e.EntryHash = entryHash(e.ID, e.EventType, createdAt, canonical, prevHash)

	// A checkpoint closes on the entry whose id completes an interval; its
	// own hash is the last leaf, so root and index are known before insert.
	if e.ID%CheckpointInterval == 0 {
		startID := e.ID - CheckpointInterval + 1
		leaves, err := hashRange(ctx, tx, startID, e.ID-1)
		if err != nil {
			return err
		}
		leaves = append(leaves, e.EntryHash)
		root := merkleRoot(leaves)
		idx := e.ID / CheckpointInterval
		e.MerkleRoot = &root
		e.MerkleTreeIndex = &idx

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_checkpoints (start_id, end_id, merkle_root, created_at)
			VALUES (?, ?, ?, ?)`,
			startID, e.ID, root, createdAt,
		); err != nil {
			return fmt.Errorf("insert audit checkpoint: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, category, severity, entity_type, entity_id,
			entity_permanent_guid, operator, operator_source, details, created_at,
			previous_hash, entry_hash, merkle_root, merkle_tree_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.Category, e.Severity, e.EntityType, e.EntityID,
		e.EntityGUID, e.Operator, e.OperatorSource, canonical, createdAt,
		e.PreviousHash, e.EntryHash, e.MerkleRoot, e.MerkleTreeIndex,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Verify walks the whole chain (archive first, then the live log) in id
// order, recomputes every hash, and checks every checkpoint root. Any
// single-byte tamper in entry_hash or details surfaces as an
// IntegrityError naming the entry.
func Verify(ctx context.Context, q db.Querier) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_type, details, created_at, previous_hash, entry_hash FROM (
			SELECT id, event_type, details, created_at, previous_hash, entry_hash FROM audit_archive
			UNION ALL
			SELECT id, event_type, details, created_at, previous_hash, entry_hash FROM audit_log
		) ORDER BY id`)
	if err != nil {
		return fmt.Errorf("read audit chain: %w", err)
	}
	defer rows.Close()

	prev := genesisHash
	hashes := map[int64]string{}
	for rows.Next() {
		var id int64
		var eventType, details, created, previousHash, storedHash string
		if err := rows.Scan(&id, &eventType, &details, &created, &previousHash, &storedHash); err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		if previousHash != prev {
			return &faults.IntegrityError{EntryID: id, ExpectedHash: prev, ActualHash: previousHash}
		}
		want := entryHash(id, eventType, created, details, previousHash)
		if want != storedHash {
			return &faults.IntegrityError{EntryID: id, ExpectedHash: want, ActualHash: storedHash}
		}
		hashes[id] = storedHash
		prev = storedHash
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit chain: %w", err)
	}

	return verifyCheckpoints(ctx, q, hashes)
}

func verifyCheckpoints(ctx context.Context, q db.Querier, hashes map[int64]string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT start_id, end_id, merkle_root FROM audit_checkpoints ORDER BY start_id`)
	if err != nil {
		return fmt.Errorf("read audit checkpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var startID, endID int64
		var root string
		if err := rows.Scan(&startID, &endID, &root); err != nil {
			return fmt.Errorf("scan audit checkpoint: %w", err)
		}
		leaves := make([]string, 0, endID-startID+1)
		for id := startID; id <= endID; id++ {
			h, ok := hashes[id]
			if !ok {
				return &faults.IntegrityError{EntryID: id, ExpectedHash: "present", ActualHash: "missing"}
			}
			leaves = append(leaves, h)
		}
		if got := merkleRoot(leaves); got != root {
			return &faults.IntegrityError{EntryID: endID, ExpectedHash: root, ActualHash: got}
		}
	}
	return rows.Err()
}

// Archive moves entries created before cutoff into the archive table. The
// chain stays contiguous: ids and hashes move unchanged, and Verify reads
// both tables as one sequence.
func Archive(ctx context.Context, tx db.Querier, cutoff time.Time) (int64, error) {
	c := cutoff.UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_archive
		SELECT * FROM audit_log WHERE created_at < ?`, c)
	if err != nil {
		return 0, fmt.Errorf("copy audit entries to archive: %w", err)
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, c); err != nil {
		return 0, fmt.Errorf("trim archived audit entries: %w", err)
	}
	return moved, nil
}

func entryHash(id int64, eventType, createdAt, details, prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s", id, eventType, createdAt, details, prevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes details deterministically: object keys sorted,
// no insignificant whitespace.
func canonicalJSON(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v) // map keys marshal in sorted order
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func hashRange(ctx context.Context, q db.Querier, from, to int64) ([]string, error) {
	if to < from {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT entry_hash FROM (
			SELECT id, entry_hash FROM audit_archive
			UNION ALL
			SELECT id, entry_hash FROM audit_log
		) WHERE id BETWEEN ? AND ? ORDER BY id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint range: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan checkpoint hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// merkleRoot builds a binary Merkle tree over hex leaf hashes. An odd node
// at any level is promoted unpaired.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return genesisHash
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		b, _ := hex.DecodeString(l)
		level[i] = b
	}
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, h[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}
