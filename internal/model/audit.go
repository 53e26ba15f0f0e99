package model

import (
	"encoding/json"
	"time"
)

// AuditEntry is one append-only row recording a state change, chained to
// its predecessor by PreviousHash.
type AuditEntry struct {
	ID              int64           `json:"id" db:"id"`
	EventType       string          `json:"event_type" db:"event_type"`
	Category        string          `json:"category" db:"category"`
	Severity        string          `json:"severity" db:"severity"`
	EntityType      string          `json:"entity_type" db:"entity_type"`
	EntityID        int64           `json:"entity_id" db:"entity_id"`
	EntityGUID      string          `json:"entity_permanent_guid,omitempty" db:"entity_permanent_guid"`
	Operator        string          `json:"operator" db:"operator"`
	OperatorSource  string          `json:"operator_source" db:"operator_source"`
	Details         json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	PreviousHash    string          `json:"previous_hash" db:"previous_hash"`
	EntryHash       string          `json:"entry_hash" db:"entry_hash"`
	MerkleRoot      *string         `json:"merkle_root,omitempty" db:"merkle_root"`
	MerkleTreeIndex *int64          `json:"merkle_tree_index,omitempty" db:"merkle_tree_index"`
}

// KeyRotation records one key rotation of a keyed entity. The permanent
// GUID never changes; only the current key does.
type KeyRotation struct {
	ID            int64     `json:"id" db:"id"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	EntityID      int64     `json:"entity_id" db:"entity_id"`
	PermanentGUID string    `json:"permanent_guid" db:"permanent_guid"`
	OldPublicKey  string    `json:"old_public_key" db:"old_public_key"`
	NewPublicKey  string    `json:"new_public_key" db:"new_public_key"`
	Reason        string    `json:"reason,omitempty" db:"reason"`
	RotatedAt     time.Time `json:"rotated_at" db:"rotated_at"`
}

// Deployment is one recorded deploy attempt to a target.
type Deployment struct {
	ID         int64     `json:"id" db:"id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   int64     `json:"entity_id" db:"entity_id"`
	TargetHost string    `json:"target_host" db:"target_host"`
	TargetPath string    `json:"target_path" db:"target_path"`
	Interface  string    `json:"interface" db:"interface"`
	Success    bool      `json:"success" db:"success"`
	Message    string    `json:"message,omitempty" db:"message"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// APIToken is a bearer token for the read-only API, stored as a salted
// SHA-256 hash.
type APIToken struct {
	ID        int64      `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Scope     string     `json:"scope" db:"scope"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Token scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// WebhookDelivery is the final outcome of delivering one event to one
// endpoint, retries included.
type WebhookDelivery struct {
	ID         int64     `json:"id" db:"id"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	EventID    string    `json:"event_id" db:"event_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	Attempts   int       `json:"attempts" db:"attempts"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Success    bool      `json:"success" db:"success"`
	LastError  string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
