package model

import "time"

// ExitNode is a peer that NATs remote traffic to the Internet.
type ExitNode struct {
	ID            int64     `json:"id" db:"id"`
	CSID          int64     `json:"cs_id" db:"cs_id"`
	Hostname      string    `json:"hostname" db:"hostname"`
	Endpoint      string    `json:"endpoint" db:"endpoint"`
	ListenPort    int       `json:"listen_port" db:"listen_port"`
	VPNIPv4       string    `json:"vpn_ipv4,omitempty" db:"vpn_ipv4"`
	VPNIPv6       string    `json:"vpn_ipv6,omitempty" db:"vpn_ipv6"`
	PrivateKey    string    `json:"-" db:"private_key"`
	PublicKey     string    `json:"public_key" db:"public_key"`
	PermanentGUID string    `json:"permanent_guid" db:"permanent_guid"`
	SSHHostID     *int64    `json:"ssh_host_id,omitempty" db:"ssh_host_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ExitGroup is a named set of exit nodes with a selection strategy.
type ExitGroup struct {
	ID                 int64    `json:"id" db:"id"`
	CSID               int64    `json:"cs_id" db:"cs_id"`
	Name               string   `json:"name" db:"name"`
	Strategy           Strategy `json:"strategy" db:"strategy"`
	CheckIntervalSecs  int      `json:"check_interval_secs" db:"check_interval_secs"`
	CheckTimeoutSecs   int      `json:"check_timeout_secs" db:"check_timeout_secs"`
	// RRCursor is the round-robin position, persisted so cycling survives
	// restarts.
	RRCursor int `json:"-" db:"rr_cursor"`
}

// ExitGroupMember is one (exit node, priority, weight, enabled) row of a
// group, ordered by Position.
type ExitGroupMember struct {
	GroupID            int64 `json:"group_id" db:"group_id"`
	ExitNodeID         int64 `json:"exit_node_id" db:"exit_node_id"`
	Position           int   `json:"position" db:"position"`
	StaticPriority     int   `json:"static_priority" db:"static_priority"`
	PriorityAdjustment int   `json:"priority_adjustment" db:"priority_adjustment"`
	Weight             int   `json:"weight" db:"weight"`
	Enabled            bool  `json:"enabled" db:"enabled"`
}

// ExitHealth is the current circuit-breaker row for one exit node.
type ExitHealth struct {
	ExitNodeID           int64      `json:"exit_node_id" db:"exit_node_id"`
	State                ExitState  `json:"state" db:"state"`
	LastCheckAt          *time.Time `json:"last_check_at,omitempty" db:"last_check_at"`
	LatencyMs            *float64   `json:"latency_ms,omitempty" db:"latency_ms"`
	ConsecutiveFailures  int        `json:"consecutive_failures" db:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes" db:"consecutive_successes"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	FailureReason        string     `json:"failure_reason,omitempty" db:"failure_reason"`
}

// FailoverRecord is one append-only failover history row.
type FailoverRecord struct {
	ID            int64     `json:"id" db:"id"`
	RemoteID      int64     `json:"remote_id" db:"remote_id"`
	GroupID       int64     `json:"group_id" db:"group_id"`
	FromExitID    *int64    `json:"from_exit_id,omitempty" db:"from_exit_id"`
	ToExitID      *int64    `json:"to_exit_id,omitempty" db:"to_exit_id"`
	TriggerReason string    `json:"trigger_reason" db:"trigger_reason"`
	Success       bool      `json:"success" db:"success"`
	ErrorMessage  string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
