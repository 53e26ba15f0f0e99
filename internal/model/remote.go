package model

import "time"

// Remote is a client peer (laptop, phone) with no advertised LAN. A
// provisional remote is known only by its public key until its client
// config is supplied, so PrivateKey may be empty.
type Remote struct {
	ID            int64       `json:"id" db:"id"`
	CSID          int64       `json:"cs_id" db:"cs_id"`
	Hostname      string      `json:"hostname" db:"hostname"`
	VPNIPv4       string      `json:"vpn_ipv4,omitempty" db:"vpn_ipv4"`
	VPNIPv6       string      `json:"vpn_ipv6,omitempty" db:"vpn_ipv6"`
	PrivateKey    string      `json:"-" db:"private_key"`
	PublicKey     string      `json:"public_key" db:"public_key"`
	PermanentGUID string      `json:"permanent_guid" db:"permanent_guid"`
	AccessLevel   AccessLevel `json:"access_level" db:"access_level"`
	// LANAllowed is the subset of advertised LAN CIDRs granted under
	// lan_only access.
	LANAllowed []string `json:"lan_allowed,omitempty" db:"lan_allowed"`
	// CustomAllowedIPs is the operator-supplied exact AllowedIPs value used
	// under custom access.
	CustomAllowedIPs string     `json:"custom_allowed_ips,omitempty" db:"custom_allowed_ips"`
	ExitNodeID       *int64     `json:"exit_node_id,omitempty" db:"exit_node_id"`
	ExitGroupID      *int64     `json:"exit_group_id,omitempty" db:"exit_group_id"`
	// ActiveExitID is the exit currently rendered into this remote's config.
	// Nil means the "no exit" sentinel: the generated config drops the exit
	// peer.
	ActiveExitID  *int64     `json:"active_exit_id,omitempty" db:"active_exit_id"`
	PresharedKey  string     `json:"-" db:"preshared_key"`
	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty" db:"last_rotated_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Provisional reports whether only the public key is known.
func (r *Remote) Provisional() bool { return r.PrivateKey == "" }
