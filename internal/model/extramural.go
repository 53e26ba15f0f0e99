package model

import "time"

// Sponsor is an external WireGuard service (commercial VPN, employer VPN)
// where the operator controls only the local side.
type Sponsor struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Website string `json:"website,omitempty" db:"website"`
}

// LocalPeer is a machine of ours that holds one or more extramural configs.
type LocalPeer struct {
	ID            int64  `json:"id" db:"id"`
	Name          string `json:"name" db:"name"`
	PermanentGUID string `json:"permanent_guid" db:"permanent_guid"`
	SSHHostID     *int64 `json:"ssh_host_id,omitempty" db:"ssh_host_id"`
}

// ExtramuralConfig is the local side of a (local peer, sponsor) pair. The
// remote endpoint is opaque: no negotiation with the sponsor happens here.
type ExtramuralConfig struct {
	ID            int64  `json:"id" db:"id"`
	LocalPeerID   int64  `json:"local_peer_id" db:"local_peer_id"`
	SponsorID     int64  `json:"sponsor_id" db:"sponsor_id"`
	PermanentGUID string `json:"permanent_guid" db:"permanent_guid"`
	PrivateKey    string `json:"-" db:"private_key"`
	PublicKey     string `json:"public_key" db:"public_key"`
	IPv4Address   string `json:"ipv4_address,omitempty" db:"ipv4_address"`
	IPv6Address   string `json:"ipv6_address,omitempty" db:"ipv6_address"`
	DNS           string `json:"dns,omitempty" db:"dns"`
	MTU           int    `json:"mtu,omitempty" db:"mtu"`
	ListenPort    int    `json:"listen_port,omitempty" db:"listen_port"`
	InterfaceName string `json:"interface_name" db:"interface_name"`
	// PendingRemoteUpdate is set after a local key rotation and cleared only
	// by explicit operator confirmation that the sponsor saw the new key.
	PendingRemoteUpdate bool       `json:"pending_remote_update" db:"pending_remote_update"`
	LastDeployedAt      *time.Time `json:"last_deployed_at,omitempty" db:"last_deployed_at"`
	LastKeyRotationAt   *time.Time `json:"last_key_rotation_at,omitempty" db:"last_key_rotation_at"`
}

// ExtramuralPeer is one sponsor endpoint of a config. Exactly one peer per
// config is active; the datastore trigger keeps that invariant.
type ExtramuralPeer struct {
	ID           int64  `json:"id" db:"id"`
	ConfigID     int64  `json:"config_id" db:"config_id"`
	Name         string `json:"name" db:"name"`
	PublicKey    string `json:"public_key" db:"public_key"`
	Endpoint     string `json:"endpoint" db:"endpoint"`
	AllowedIPs   string `json:"allowed_ips" db:"allowed_ips"`
	PresharedKey string `json:"-" db:"preshared_key"`
	Keepalive    int    `json:"keepalive,omitempty" db:"keepalive"`
	IsActive     bool   `json:"is_active" db:"is_active"`
}
