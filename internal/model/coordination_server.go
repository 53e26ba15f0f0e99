package model

import "time"

// CoordinationServer is the public hub of the topology. Exactly one exists
// per datastore in the default topology.
type CoordinationServer struct {
	ID            int64     `json:"id" db:"id"`
	Hostname      string    `json:"hostname" db:"hostname"`
	Endpoint      string    `json:"endpoint" db:"endpoint"`
	IPv4CIDR      string    `json:"ipv4_cidr,omitempty" db:"ipv4_cidr"`
	IPv6CIDR      string    `json:"ipv6_cidr,omitempty" db:"ipv6_cidr"`
	VPNIPv4       string    `json:"vpn_ipv4,omitempty" db:"vpn_ipv4"`
	VPNIPv6       string    `json:"vpn_ipv6,omitempty" db:"vpn_ipv6"`
	PrivateKey    string    `json:"-" db:"private_key"`
	PublicKey     string    `json:"public_key" db:"public_key"`
	PermanentGUID string    `json:"permanent_guid" db:"permanent_guid"`
	ListenPort    int       `json:"listen_port" db:"listen_port"`
	MTU           int       `json:"mtu,omitempty" db:"mtu"`
	SSHHostID     *int64    `json:"ssh_host_id,omitempty" db:"ssh_host_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// OrderedPeer is one entry in a coordination server's persisted peer order.
type OrderedPeer struct {
	CSID     int64  `json:"cs_id" db:"cs_id"`
	PeerType string `json:"peer_type" db:"peer_type"`
	PeerID   int64  `json:"peer_id" db:"peer_id"`
	Position int    `json:"position" db:"position"`
}
