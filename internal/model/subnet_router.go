package model

import "time"

// SubnetRouter is a peer that advertises LAN prefixes into the VPN. A
// router behind CGNAT has no public endpoint; the coordination server then
// omits the Endpoint line from its peer block.
type SubnetRouter struct {
	ID            int64     `json:"id" db:"id"`
	CSID          int64     `json:"cs_id" db:"cs_id"`
	Hostname      string    `json:"hostname" db:"hostname"`
	VPNIPv4       string    `json:"vpn_ipv4,omitempty" db:"vpn_ipv4"`
	VPNIPv6       string    `json:"vpn_ipv6,omitempty" db:"vpn_ipv6"`
	PrivateKey    string    `json:"-" db:"private_key"`
	PublicKey     string    `json:"public_key" db:"public_key"`
	PermanentGUID string    `json:"permanent_guid" db:"permanent_guid"`
	Endpoint      string    `json:"endpoint,omitempty" db:"endpoint"`
	HasEndpoint   bool      `json:"has_endpoint" db:"has_endpoint"`
	LANCIDRs      []string  `json:"lan_cidrs" db:"lan_cidrs"`
	// AllowedIPs is the exact value written into the coordination server's
	// peer block for this router.
	AllowedIPs string    `json:"allowed_ips" db:"allowed_ips"`
	SSHHostID  *int64    `json:"ssh_host_id,omitempty" db:"ssh_host_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
