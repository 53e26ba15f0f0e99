package model

// AccessLevel determines what AllowedIPs the generator writes into a
// remote's peer list.
type AccessLevel string

const (
	AccessFullAccess AccessLevel = "full_access"
	AccessVPNOnly    AccessLevel = "vpn_only"
	AccessLANOnly    AccessLevel = "lan_only"
	AccessCustom     AccessLevel = "custom"
	AccessExitOnly   AccessLevel = "exit_only"
)

// Valid reports whether the access level is one of the known tags.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessFullAccess, AccessVPNOnly, AccessLANOnly, AccessCustom, AccessExitOnly:
		return true
	}
	return false
}

// ExitState is the circuit-breaker state of an exit node.
type ExitState string

const (
	ExitHealthy  ExitState = "healthy"
	ExitDegraded ExitState = "degraded"
	ExitFailed   ExitState = "failed"
)

// Strategy selects how an exit group picks its active member.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLatency    Strategy = "latency"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyPriority, StrategyRoundRobin, StrategyLatency:
		return true
	}
	return false
}

// Entity type tags used by peer ordering, command pairs, audit entries and
// rotation history.
const (
	EntityCoordinationServer = "coordination_server"
	EntitySubnetRouter       = "subnet_router"
	EntityRemote             = "remote"
	EntityExitNode           = "exit_node"
	EntityLocalPeer          = "local_peer"
	EntityExtramuralConfig   = "extramural_config"
)
