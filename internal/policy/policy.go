// Package policy computes the peer entries and AllowedIPs for a remote's
// generated config from its access level and the topology context. The
// engine is pure: no I/O, and the same inputs always produce the same
// plan.
package policy

import (
	"strings"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

// DefaultRoutes is the AllowedIPs of an exit peer.
var DefaultRoutes = []string{"0.0.0.0/0", "::/0"}

// Topology is the slice of fleet state the engine needs.
type Topology struct {
	// CSVPNCIDRs are the coordination server's network ranges, v4 first.
	CSVPNCIDRs []string
	// SNRLans are all advertised LAN CIDRs in subnet-router table order.
	SNRLans []string
}

// ExitLink describes the remote's exit linkage as resolved by the caller
// (a direct exit node or the group's currently active member).
type ExitLink struct {
	Attached bool
}

// Plan is the set of outgoing peer entries to emit for one remote.
type Plan struct {
	IncludeCS      bool
	CSAllowedIPs   []string
	IncludeExit    bool
	ExitAllowedIPs []string
}

// Compute builds the plan for one remote.
//
// lanSubset is the granted subset under lan_only; custom is the exact
// operator-supplied AllowedIPs under custom access.
func Compute(level model.AccessLevel, lanSubset []string, custom string, topo Topology, exit ExitLink) (Plan, error) {
	switch level {
	case model.AccessFullAccess:
		p := Plan{
			IncludeCS:    true,
			CSAllowedIPs: mergeCIDRs(topo.CSVPNCIDRs, topo.SNRLans),
		}
		if exit.Attached {
			p.IncludeExit = true
			p.ExitAllowedIPs = DefaultRoutes
		}
		return p, nil

	case model.AccessVPNOnly:
		p := Plan{
			IncludeCS:    true,
			CSAllowedIPs: mergeCIDRs(topo.CSVPNCIDRs, nil),
		}
		if exit.Attached {
			p.IncludeExit = true
			p.ExitAllowedIPs = DefaultRoutes
		}
		return p, nil

	case model.AccessLANOnly:
		return Plan{
			IncludeCS:    true,
			CSAllowedIPs: mergeCIDRs(topo.CSVPNCIDRs, lanSubset),
		}, nil

	case model.AccessCustom:
		if strings.TrimSpace(custom) == "" {
			return Plan{}, &faults.ValidationError{Field: "custom_allowed_ips",
				Msg: "custom access level requires an AllowedIPs value"}
		}
		return Plan{
			IncludeCS:    true,
			CSAllowedIPs: splitList(custom),
		}, nil

	case model.AccessExitOnly:
		if !exit.Attached {
			return Plan{}, &faults.ValidationError{Field: "exit",
				Msg: "exit_only access level requires an exit node or exit group"}
		}
		return Plan{
			IncludeExit:    true,
			ExitAllowedIPs: DefaultRoutes,
		}, nil
	}
	return Plan{}, &faults.ValidationError{Field: "access_level", Msg: "unknown access level " + string(level)}
}

// mergeCIDRs concatenates base and extra, dropping duplicates while
// keeping first-occurrence order, with default routes moved last.
func mergeCIDRs(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	var out, defaults []string
	for _, c := range append(append([]string{}, base...), extra...) {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if strings.HasSuffix(c, "/0") {
			defaults = append(defaults, c)
			continue
		}
		out = append(out, c)
	}
	return append(out, defaults...)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
