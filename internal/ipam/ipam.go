// Package ipam allocates VPN addresses inside a coordination server's
// network ranges. Each peer kind owns a block of the range: allocation
// gap-fills at or above the kind's lowest existing address, so a removed
// peer's address is reused but the addresses below the block stay
// reserved for the other kinds.
package ipam

import (
	"fmt"
	"net/netip"
	"strings"
)

// NextFree returns the lowest free host address in cidr at or above the
// caller's allocation block. taken holds every address in use across the
// topology; kind holds the subset held by peers of the same kind, whose
// lowest in-range address anchors the block. A kind with no addresses
// yet starts at the first host after the network address. For IPv4 the
// network and broadcast addresses are never handed out.
func NextFree(cidr string, taken, kind []string) (netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse network cidr %q: %w", cidr, err)
	}
	prefix = prefix.Masked()

	used := make(map[netip.Addr]struct{}, len(taken))
	for _, t := range taken {
		a, err := parseTaken(t)
		if err != nil {
			continue // foreign entries in the table do not block allocation
		}
		used[a] = struct{}{}
	}

	start := prefix.Addr().Next()
	if floor := blockFloor(prefix, kind); floor.IsValid() {
		start = floor
	}

	var last netip.Addr
	if prefix.Addr().Is4() {
		last = broadcast4(prefix)
	}

	for a := start; prefix.Contains(a); a = a.Next() {
		if a.Is4() && a == last {
			break
		}
		if _, ok := used[a]; !ok {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("network %s exhausted", prefix)
}

// blockFloor is the lowest in-range address the kind already holds, or
// the zero Addr when the kind has none.
func blockFloor(prefix netip.Prefix, kind []string) netip.Addr {
	var floor netip.Addr
	for _, k := range kind {
		a, err := parseTaken(k)
		if err != nil || !prefix.Contains(a) {
			continue
		}
		if !floor.IsValid() || a.Less(floor) {
			floor = a
		}
	}
	return floor
}

// parseTaken accepts both bare addresses and /32-/128 style suffixed
// entries, which is how peer addresses are stored.
func parseTaken(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, err
		}
		return p.Addr(), nil
	}
	return netip.ParseAddr(s)
}

func broadcast4(p netip.Prefix) netip.Addr {
	a4 := p.Addr().As4()
	bits := p.Bits()
	for i := 0; i < 4; i++ {
		hostBits := 8 * (i + 1)
		if 32-bits >= hostBits {
			a4[3-i] = 0xff
		} else if rem := 32 - bits - 8*i; rem > 0 {
			a4[3-i] |= byte((1 << rem) - 1)
		}
	}
	return netip.AddrFrom4(a4)
}

// HostPrefix renders a as a single-host CIDR (/32 or /128).
func HostPrefix(a netip.Addr) string {
	if a.Is4() {
		return a.String() + "/32"
	}
	return a.String() + "/128"
}
