package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/ipam"
)

// firstAddrs picks the hub's own VPN address in each configured family:
// the first usable host of the range.
func firstAddrs(v4CIDR, v6CIDR string) (v4, v6 string, err error) {
	if v4CIDR != "" {
		a, err := ipam.NextFree(v4CIDR, nil, nil)
		if err != nil {
			return "", "", err
		}
		v4 = a.String()
	}
	if v6CIDR != "" {
		a, err := ipam.NextFree(v6CIDR, nil, nil)
		if err != nil {
			return "", "", err
		}
		v6 = a.String()
	}
	return v4, v6, nil
}

// takenAddrs collects every VPN address in use across the topology, both
// families mixed. The allocator ignores addresses outside the range it is
// filling.
func takenAddrs(ctx context.Context, q db.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT vpn_ipv4, vpn_ipv6 FROM coordination_servers
		UNION ALL SELECT vpn_ipv4, vpn_ipv6 FROM subnet_routers
		UNION ALL SELECT vpn_ipv4, vpn_ipv6 FROM remotes
		UNION ALL SELECT vpn_ipv4, vpn_ipv6 FROM exit_nodes`)
	if err != nil {
		return nil, fmt.Errorf("collect taken addresses: %w", err)
	}
	return scanAddrRows(rows)
}

// kindAddrs collects the addresses one peer table already holds; the
// lowest of them anchors that kind's allocation block.
func kindAddrs(ctx context.Context, q db.Querier, table string) ([]string, error) {
	switch table {
	case "subnet_routers", "remotes", "exit_nodes":
	default:
		return nil, fmt.Errorf("no address block for table %q", table)
	}
	rows, err := q.QueryContext(ctx, `SELECT vpn_ipv4, vpn_ipv6 FROM `+table)
	if err != nil {
		return nil, fmt.Errorf("collect %s addresses: %w", table, err)
	}
	return scanAddrRows(rows)
}

func scanAddrRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v4, v6 string
		if err := rows.Scan(&v4, &v6); err != nil {
			return nil, fmt.Errorf("scan taken address: %w", err)
		}
		if v4 != "" {
			out = append(out, v4)
		}
		if v6 != "" {
			out = append(out, v6)
		}
	}
	return out, rows.Err()
}

// allocateAddrs assigns the next free address in each family the hub
// serves, gap-filling within the block of the peer's own table. It must
// run on the transaction that inserts the peer, so two concurrent adds
// cannot pick the same address.
func allocateAddrs(ctx context.Context, q db.Querier, table, v4CIDR, v6CIDR string) (v4, v6 string, err error) {
	taken, err := takenAddrs(ctx, q)
	if err != nil {
		return "", "", err
	}
	kind, err := kindAddrs(ctx, q, table)
	if err != nil {
		return "", "", err
	}
	if v4CIDR != "" {
		a, err := ipam.NextFree(v4CIDR, taken, kind)
		if err != nil {
			return "", "", err
		}
		v4 = a.String()
	}
	if v6CIDR != "" {
		a, err := ipam.NextFree(v6CIDR, taken, kind)
		if err != nil {
			return "", "", err
		}
		v6 = a.String()
	}
	return v4, v6, nil
}
