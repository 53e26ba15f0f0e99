// Package failover watches exit node health and moves remotes off failing
// exits. One sequential worker drains a queue of check and force events,
// so decisions for the same group never interleave.
package failover

import (
	"context"
	"sort"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/edvin/wgfleet/internal/faults"
)

// Prober checks reachability of one exit endpoint host.
type Prober interface {
	Probe(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
}

// PingProber sends a single ICMP echo. Privileged mode uses raw sockets
// and usually needs root or CAP_NET_RAW; unprivileged mode uses UDP ping.
type PingProber struct {
	Privileged bool
}

func (p *PingProber) Probe(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, &faults.NetworkError{Op: "probe", Host: host, Err: err}
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Timeout = timeout

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, &faults.NetworkError{Op: "probe", Host: host, Err: err}
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, &faults.NetworkError{Op: "probe", Host: host,
			Err: context.DeadlineExceeded}
	}
	return stats.AvgRtt, nil
}

// latencyWindow keeps the last few round-trip samples per exit, so one
// outlier does not flap the latency strategy.
type latencyWindow struct {
	samples []float64
}

const windowSize = 5

func (w *latencyWindow) push(ms float64) {
	w.samples = append(w.samples, ms)
	if len(w.samples) > windowSize {
		w.samples = w.samples[len(w.samples)-windowSize:]
	}
}

func (w *latencyWindow) median() float64 {
	sorted := append([]float64(nil), w.samples...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
