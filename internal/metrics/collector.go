// Package metrics exposes Prometheus instrumentation: a standalone
// /metrics server and a collector that reads fleet state on scrape.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/model"
)

const scrapeTimeout = 5 * time.Second

// FleetCollector reports fleet inventory and exit health on every scrape.
type FleetCollector struct {
	core   *core.Core
	logger zerolog.Logger

	routers     *prometheus.Desc
	remotes     *prometheus.Desc
	provisional *prometheus.Desc
	exits       *prometheus.Desc
	extramural  *prometheus.Desc
	auditHead   *prometheus.Desc
	exitState   *prometheus.Desc
	exitLatency *prometheus.Desc
}

func NewFleetCollector(c *core.Core, logger zerolog.Logger) *FleetCollector {
	return &FleetCollector{
		core:   c,
		logger: logger.With().Str("component", "metrics").Logger(),
		routers: prometheus.NewDesc("wgfleet_subnet_routers",
			"Number of subnet routers", nil, nil),
		remotes: prometheus.NewDesc("wgfleet_remotes",
			"Number of remote peers", nil, nil),
		provisional: prometheus.NewDesc("wgfleet_provisional_remotes",
			"Number of remotes known only by public key", nil, nil),
		exits: prometheus.NewDesc("wgfleet_exit_nodes",
			"Number of exit nodes", nil, nil),
		extramural: prometheus.NewDesc("wgfleet_extramural_configs",
			"Number of managed third-party configs", nil, nil),
		auditHead: prometheus.NewDesc("wgfleet_audit_head",
			"Highest audit log entry id", nil, nil),
		exitState: prometheus.NewDesc("wgfleet_exit_state",
			"Exit circuit-breaker state (0 healthy, 1 degraded, 2 failed)",
			[]string{"hostname"}, nil),
		exitLatency: prometheus.NewDesc("wgfleet_exit_latency_ms",
			"Median probe latency per exit", []string{"hostname"}, nil),
	}
}

func (f *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- f.routers
	ch <- f.remotes
	ch <- f.provisional
	ch <- f.exits
	ch <- f.extramural
	ch <- f.auditHead
	ch <- f.exitState
	ch <- f.exitLatency
}

func (f *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	st, err := f.core.Status(ctx)
	if err != nil {
		f.logger.Error().Err(err).Msg("scrape failed")
		return
	}

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	gauge(f.routers, float64(st.Routers))
	gauge(f.remotes, float64(st.Remotes))
	gauge(f.provisional, float64(st.Provisional))
	gauge(f.exits, float64(st.ExitNodes))
	gauge(f.extramural, float64(st.Extramural))
	gauge(f.auditHead, float64(st.AuditHead))

	for _, e := range st.ExitHealth {
		gauge(f.exitState, stateValue(e.State), e.Hostname)
		if e.LatencyMs != nil {
			gauge(f.exitLatency, *e.LatencyMs, e.Hostname)
		}
	}
}

func stateValue(s model.ExitState) float64 {
	switch s {
	case model.ExitDegraded:
		return 1
	case model.ExitFailed:
		return 2
	default:
		return 0
	}
}
