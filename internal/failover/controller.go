package failover

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/wgfleet/internal/core"
)

// maxConcurrentProbes bounds the probe pool per check round.
const maxConcurrentProbes = 4

type task struct {
	groupID int64
	reason  string
}

// Controller is the sequential failover worker. Scheduled checks and
// operator triggers share one queue; a single goroutine drains it.
type Controller struct {
	core   *core.Core
	prober Prober
	logger zerolog.Logger

	// OnChange runs after a committed reassignment, for regeneration and
	// deploy. Fire and report: an error is logged, never rolled back.
	OnChange func(ctx context.Context) error

	queue   chan task
	windows map[int64]*latencyWindow
	lastRun map[int64]time.Time

	mu sync.Mutex // guards windows

	checksTotal    *prometheus.CounterVec
	failoversTotal prometheus.Counter
}

// New builds a controller. Metrics register on reg.
func New(c *core.Core, prober Prober, logger zerolog.Logger, reg prometheus.Registerer) *Controller {
	return &Controller{
		core:    c,
		prober:  prober,
		logger:  logger.With().Str("component", "failover").Logger(),
		queue:   make(chan task, 64),
		windows: make(map[int64]*latencyWindow),
		lastRun: make(map[int64]time.Time),
		checksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wgfleet_exit_checks_total",
			Help: "Exit node health checks by result",
		}, []string{"result"}),
		failoversTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wgfleet_failovers_total",
			Help: "Remote reassignments committed by the failover controller",
		}),
	}
}

// Trigger enqueues an out-of-schedule check for a group. It never blocks:
// with a full queue the event is dropped and logged, the next scheduled
// check will cover it.
func (f *Controller) Trigger(groupID int64, reason string) {
	select {
	case f.queue <- task{groupID: groupID, reason: reason}:
	default:
		f.logger.Warn().Int64("group_id", groupID).Msg("failover queue full, trigger dropped")
	}
}

// Run drains the queue and schedules periodic checks until ctx ends.
func (f *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-f.queue:
			f.handle(ctx, t)
		case <-ticker.C:
			f.enqueueDue(ctx)
		}
	}
}

func (f *Controller) enqueueDue(ctx context.Context) {
	cs, err := f.core.GetCS(ctx)
	if err != nil {
		return
	}
	groups, err := f.core.ListExitGroups(ctx, cs.ID)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to list exit groups")
		return
	}
	now := time.Now()
	for _, g := range groups {
		interval := time.Duration(g.CheckIntervalSecs) * time.Second
		if last, ok := f.lastRun[g.ID]; ok && now.Sub(last) < interval {
			continue
		}
		f.lastRun[g.ID] = now
		f.Trigger(g.ID, "scheduled")
	}
}

func (f *Controller) handle(ctx context.Context, t task) {
	outcome, err := f.Check(ctx, t.groupID)
	if err != nil {
		f.logger.Error().Err(err).Int64("group_id", t.groupID).
			Str("reason", t.reason).Msg("health check round failed")
		return
	}
	if len(outcome.Reassigned) == 0 {
		return
	}
	f.failoversTotal.Add(float64(len(outcome.Reassigned)))
	if f.OnChange != nil {
		if err := f.OnChange(ctx); err != nil {
			f.logger.Error().Err(err).Msg("post-failover regeneration failed")
		}
	}
}

// Check probes every enabled member of a group once and applies the
// results in a single transaction.
func (f *Controller) Check(ctx context.Context, groupID int64) (*core.FailoverOutcome, error) {
	g, err := f.core.GetExitGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := f.core.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(g.CheckTimeoutSecs) * time.Second

	results := make([]core.ProbeResult, 0, len(members))
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentProbes)
	for _, m := range members {
		if !m.Enabled {
			continue
		}
		m := m
		eg.Go(func() error {
			res := f.probeMember(egCtx, m.ExitNodeID, timeout)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	outcome, err := f.core.ApplyProbes(ctx, groupID, results)
	if err != nil {
		return nil, err
	}
	for _, tr := range outcome.Transitions {
		f.logger.Info().Int64("exit_id", tr.ExitNodeID).
			Str("from", string(tr.From)).Str("to", string(tr.To)).
			Msg("exit health state changed")
	}
	for _, rec := range outcome.Reassigned {
		evt := f.logger.Info().Int64("remote_id", rec.RemoteID).
			Str("reason", rec.TriggerReason)
		if rec.ToExitID != nil {
			evt = evt.Int64("to_exit", *rec.ToExitID)
		}
		evt.Msg("remote reassigned")
	}
	return outcome, nil
}

func (f *Controller) probeMember(ctx context.Context, exitID int64, timeout time.Duration) core.ProbeResult {
	res := core.ProbeResult{ExitNodeID: exitID}

	ex, err := f.core.GetExitNodeByID(ctx, exitID)
	if err != nil {
		res.Err = err.Error()
		f.checksTotal.WithLabelValues("error").Inc()
		return res
	}
	host := ex.Endpoint
	if h, _, err := net.SplitHostPort(ex.Endpoint); err == nil {
		host = h
	}

	rtt, err := f.prober.Probe(ctx, host, timeout)
	if err != nil {
		res.Err = err.Error()
		f.checksTotal.WithLabelValues("failure").Inc()
		return res
	}

	f.mu.Lock()
	w := f.windows[exitID]
	if w == nil {
		w = &latencyWindow{}
		f.windows[exitID] = w
	}
	w.push(float64(rtt) / float64(time.Millisecond))
	med := w.median()
	f.mu.Unlock()

	res.Success = true
	res.LatencyMs = &med
	f.checksTotal.WithLabelValues("success").Inc()
	return res
}
