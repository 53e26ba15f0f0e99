// wgfleet-api runs the long-lived control plane: the read-only HTTP API,
// the exit health prober with automatic failover, webhook alerting and
// Prometheus metrics, all over the same datastore the CLI manages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/wgfleet/internal/alert"
	"github.com/edvin/wgfleet/internal/api"
	"github.com/edvin/wgfleet/internal/config"
	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/failover"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/logging"
	"github.com/edvin/wgfleet/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := db.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open datastore")
	}
	defer d.Close()
	if err := db.Migrate(d); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	secrets, err := core.LoadSecrets(ctx, d, cfg.Passphrase)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to unlock datastore")
	}

	writer := db.NewWriter(d)
	defer writer.Close()
	bus := journal.NewBus(logger)
	defer bus.Close()

	c := core.New(d, writer, secrets, bus, logger)
	c.Operator = cfg.Operator

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewFleetCollector(c, logger))

	srv := api.NewServer(c, logger, reg)

	prober := &failover.PingProber{Privileged: cfg.ProbePrivileged}
	ctrl := failover.New(c, prober, logger, reg)

	var dispatcher *alert.Dispatcher
	if cfg.AlertRulesPath != "" {
		rules, err := alert.LoadRules(cfg.AlertRulesPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AlertRulesPath).Msg("failed to load alert rules")
		}
		dispatcher = alert.NewDispatcher(c, rules, logger)
		dispatcher.Start(ctx, bus)
		logger.Info().Int("webhooks", len(rules.Webhooks)).Msg("alerting enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPListenAddr) })
	g.Go(func() error {
		ctrl.Run(gctx)
		return nil
	})
	if cfg.MetricsListenAddr != "" {
		msrv := metrics.NewServer(cfg.MetricsListenAddr, reg)
		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- msrv.ListenAndServe() }()
			select {
			case err := <-errCh:
				return err
			case <-gctx.Done():
				return msrv.Close()
			}
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	logger.Info().Msg("shut down")
}
