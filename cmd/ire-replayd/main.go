package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/config"
	"github.com/atlas/incident-replay-engine/internal/dataset"
	"github.com/atlas/incident-replay-engine/internal/dataset/bootstrap"
	"github.com/atlas/incident-replay-engine/internal/ledger"
	"github.com/atlas/incident-replay-engine/internal/observability/metrics"
	"github.com/atlas/incident-replay-engine/internal/replay"
	"github.com/atlas/incident-replay-engine/internal/scenario"
	"github.com/atlas/incident-replay-engine/internal/sink"
	"github.com/atlas/incident-replay-engine/internal/timebase"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ire-replayd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("ire-replayd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "replay.yaml", "path to replay config yaml")
	scenarioFlag := fs.String("scenario", "", "scenario id (dataset/task), overrides the config")
	dryRun := fs.Bool("dry-run", false, "deliver to in-memory sinks instead of backends")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printUsage(stdout)
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	scenarioID := cfg.Scenario
	if *scenarioFlag != "" {
		scenarioID = *scenarioFlag
	}
	if scenarioID == "" {
		return fmt.Errorf("no scenario: set scenario in %s or pass -scenario", *configPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	catalog, err := bootstrap.BuildCatalog(cfg.DatasetSpecs())
	if err != nil {
		return err
	}
	logger.Info("datasets mounted", "catalog", bootstrap.Summary(catalog))

	scn, err := scenario.NewSelector(catalog).Resolve(ctx, scenarioID)
	if err != nil {
		return err
	}
	adapter, ok := catalog.Adapter(scn.DatasetName)
	if !ok {
		return fmt.Errorf("dataset %q vanished after resolve", scn.DatasetName)
	}

	// The load window widens the incident window so the history phase and
	// the post-fault tail both have data to draw from.
	loadWindow := dataset.Window{
		Start: scn.Window.Start - cfg.TimeMapping.HistorySeconds,
		End:   scn.Window.End + cfg.TimeMapping.PostFaultSeconds,
	}
	window, err := adapter.LoadWindow(ctx, loadWindow, cfg.Telemetry.EnabledKinds())
	if err != nil {
		return err
	}
	if window.SkippedRows > 0 {
		logger.Warn("malformed rows skipped", "scenario", scn.ID, "rows", window.SkippedRows)
	}

	anchorCfg, err := cfg.TimeMapping.AnchorConfig()
	if err != nil {
		return err
	}
	mapping, err := timebase.NewResolver().Resolve(anchorCfg, scn.AnchorSource(window.EarliestTimestamp()))
	if err != nil {
		return err
	}
	logger.Info("time mapping resolved", "scenario", scn.ID, "mapping", mapping.Summary())

	clock, err := timebase.NewClock(simTime(mapping.AnchorSimulation), cfg.Replay.SpeedFactor)
	if err != nil {
		return err
	}
	clock.Start()

	sinks, err := buildSinks(cfg, *dryRun)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Replay.SinkTimeout())
		defer closeCancel()
		if err := sinks.Close(closeCtx); err != nil {
			logger.Warn("sink close failed", "err", err)
		}
	}()

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterHealthCheck("ledger", func() error {
		_, err := store.BatchKeys(scn.ID)
		return err
	})

	session, err := replay.NewSession(replay.Config{
		ScenarioID: scn.ID,
		Mapping:    mapping,
		Clock:      clock,
		Sinks:      sinks,
		Ledger:     store,
		BatchSize:  cfg.Replay.BulkBatchSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		session.Stop()
	}()

	if cfg.MetricsListen != "" {
		stopMetrics := make(chan struct{})
		defer close(stopMetrics)
		go func() {
			if err := metrics.Server(cfg.MetricsListen, stopMetrics); err != nil {
				logger.Warn("metrics server failed", "addr", cfg.MetricsListen, "err", err)
			}
		}()
	}

	// The presented scenario goes to stdout before any replay so the
	// harness can hand it to the agent while history loads.
	presented, err := json.MarshalIndent(scn.Present(mapping), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(presented))

	logger.Info("replay starting",
		"scenario", scn.ID, "records", window.Total(), "speed", cfg.Replay.SpeedFactor, "dry_run", *dryRun)
	if err := session.Run(ctx, *window); err != nil {
		return fmt.Errorf("replay %s: %w", scn.ID, err)
	}

	stats := session.Stats()
	logger.Info("replay finished",
		"scenario", scn.ID, "phase", string(stats.Phase),
		"bulk_records", stats.BulkRecords, "batches_committed", stats.BatchesCommitted,
		"batches_skipped", stats.BatchesSkipped, "dropped", stats.Dropped,
		"retries", stats.Retries, "late", stats.Late)
	fmt.Fprintf(stdout, "ire-replayd: scenario=%s phase=%s bulk_records=%d streamed=%d dropped=%d\n",
		scn.ID, stats.Phase, stats.BulkRecords, totalStreamed(stats), stats.Dropped)
	return nil
}

func buildSinks(cfg config.Config, dryRun bool) (*sink.Registry, error) {
	var sinks []sink.Sink
	for _, kind := range cfg.Telemetry.EnabledKinds() {
		if dryRun {
			sinks = append(sinks, sink.NewMemory(kind))
			continue
		}
		switch kind {
		case telemetry.KindMetric:
			s, err := sink.NewPrometheus(sink.PrometheusConfig{
				GatewayURL: cfg.Sinks.PrometheusPushgateway,
				Namespace:  cfg.Sinks.Namespace,
				Timeout:    cfg.Replay.SinkTimeout(),
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case telemetry.KindLog:
			s, err := sink.NewElastic(sink.ElasticConfig{
				BaseURL:   cfg.Sinks.Elasticsearch,
				Namespace: cfg.Sinks.Namespace,
				Timeout:   cfg.Replay.SinkTimeout(),
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case telemetry.KindTrace:
			s, err := sink.NewJaeger(sink.JaegerConfig{
				CollectorURL: cfg.Sinks.JaegerCollector,
				Namespace:    cfg.Sinks.Namespace,
				Timeout:      cfg.Replay.SinkTimeout(),
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		}
	}
	return sink.NewRegistry(sinks...)
}

func totalStreamed(stats replay.Stats) int64 {
	var total int64
	for _, n := range stats.Streamed {
		total += n
	}
	return total
}

func simTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "ire-replayd usage:")
	_, _ = fmt.Fprintln(w, "  ire-replayd -config <replay.yaml> [-scenario <dataset/task>] [-dry-run]")
}
