package integration_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/config"
	"github.com/atlas/incident-replay-engine/internal/dataset"
	"github.com/atlas/incident-replay-engine/internal/dataset/bootstrap"
	"github.com/atlas/incident-replay-engine/internal/ledger"
	"github.com/atlas/incident-replay-engine/internal/replay"
	"github.com/atlas/incident-replay-engine/internal/scenario"
	"github.com/atlas/incident-replay-engine/internal/sink"
	"github.com/atlas/incident-replay-engine/internal/timebase"
)

// The bank fixture: a fault at 14:37 with one record per kind on each
// side of it, all inside the instruction's 14:30-15:00 window.
const (
	fixtureFaultTS  = 1614868620.0
	fixtureSimStart = 1707509945.0 // 2024-02-09T20:19:05Z
	fixtureOffset   = fixtureSimStart - fixtureFaultTS
)

func writeBankFixture(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "bank")
	day := filepath.Join(root, "telemetry", "2021_03_04")
	if err := os.MkdirAll(day, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(root, "query.csv"): "task_index,instruction,scoring_points\n" +
			`task_1,"Diagnose the failure on March 4, 2021, within the time range of 14:30 to 15:00.","The only predicted root cause component is apache01"` + "\n",
		filepath.Join(root, "record.csv"): "level,component,timestamp,datetime,reason\n" +
			"pod,apache01,1614868620,2021-03-04 14:37:00,cpu saturation\n",
		filepath.Join(day, "log_service.csv"): "timestamp,log_id,cmdb_id,value\n" +
			"1614868300,L1,apache01,before fault\n" +
			"1614868700,L2,apache01,after fault\n",
		filepath.Join(day, "metric_container.csv"): "timestamp,cmdb_id,kpi_name,value\n" +
			"1614868400,os_021,container_cpu_used,0.4\n" +
			"1614868650,os_021,container_cpu_used,0.97\n",
		filepath.Join(day, "trace_span.csv"): "timestamp,trace_id,span_id,parent_span_id,cmdb_id,duration\n" +
			"1614868500,T1,S1,,gateway,12.5\n" +
			"1614868710,T2,S2,,gateway,3\n",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func fixtureConfig(t *testing.T, root string, traces bool) config.Config {
	t.Helper()
	doc := "datasets:\n" +
		"  - name: bank\n" +
		"    type: openrca\n" +
		"    root: " + root + "\n" +
		"scenario: bank/task_1\n" +
		"time_mapping:\n" +
		"  mode: manual\n" +
		"  simulation_start_time: \"2024-02-09T20:19:05Z\"\n" +
		"  history_duration_seconds: 600\n" +
		"replay_config:\n" +
		"  speed_factor: 1000000\n"
	if !traces {
		doc += "telemetry:\n  enable_trace: false\n"
	}
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse config: %v", err)
	}
	return cfg
}

type fixtureSession struct {
	scenario *scenario.Scenario
	window   *dataset.WindowData
	mapping  timebase.Mapping
	sinks    map[telemetry.RecordKind]*sink.Memory
	session  *replay.Session
}

func buildFixtureSession(t *testing.T, cfg config.Config, store ledger.Store) *fixtureSession {
	t.Helper()
	ctx := context.Background()

	catalog, err := bootstrap.BuildCatalog(cfg.DatasetSpecs())
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	scn, err := scenario.NewSelector(catalog).Resolve(ctx, cfg.Scenario)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	adapter, _ := catalog.Adapter(scn.DatasetName)
	window, err := adapter.LoadWindow(ctx, scn.Window, cfg.Telemetry.EnabledKinds())
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}

	anchorCfg, err := cfg.TimeMapping.AnchorConfig()
	if err != nil {
		t.Fatalf("AnchorConfig: %v", err)
	}
	mapping, err := timebase.NewResolver().Resolve(anchorCfg, scn.AnchorSource(window.EarliestTimestamp()))
	if err != nil {
		t.Fatalf("Resolve mapping: %v", err)
	}

	mems := make(map[telemetry.RecordKind]*sink.Memory)
	var all []sink.Sink
	for _, kind := range cfg.Telemetry.EnabledKinds() {
		mem := sink.NewMemory(kind)
		mems[kind] = mem
		all = append(all, mem)
	}
	registry, err := sink.NewRegistry(all...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	clock, err := timebase.NewClock(time.Unix(int64(mapping.AnchorSimulation), 0).UTC(), cfg.Replay.SpeedFactor)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	clock.Start()

	session, err := replay.NewSession(replay.Config{
		ScenarioID: scn.ID,
		Mapping:    mapping,
		Clock:      clock,
		Sinks:      registry,
		Ledger:     store,
		BatchSize:  cfg.Replay.BulkBatchSize,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return &fixtureSession{scenario: scn, window: window, mapping: mapping, sinks: mems, session: session}
}

func TestAnchorExampleRemapsAndPartitions(t *testing.T) {
	t.Parallel()

	// Fault at 2021-03-04T14:57:00Z anchored to a simulation start of
	// 1707512345; a record 17 minutes earlier lands in the bulk phase.
	resolver := &timebase.Resolver{Now: func() time.Time { return time.Unix(1707512345, 0).UTC() }}
	mapping, err := resolver.Resolve(
		timebase.AnchorConfig{Mode: timebase.ModeRealtime, Strategy: timebase.StrategyFaultStart},
		timebase.AnchorSource{FaultStart: 1614841020},
	)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := mapping.Remap(1614841020); got != 1707512345 {
		t.Fatalf("remap(anchor) = %v, want 1707512345", got)
	}
	if got := mapping.Remap(1614840000); got != 1707511325 {
		t.Fatalf("remap(earlier) = %v, want 1707511325", got)
	}

	records := []telemetry.Record{
		{Kind: telemetry.KindMetric, Timestamp: 1614840000},
		{Kind: telemetry.KindMetric, Timestamp: 1614841020},
	}
	bulk, live := replay.Partition(mapping, mapping.AnchorSimulation, records)
	if len(bulk) != 1 || bulk[0].Timestamp != 1614840000 {
		t.Fatalf("bulk = %+v", bulk)
	}
	if len(live) != 1 || live[0].Timestamp != 1614841020 {
		t.Fatalf("live = %+v", live)
	}
}

func TestBankScenarioReplaysEndToEnd(t *testing.T) {
	t.Parallel()

	root := writeBankFixture(t)
	cfg := fixtureConfig(t, root, true)
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer store.Close()

	fx := buildFixtureSession(t, cfg, store)
	if err := fx.session.Run(context.Background(), *fx.window); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := fx.session.Stats()
	if stats.Phase != replay.PhaseCompleted || stats.Dropped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.BulkRecords != 3 || stats.BatchesCommitted != 3 {
		t.Fatalf("bulk stats = %+v", stats)
	}

	// Every delivered record carries a remapped timestamp.
	for kind, mem := range fx.sinks {
		records := mem.Records()
		if len(records) != 2 {
			t.Fatalf("%s records = %d, want 2", kind, len(records))
		}
		for _, rec := range records {
			if rec.Timestamp < fixtureSimStart-700 || rec.Timestamp > fixtureSimStart+700 {
				t.Fatalf("%s record not remapped: ts=%v", kind, rec.Timestamp)
			}
		}
		bulkRecords := mem.BulkRecords()
		if len(bulkRecords) != 1 {
			t.Fatalf("%s bulk records = %d, want 1", kind, len(bulkRecords))
		}
		if bulkRecords[0].Timestamp >= fixtureSimStart {
			t.Fatalf("%s bulk record at/after sim start: %v", kind, bulkRecords[0].Timestamp)
		}
		streamed := mem.Streamed()
		if len(streamed) != 1 || streamed[0].Timestamp < fixtureSimStart {
			t.Fatalf("%s streamed = %+v", kind, streamed)
		}
	}

	logRecords := fx.sinks[telemetry.KindLog].Records()
	if got := logRecords[0].Timestamp; got != 1614868300+fixtureOffset {
		t.Fatalf("log bulk remap = %v, want %v", got, 1614868300+fixtureOffset)
	}

	keys, err := store.BatchKeys(fx.scenario.ID)
	if err != nil || len(keys) != 3 {
		t.Fatalf("ledger keys = %v (%v)", keys, err)
	}
}

func TestRerunSkipsHistoryAndResumesStream(t *testing.T) {
	t.Parallel()

	root := writeBankFixture(t)
	cfg := fixtureConfig(t, root, true)
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer store.Close()

	first := buildFixtureSession(t, cfg, store)
	if err := first.session.Run(context.Background(), *first.window); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := buildFixtureSession(t, cfg, store)
	if err := second.session.Run(context.Background(), *second.window); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	stats := second.session.Stats()
	if stats.BatchesSkipped != 3 || stats.BulkRecords != 0 {
		t.Fatalf("rerun bulk stats = %+v", stats)
	}
	for kind, mem := range second.sinks {
		if mem.Total() != 0 {
			t.Fatalf("%s sink saw %d records on rerun", kind, mem.Total())
		}
	}
	for kind, n := range stats.Streamed {
		if n != 0 {
			t.Fatalf("rerun streamed %s = %d, want cursor skip", kind, n)
		}
	}
}

func TestDisabledTraceKindNeverReachesSinks(t *testing.T) {
	t.Parallel()

	root := writeBankFixture(t)
	cfg := fixtureConfig(t, root, false)
	store := ledger.NewMemory()
	defer store.Close()

	fx := buildFixtureSession(t, cfg, store)
	if _, ok := fx.sinks[telemetry.KindTrace]; ok {
		t.Fatalf("trace sink mounted despite enable_trace=false")
	}
	if len(fx.window.Traces) != 0 {
		t.Fatalf("trace records loaded: %d", len(fx.window.Traces))
	}

	if err := fx.session.Run(context.Background(), *fx.window); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := fx.session.Stats()
	if _, ok := stats.Streamed[telemetry.KindTrace]; ok {
		t.Fatalf("trace kind streamed: %+v", stats)
	}
	total := fx.sinks[telemetry.KindLog].Total() + fx.sinks[telemetry.KindMetric].Total()
	if total != 4 {
		t.Fatalf("delivered records = %d, want 4", total)
	}
}
