package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixtureDataset(t *testing.T, root string) {
	t.Helper()
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
			"1614868300,L1,apache01,before anchor\n" +
			"1614868700,L2,apache01,after anchor\n",
		filepath.Join(day, "metric_container.csv"): "timestamp,cmdb_id,kpi_name,value\n" +
			"1614868400,os_021,container_cpu_used,0.4\n" +
			"1614868650,os_021,container_cpu_used,0.97\n",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func writeFixtureConfig(t *testing.T, dir, datasetRoot string) string {
	t.Helper()
	doc := "datasets:\n" +
		"  - name: bank\n" +
		"    type: openrca\n" +
		"    root: " + datasetRoot + "\n" +
		"scenario: bank/task_1\n" +
		"telemetry:\n" +
		"  enable_trace: false\n" +
		"time_mapping:\n" +
		"  mode: manual\n" +
		"  simulation_start_time: \"2024-02-09T20:19:05Z\"\n" +
		"  history_duration_seconds: 600\n" +
		"  post_fault_duration_seconds: 60\n" +
		"replay_config:\n" +
		"  speed_factor: 1000000\n"
	path := filepath.Join(dir, "replay.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunDryRunReplaysWholeScenario(t *testing.T) {
	tmp := t.TempDir()
	datasetRoot := filepath.Join(tmp, "bank")
	writeFixtureDataset(t, datasetRoot)
	configPath := writeFixtureConfig(t, tmp, datasetRoot)

	var stdout, stderr bytes.Buffer
	if err := run([]string{"-config", configPath, "-dry-run"}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v\nstderr: %s", err, stderr.String())
	}

	out := stdout.String()
	if !strings.Contains(out, `"scenario_id": "bank/task_1"`) {
		t.Fatalf("presented scenario missing from stdout:\n%s", out)
	}
	// Fault at 14:37; one record per kind before it, one after.
	if !strings.Contains(out, "phase=completed bulk_records=2 streamed=2 dropped=0") {
		t.Fatalf("summary line wrong:\n%s", out)
	}
}

func TestRunScenarioFlagOverridesConfig(t *testing.T) {
	tmp := t.TempDir()
	datasetRoot := filepath.Join(tmp, "bank")
	writeFixtureDataset(t, datasetRoot)
	configPath := writeFixtureConfig(t, tmp, datasetRoot)

	var stdout, stderr bytes.Buffer
	err := run([]string{"-config", configPath, "-scenario", "bank/task_99", "-dry-run"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "task_99") {
		t.Fatalf("want unknown-task error, got %v", err)
	}
}

func TestRunRequiresScenario(t *testing.T) {
	tmp := t.TempDir()
	datasetRoot := filepath.Join(tmp, "bank")
	writeFixtureDataset(t, datasetRoot)

	doc := "datasets:\n  - name: bank\n    type: openrca\n    root: " + datasetRoot + "\n"
	configPath := filepath.Join(tmp, "replay.yaml")
	if err := os.WriteFile(configPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	err := run([]string{"-config", configPath}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "-scenario") {
		t.Fatalf("want missing-scenario error, got %v", err)
	}
}
