package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlas/incident-replay-engine/api/evaluation"
	"github.com/atlas/incident-replay-engine/internal/config"
	"github.com/atlas/incident-replay-engine/internal/dataset/bootstrap"
	"github.com/atlas/incident-replay-engine/internal/evaluate"
	"github.com/atlas/incident-replay-engine/internal/scenario"
	"github.com/atlas/incident-replay-engine/internal/timebase"
	core "github.com/atlas/incident-replay-engine/pkg/contracts/v1/core"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ire-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}
	switch args[0] {
	case "scenarios":
		return runScenarios(args[1:], stdout)
	case "validate-submission":
		return runValidateSubmission(args[1:], stdout)
	case "score":
		return runScore(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "ire-cli usage:")
	_, _ = fmt.Fprintln(w, "  ire-cli scenarios [config_path]")
	_, _ = fmt.Fprintln(w, "  ire-cli validate-submission <submission_path>")
	_, _ = fmt.Fprintln(w, "  ire-cli score <config_path> <scenario_id> <submission_path> [report_path]")
}

func runScenarios(args []string, stdout io.Writer) error {
	configPath := "replay.yaml"
	if len(args) >= 1 {
		configPath = args[0]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	catalog, err := bootstrap.BuildCatalog(cfg.DatasetSpecs())
	if err != nil {
		return err
	}
	ids, err := scenario.NewSelector(catalog).List(context.Background())
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, task, _ := strings.Cut(id, "/")
		_, _ = fmt.Fprintf(stdout, "%s\t%s\n", id, evaluate.Difficulty(task))
	}
	_, _ = fmt.Fprintf(stdout, "ire-cli: %d scenario(s) across %d dataset(s)\n", len(ids), catalog.Len())
	return nil
}

func runValidateSubmission(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("validate-submission requires a submission file")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read submission %s: %w", args[0], err)
	}

	schema, err := core.CompileSubmissionSchema()
	if err != nil {
		return err
	}
	if err := core.ValidateSubmission(schema, raw); err != nil {
		_, _ = fmt.Fprintf(stdout, "submission invalid: %s\n", args[0])
		for _, issue := range core.ValidationIssues(err) {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
		}
		return fmt.Errorf("submission %s failed validation", args[0])
	}

	sub, err := evaluate.ParseSubmission(raw)
	if err != nil {
		return fmt.Errorf("submission %s: %w", args[0], err)
	}
	_, _ = fmt.Fprintf(stdout, "submission valid: %d fault prediction(s)\n", len(sub))
	return nil
}

type scoreArtifact struct {
	GeneratedAtUTC string            `json:"generated_at_utc"`
	Difficulty     string            `json:"difficulty"`
	Report         evaluation.Report `json:"report"`
}

func runScore(args []string, stdout io.Writer) error {
	if len(args) < 3 {
		return fmt.Errorf("score requires <config_path> <scenario_id> <submission_path>")
	}
	configPath, scenarioID, submissionPath := args[0], args[1], args[2]
	reportPath := filepath.Join("reports", "score-report.json")
	if len(args) >= 4 {
		reportPath = args[3]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	catalog, err := bootstrap.BuildCatalog(cfg.DatasetSpecs())
	if err != nil {
		return err
	}
	scn, err := scenario.NewSelector(catalog).Resolve(context.Background(), scenarioID)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(submissionPath)
	if err != nil {
		return fmt.Errorf("read submission %s: %w", submissionPath, err)
	}

	report := evaluate.ScoreSubmission(gradingPoints(cfg, scn), raw)
	report.ScenarioID = scn.ID
	report.TaskID = scn.TaskID

	artifact := scoreArtifact{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339),
		Difficulty:     scn.Difficulty,
		Report:         report,
	}
	if err := writeJSONArtifact(reportPath, artifact); err != nil {
		return err
	}
	summaryPath := strings.TrimSuffix(reportPath, filepath.Ext(reportPath)) + ".md"
	if err := os.WriteFile(summaryPath, []byte(renderScoreSummary(artifact)), 0o644); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "score report written: %s\n", reportPath)
	_, _ = fmt.Fprintf(stdout, "score summary written: %s\n", summaryPath)
	_, _ = fmt.Fprintf(stdout, "ire-cli score: scenario=%s score=%.2f matched=%d/%d\n",
		report.ScenarioID, report.Score, report.Matched, report.Graded)
	return nil
}

// gradingPoints translates scoring point time expectations onto the
// simulation timeline when the config pins it down. A manual simulation
// start makes the mapping reproducible offline; anything else grades in
// dataset time.
func gradingPoints(cfg config.Config, scn *scenario.Scenario) []evaluation.ScoringPoint {
	anchorCfg, err := cfg.TimeMapping.AnchorConfig()
	if err != nil || anchorCfg.Mode != timebase.ModeManual {
		return scn.Points
	}
	mapping, err := timebase.NewResolver().Resolve(anchorCfg, scn.AnchorSource(0))
	if err != nil {
		return scn.Points
	}
	return scn.Present(mapping).Points
}

func renderScoreSummary(artifact scoreArtifact) string {
	report := artifact.Report
	lines := []string{
		"# Scenario Evaluation Report",
		"",
		"Generated at (UTC): " + artifact.GeneratedAtUTC,
		"Scenario: " + report.ScenarioID,
		"Difficulty: " + artifact.Difficulty,
		fmt.Sprintf("Score: %.2f", report.Score),
		fmt.Sprintf("Matched: %d of %d graded point(s)", report.Matched, report.Graded),
	}
	if len(report.Passing) > 0 {
		lines = append(lines, "", "## Passing")
		for _, p := range report.Passing {
			lines = append(lines, "- "+p)
		}
	}
	if len(report.Failing) > 0 {
		lines = append(lines, "", "## Failing")
		for _, f := range report.Failing {
			lines = append(lines, "- "+f)
		}
	}
	if report.Graded > 0 && report.Matched == report.Graded {
		lines = append(lines, "", "Status: PASS")
	} else {
		lines = append(lines, "", "Status: FAIL")
	}
	return strings.Join(lines, "\n") + "\n"
}

func writeJSONArtifact(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}
