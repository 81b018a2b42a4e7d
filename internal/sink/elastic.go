package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

const (
	defaultLogBatchSize = 1000
	logTimestampLayout  = "2006-01-02T15:04:05.000Z07:00"
)

// ElasticConfig binds the log sink to an Elasticsearch endpoint.
type ElasticConfig struct {
	BaseURL   string
	Namespace string
	Timeout   time.Duration
	BatchSize int
}

func ElasticConfigFromEnv() ElasticConfig {
	return ElasticConfig{
		BaseURL:   defaultString(os.Getenv("IRE_SINK_ELASTIC_URL"), "http://localhost:9200"),
		Namespace: defaultString(os.Getenv("IRE_NAMESPACE"), "replay"),
		Timeout:   10 * time.Second,
	}
}

// Elastic delivers log records into daily logstash-style indexes named
// after the simulation-time day. Documents keep the log id as _id, so
// re-running a bulk batch overwrites rather than duplicates.
type Elastic struct {
	cfg  ElasticConfig
	http *http.Client
}

func NewElastic(cfg ElasticConfig) (*Elastic, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("elastic sink: base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Namespace == "" {
		cfg.Namespace = "replay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultLogBatchSize
	}
	return &Elastic{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (e *Elastic) Kind() telemetry.RecordKind { return telemetry.KindLog }

// BulkIngest posts records through the _bulk API in NDJSON batches.
func (e *Elastic) BulkIngest(ctx context.Context, records []telemetry.Record) error {
	var buf bytes.Buffer
	count := 0

	flush := func() error {
		if count == 0 {
			return nil
		}
		if err := e.postBulk(ctx, &buf); err != nil {
			return err
		}
		buf.Reset()
		count = 0
		return nil
	}

	for _, rec := range records {
		if rec.Log == nil {
			continue
		}
		action := map[string]map[string]string{
			"index": {"_index": e.indexFor(rec.Timestamp)},
		}
		if rec.Log.LogID != "" {
			action["index"]["_id"] = rec.Log.LogID
		}
		if err := writeNDJSON(&buf, action); err != nil {
			return fmt.Errorf("elastic sink: encode action: %w", err)
		}
		if err := writeNDJSON(&buf, e.document(rec, true)); err != nil {
			return fmt.Errorf("elastic sink: encode document: %w", err)
		}
		count++
		if count >= e.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// StreamIngest indexes a single live document.
func (e *Elastic) StreamIngest(ctx context.Context, record telemetry.Record) error {
	if record.Log == nil {
		return fmt.Errorf("elastic sink: record has no log payload")
	}

	body, err := json.Marshal(e.document(record, false))
	if err != nil {
		return fmt.Errorf("elastic sink: encode document: %w", err)
	}

	index := e.indexFor(record.Timestamp)
	method := http.MethodPost
	target := fmt.Sprintf("%s/%s/_doc", e.cfg.BaseURL, url.PathEscape(index))
	if record.Log.LogID != "" {
		method = http.MethodPut
		target += "/" + url.PathEscape(record.Log.LogID)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("elastic sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("elastic sink: index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return httpStatusError("elastic sink: index", resp.StatusCode)
	}
	return nil
}

func (e *Elastic) Close(context.Context) error { return nil }

func (e *Elastic) indexFor(ts float64) string {
	day := time.Unix(int64(ts), 0).UTC().Format("2006.01.02")
	return fmt.Sprintf("logstash-%s-%s", e.cfg.Namespace, day)
}

func (e *Elastic) document(rec telemetry.Record, isHistory bool) map[string]any {
	doc := map[string]any{
		"@timestamp": rec.Time().UTC().Format(logTimestampLayout),
		"log_id":     rec.Log.LogID,
		"cmdb_id":    rec.EntityID,
		"log_level":  rec.Log.Level,
		"message":    rec.Log.Message,
		"namespace":  e.cfg.Namespace,
		"is_history": isHistory,
	}
	for k, v := range rec.Log.Tags {
		if _, taken := doc[k]; taken {
			continue
		}
		doc[k] = v
	}
	return doc
}

func (e *Elastic) postBulk(ctx context.Context, body *bytes.Buffer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/_bulk", bytes.NewReader(body.Bytes()))
	if err != nil {
		return fmt.Errorf("elastic sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("elastic sink: bulk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return httpStatusError("elastic sink: bulk", resp.StatusCode)
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("elastic sink: decode bulk response: %w", err)
	}
	if result.Errors {
		return fmt.Errorf("elastic sink: bulk reported item failures")
	}
	return nil
}

func writeNDJSON(buf *bytes.Buffer, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}
