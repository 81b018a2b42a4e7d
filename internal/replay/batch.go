package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

// batchManifest identifies one bulk batch. Two runs over the same window
// slice produce the same manifest, so the derived key is stable across
// restarts.
type batchManifest struct {
	Scenario string  `json:"scenario"`
	Kind     string  `json:"kind"`
	Seq      int     `json:"seq"`
	FirstTS  float64 `json:"first_ts"`
	LastTS   float64 `json:"last_ts"`
	Count    int     `json:"count"`
}

// BatchKey derives the idempotency key for a bulk batch: SHA-256 over the
// RFC 8785 canonical JSON of the batch manifest.
func BatchKey(scenarioID string, kind telemetry.RecordKind, seq int, batch []telemetry.Record) (string, error) {
	if len(batch) == 0 {
		return "", fmt.Errorf("replay: batch key over empty batch")
	}
	manifest := batchManifest{
		Scenario: scenarioID,
		Kind:     string(kind),
		Seq:      seq,
		FirstTS:  batch[0].Timestamp,
		LastTS:   batch[len(batch)-1].Timestamp,
		Count:    len(batch),
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("replay: encode batch manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("replay: canonicalize batch manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
