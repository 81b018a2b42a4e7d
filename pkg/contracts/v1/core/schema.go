package core

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed submission.schema.json
var submissionSchemaJSON []byte

const submissionSchemaURL = "https://atlas.dev/incident-replay-engine/contracts/v1/submission.schema.json"

// SubmissionSchemaJSON returns the embedded schema document.
func SubmissionSchemaJSON() []byte {
	out := make([]byte, len(submissionSchemaJSON))
	copy(out, submissionSchemaJSON)
	return out
}

// CompileSubmissionSchema compiles the embedded submission schema.
func CompileSubmissionSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(submissionSchemaURL, bytes.NewReader(submissionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add submission schema resource: %w", err)
	}
	schema, err := compiler.Compile(submissionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	return schema, nil
}

// ValidateSubmission checks a raw submission document against the schema.
func ValidateSubmission(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("submission is not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// ValidationIssues flattens a validation failure into one message per
// violated location. Nil for a nil error.
func ValidationIssues(err error) []string {
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	basic := ve.BasicOutput()
	var out []string
	for _, unit := range basic.Errors {
		if unit.Error == "" {
			continue
		}
		loc := unit.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, fmt.Sprintf("%s: %s", loc, unit.Error))
	}
	return out
}
