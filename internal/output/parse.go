// Package output pulls the result payload out of a worker's standard output.
//
// Workers print log lines, progress objects and warnings around the final
// payload. The payload is the last top-level balanced {...} object on stdout.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies a parse failure.
type Kind string

const (
	NoJSONFound         Kind = "NoJsonFound"
	MalformedJSON       Kind = "MalformedJson"
	WorkerReportedError Kind = "WorkerReportedError"
)

// ParseError is returned by Parse for every failure.
type ParseError struct {
	Kind    Kind
	Message string
	Err     error
	// Payload holds the offending object for WorkerReportedError.
	Payload json.RawMessage
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result is a successfully parsed worker payload. Data holds the worker's
// bytes exactly as printed, compacted but never re-encoded field by field.
type Result struct {
	Data json.RawMessage
}

// Field decodes a single top-level member of the payload into v.
func (r *Result) Field(name string, v any) (bool, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(r.Data, &obj); err != nil {
		return false, err
	}
	raw, ok := obj[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Parse extracts the last balanced JSON object from stdout.
func Parse(stdout string) (*Result, error) {
	candidates := Candidates(stdout)
	if len(candidates) == 0 {
		return nil, &ParseError{Kind: NoJSONFound, Message: "No JSON found in worker output"}
	}
	last := candidates[len(candidates)-1]

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(last), &obj); err != nil {
		return nil, &ParseError{Kind: MalformedJSON, Message: "Failed to parse worker output", Err: err}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(last)); err != nil {
		return nil, &ParseError{Kind: MalformedJSON, Message: "Failed to parse worker output", Err: err}
	}

	if raw, ok := obj["error"]; ok {
		if msg, failed := reportedError(raw); failed {
			return nil, &ParseError{Kind: WorkerReportedError, Message: msg, Payload: compact.Bytes()}
		}
	}
	return &Result{Data: compact.Bytes()}, nil
}

// reportedError decides whether a top-level "error" member signals failure.
// null, false and "" are how envelope-style workers say "no error".
func reportedError(raw json.RawMessage) (string, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), true
	}
	switch e := v.(type) {
	case nil:
		return "", false
	case bool:
		if !e {
			return "", false
		}
		return "Worker reported an error", true
	case string:
		if strings.TrimSpace(e) == "" {
			return "", false
		}
		return e, true
	case map[string]any:
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg, true
		}
	}
	return string(raw), true
}
