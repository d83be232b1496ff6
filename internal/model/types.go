package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TimestampField is the reserved record field filled in at ingest when absent.
const TimestampField = "timestamp"

// RecordSeparator terminates every serialized record in a segment payload.
const RecordSeparator = '\n'

// Record is one normalized ingest event: a JSON object whose "timestamp"
// field is always present once it has passed through the normalizer.
// Records are treated as immutable after construction.
type Record map[string]any

// Encode serializes the record followed by RecordSeparator.
func (r Record) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode already terminates the value with '\n'.
	if err := enc.Encode(map[string]any(r)); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}
