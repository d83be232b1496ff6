// Package normalize turns raw ingest bodies into records.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/tinytelemetry/spillway/internal/model"
)

// TimestampLayout is ISO-8601 with millisecond precision; UTC renders as "Z".
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Normalizer parses bodies and injects a timestamp when the producer omits one.
type Normalizer struct {
	now func() time.Time
}

// New creates a normalizer using the wall clock.
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize parses body as a single JSON object. A caller-supplied
// "timestamp" is kept verbatim, whatever its format.
func (n *Normalizer) Normalize(body []byte) (model.Record, error) {
	if len(body) == 0 {
		return nil, model.ErrMissingBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, model.ErrMalformedJSON
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, model.ErrMalformedJSON
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, model.ErrMalformedJSON
	}

	if _, ok := obj[model.TimestampField]; !ok {
		obj[model.TimestampField] = n.now().UTC().Format(TimestampLayout)
	}
	return model.Record(obj), nil
}
