package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tinytelemetry/spillway/internal/model"
)

func fixedNormalizer() *Normalizer {
	return &Normalizer{now: func() time.Time {
		return time.Date(2024, 3, 5, 7, 8, 9, 123456789, time.FixedZone("CET", 3600))
	}}
}

func TestNormalize_InjectsTimestamp(t *testing.T) {
	t.Parallel()

	rec, err := fixedNormalizer().Normalize([]byte(`{"value":42}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	ts, _ := rec[model.TimestampField].(string)
	if ts != "2024-03-05T06:08:09.123Z" {
		t.Fatalf("timestamp = %q, want 2024-03-05T06:08:09.123Z", ts)
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Fatalf("timestamp %q is not ISO-8601: %v", ts, err)
	}
	if v, ok := rec["value"].(json.Number); !ok || v.String() != "42" {
		t.Fatalf("value = %#v, want json.Number(42)", rec["value"])
	}
}

func TestNormalize_KeepsProducerTimestamp(t *testing.T) {
	t.Parallel()

	tests := []string{
		`{"value":42,"timestamp":"2020-01-01T00:00:00.000Z"}`,
		`{"timestamp":"yesterday"}`,
		`{"timestamp":1700000000}`,
		`{"timestamp":null}`,
	}
	for _, body := range tests {
		rec, err := fixedNormalizer().Normalize([]byte(body))
		if err != nil {
			t.Fatalf("Normalize(%s): %v", body, err)
		}
		var want map[string]any
		if err := json.Unmarshal([]byte(body), &want); err != nil {
			t.Fatal(err)
		}
		gotTS, _ := json.Marshal(rec[model.TimestampField])
		wantTS, _ := json.Marshal(want[model.TimestampField])
		if string(gotTS) != string(wantTS) {
			t.Fatalf("Normalize(%s) timestamp = %s, want %s", body, gotTS, wantTS)
		}
	}
}

func TestNormalize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body []byte
		want error
	}{
		{name: "nil", body: nil, want: model.ErrMissingBody},
		{name: "empty", body: []byte{}, want: model.ErrMissingBody},
		{name: "garbage", body: []byte("not json"), want: model.ErrMalformedJSON},
		{name: "truncated", body: []byte(`{"a":`), want: model.ErrMalformedJSON},
		{name: "array", body: []byte(`[1,2]`), want: model.ErrMalformedJSON},
		{name: "scalar", body: []byte(`42`), want: model.ErrMalformedJSON},
		{name: "string", body: []byte(`"x"`), want: model.ErrMalformedJSON},
		{name: "null", body: []byte(`null`), want: model.ErrMalformedJSON},
		{name: "trailing", body: []byte(`{"a":1}{"b":2}`), want: model.ErrMalformedJSON},
		{name: "whitespace", body: []byte("   "), want: model.ErrMalformedJSON},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := fixedNormalizer().Normalize(tt.body)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNormalize_TrailingWhitespaceAccepted(t *testing.T) {
	t.Parallel()

	if _, err := fixedNormalizer().Normalize([]byte("{\"a\":1}\n")); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
}

func TestNormalize_EncodeRoundTrip(t *testing.T) {
	t.Parallel()

	rec, err := fixedNormalizer().Normalize([]byte(`{"big":12345678901234567890,"f":1.50,"s":"<b>"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	line, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"big":12345678901234567890,"f":1.50,"s":"<b>","timestamp":"2024-03-05T06:08:09.123Z"}` + "\n"
	if string(line) != want {
		t.Fatalf("encoded = %q, want %q", line, want)
	}
}
