// Package delivery writes sealed segments to a durable object store with
// bounded retries.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/tinytelemetry/spillway/internal/buffer"
	"github.com/tinytelemetry/spillway/internal/metrics"
	"github.com/tinytelemetry/spillway/internal/model"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second

	contentTypeJSONL = "application/x-ndjson"
)

// Config holds delivery parameters.
type Config struct {
	Channel        string
	Prefix         string
	Compression    string // "none" or "gzip"
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Sink implements buffer.Deliverer on top of an object store.
type Sink struct {
	store model.ObjectPutter
	cfg   Config
}

// NewSink creates a sink writing to store.
func NewSink(store model.ObjectPutter, conf ...Config) *Sink {
	var cfg Config
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.Channel == "" {
		cfg.Channel = model.DefaultDeliveryChannel
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Sink{store: store, cfg: cfg}
}

// Channel returns the delivery channel objects are written under.
func (s *Sink) Channel() string { return s.cfg.Channel }

// Write delivers seg as a single object. Transient store errors are retried
// with exponential backoff up to MaxAttempts; any other error fails at once.
// When retries run out the returned error wraps model.ErrDeliveryExhausted.
func (s *Sink) Write(ctx context.Context, seg *buffer.Segment) error {
	obj, err := s.object(seg)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := s.store.PutObject(ctx, obj)
		switch {
		case err == nil:
			metrics.DeliveryAttemptsTotal.WithLabelValues("ok").Inc()
			return struct{}{}, nil
		case model.IsTransient(err):
			metrics.DeliveryAttemptsTotal.WithLabelValues("transient").Inc()
			return struct{}{}, err
		default:
			metrics.DeliveryAttemptsTotal.WithLabelValues("permanent").Inc()
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("delivery: put %s failed (attempt %d/%d), retrying in %s: %v",
				obj.Key, attempts, s.cfg.MaxAttempts, next.Round(time.Millisecond), err)
		}),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("put %s: %w", obj.Key, err)
	}
	if model.IsTransient(err) {
		return fmt.Errorf("put %s: %w after %d attempts: %w", obj.Key, model.ErrDeliveryExhausted, attempts, err)
	}
	return fmt.Errorf("put %s: %w", obj.Key, err)
}

func (s *Sink) object(seg *buffer.Segment) (model.Object, error) {
	body := seg.Payload()
	obj := model.Object{
		Key:         ObjectKey(s.cfg.Prefix, s.cfg.Channel, seg.SealedAt, seg.ID, s.cfg.Compression),
		ContentType: contentTypeJSONL,
		Metadata: map[string]string{
			"channel":      s.cfg.Channel,
			"segment-id":   seg.ID,
			"record-count": strconv.Itoa(seg.RecordCount()),
			"opened-at":    seg.OpenedAt.UTC().Format(time.RFC3339Nano),
			"sealed-at":    seg.SealedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	if s.cfg.Compression == CompressionGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return model.Object{}, fmt.Errorf("compress segment %s: %w", seg.ID, err)
		}
		if err := zw.Close(); err != nil {
			return model.Object{}, fmt.Errorf("compress segment %s: %w", seg.ID, err)
		}
		body = buf.Bytes()
		obj.ContentEncoding = CompressionGzip
	}
	obj.Body = body
	return obj, nil
}
