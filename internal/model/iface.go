package model

import (
	"context"
	"time"
)

// Object is one payload handed to a durable store.
type Object struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string // empty or "gzip"
	Metadata        map[string]string
}

// ObjectPutter writes whole objects to a durable store.
// Implementations wrap retryable failures with Transient.
type ObjectPutter interface {
	PutObject(ctx context.Context, obj Object) error
}

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key             string    `json:"key"`
	Channel         string    `json:"channel"`
	ContentEncoding string    `json:"content_encoding,omitempty"`
	StorageClass    string    `json:"storage_class"`
	SizeBytes       int64     `json:"size_bytes"`
	RecordCount     int       `json:"record_count"`
	CreatedAt       time.Time `json:"created_at"`
}
