package duckdb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tinytelemetry/spillway/internal/model"
	"github.com/tinytelemetry/spillway/internal/tiering"
)

// ErrNotFound is returned by GetObject for unknown keys.
var ErrNotFound = model.ErrObjectNotFound

// PutObject stores obj under its key, replacing any previous object with the
// same key. Write conflicts are reported as transient.
func (s *Store) PutObject(ctx context.Context, obj model.Object) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	meta, err := json.Marshal(obj.Metadata)
	if err != nil {
		return fmt.Errorf("duckdb: encode metadata for %s: %w", obj.Key, err)
	}
	records := recordCount(obj)
	channel := obj.Metadata["channel"]
	if channel == "" {
		channel, _, _ = strings.Cut(obj.Key, "/")
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO objects
		(key, channel, body, content_type, content_encoding, metadata, storage_class, size_bytes, record_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Key, channel, obj.Body, obj.ContentType, obj.ContentEncoding, string(meta),
		tiering.ClassStandard, int64(len(obj.Body)), records, s.now().UTC(),
	)
	if err != nil {
		err = fmt.Errorf("duckdb: put %s: %w", obj.Key, err)
		if isConflict(err) {
			return model.Transient(err)
		}
		return err
	}
	return nil
}

// recordCount prefers the record-count metadata written by the delivery sink
// and falls back to counting separators in the (decompressed) body.
func recordCount(obj model.Object) int {
	if raw, ok := obj.Metadata["record-count"]; ok {
		n, err := strconv.Atoi(raw)
		if err == nil {
			return n
		}
		log.Printf("duckdb: object %s has unreadable record-count %q: %v", obj.Key, raw, err)
	}

	body := obj.Body
	if obj.ContentEncoding == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(obj.Body))
		if err != nil {
			log.Printf("duckdb: object %s: open gzip body: %v", obj.Key, err)
			return 0
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			log.Printf("duckdb: object %s: read gzip body: %v", obj.Key, err)
			return 0
		}
	}
	return bytes.Count(body, []byte{model.RecordSeparator})
}

func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Conflict") || strings.Contains(msg, "conflict")
}

// GetObject returns the stored object for key.
func (s *Store) GetObject(ctx context.Context, key string) (model.Object, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var (
		obj      model.Object
		ctype    sql.NullString
		encoding sql.NullString
		meta     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, body, content_type, content_encoding, metadata FROM objects WHERE key = ?`, key,
	).Scan(&obj.Key, &obj.Body, &ctype, &encoding, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("duckdb: get %s: %w", key, err)
	}
	obj.ContentType = ctype.String
	obj.ContentEncoding = encoding.String
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &obj.Metadata); err != nil {
			return model.Object{}, fmt.Errorf("duckdb: decode metadata for %s: %w", key, err)
		}
	}
	return obj, nil
}

// ObjectCount returns the number of stored objects.
func (s *Store) ObjectCount(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count objects: %w", err)
	}
	return n, nil
}

// ListObjects returns up to limit objects, oldest first. An empty channel
// lists every channel.
func (s *Store) ListObjects(ctx context.Context, channel string, limit int) ([]model.ObjectInfo, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT key, channel, content_encoding, storage_class, size_bytes, record_count, created_at FROM objects`
	args := []any{}
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY created_at, key LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdb: list objects: %w", err)
	}
	defer rows.Close()

	var out []model.ObjectInfo
	for rows.Next() {
		var (
			info     model.ObjectInfo
			encoding sql.NullString
		)
		if err := rows.Scan(&info.Key, &info.Channel, &encoding, &info.StorageClass,
			&info.SizeBytes, &info.RecordCount, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan object: %w", err)
		}
		info.ContentEncoding = encoding.String
		out = append(out, info)
	}
	return out, rows.Err()
}

// TransitionOlderThan moves objects created before cutoff whose storage class
// is one of from into class to, and returns the number of objects moved.
func (s *Store) TransitionOlderThan(ctx context.Context, cutoff time.Time, to string, from []string) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, s.now().UTC(), cutoff.UTC()}
	for _, c := range from {
		args = append(args, c)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET storage_class = ?, transitioned_at = ?
		 WHERE created_at < ? AND storage_class IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("duckdb: transition to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("duckdb: transition to %s: %w", to, err)
	}
	return n, nil
}

// recordSweep appends one row to the sweep history.
func (s *Store) recordSweep(ctx context.Context, class string, n int64) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tier_sweeps (swept_at, storage_class, objects) VALUES (?, ?, ?)`,
		s.now().UTC(), class, n,
	)
	return err
}
