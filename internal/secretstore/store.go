// Package secretstore fetches the shared ingest secret from an external store.
package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinytelemetry/spillway/internal/model"
)

// Fetcher retrieves one named secret. Every failure wraps
// model.ErrSecretUnavailable.
type Fetcher interface {
	FetchSecret(ctx context.Context, name string) (string, error)
}

func unavailable(name string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %q", model.ErrSecretUnavailable, name)
	}
	return fmt.Errorf("%w: %q: %v", model.ErrSecretUnavailable, name, err)
}

// extractJSONKey returns the string field key of a JSON-object secret.
// An empty key returns raw unchanged.
func extractJSONKey(raw, key string) (string, error) {
	if key == "" {
		return raw, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret is not a JSON object")
	}
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("secret has no field %q", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("secret field %q is not a non-empty string", key)
	}
	return s, nil
}
