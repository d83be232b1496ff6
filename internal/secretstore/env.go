package secretstore

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Env reads the secret from an environment variable named after the secret.
// It is meant for local development where no secret service is reachable.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv creates an environment-backed fetcher.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// FetchSecret returns the value of the environment variable name.
func (e *Env) FetchSecret(_ context.Context, name string) (string, error) {
	v, ok := e.lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", unavailable(name, errors.New("environment variable not set"))
	}
	return v, nil
}
