// Package auth validates the credential presented with each ingest request.
package auth

import (
	"context"
	"crypto/subtle"
)

// Decision is the outcome of one credential check.
type Decision int

const (
	Unauthorized Decision = iota // no credential presented
	Forbidden                    // credential does not match the secret
	Allowed
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Forbidden:
		return "forbidden"
	default:
		return "unauthorized"
	}
}

// SecretSource yields the current shared secret.
type SecretSource interface {
	Get(ctx context.Context) (string, error)
}

// Gate compares presented credentials against the shared secret.
type Gate struct {
	secrets SecretSource
}

// NewGate creates a gate backed by secrets.
func NewGate(secrets SecretSource) *Gate {
	return &Gate{secrets: secrets}
}

// Authenticate checks presented against the current secret. A non-nil error
// means the secret could not be obtained; the Decision is then meaningless
// and the caller must answer with an internal error, not Forbidden.
func (g *Gate) Authenticate(ctx context.Context, presented string) (Decision, error) {
	if presented == "" {
		return Unauthorized, nil
	}
	secret, err := g.secrets.Get(ctx)
	if err != nil {
		return Unauthorized, err
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return Forbidden, nil
	}
	return Allowed, nil
}
