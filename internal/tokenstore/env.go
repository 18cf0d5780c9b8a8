package tokenstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// EnvStore provides read-only access to tokens injected through environment
// variables. Suitable for static token deployments managed by an external
// secret store; OAuth flows need a writable backend.
type EnvStore struct {
	prefix string
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore that resolves keys against environment
// variables named prefix + mangled key (uppercased, non-alphanumerics
// replaced with underscores).
func NewEnvStore(prefix string) (*EnvStore, error) {
	if prefix == "" {
		return nil, fmt.Errorf("environment prefix cannot be empty")
	}

	return &EnvStore{
		prefix: prefix,
	}, nil
}

// Get returns the token from the matching environment variable.
// Unset and empty variables both report ErrNotFound.
func (e *EnvStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", err
	}

	token := os.Getenv(e.envName(key))
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// Set is not supported for environment variables (they are read-only).
func (e *EnvStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable storage is read-only")
}

// envName mangles a store key into an environment variable name.
func (e *EnvStore) envName(key string) string {
	mangled := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			return r
		default:
			return '_'
		}
	}, key)
	return e.prefix + mangled
}
