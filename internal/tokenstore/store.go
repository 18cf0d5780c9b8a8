package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or its entry has expired.
var ErrNotFound = errors.New("tokenstore: not found")

// ErrInvalidKey is returned when a key is empty or contains characters the
// backend cannot represent. Callers may treat it as a miss.
var ErrInvalidKey = errors.New("tokenstore: invalid key")

// Store reads and writes expiring token entries by key.
type Store interface {
	// Get returns the value stored under key. Returns ErrNotFound if the key
	// is absent or the entry has expired, and ErrInvalidKey for unusable keys.
	Get(ctx context.Context, key string) (string, error)

	// Set persists value under key with the given time-to-live. Returns an
	// error if the backend is read-only or the write fails.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// checkKey validates a key for use with any backend. Keys travel into file
// payloads, keyring account names, and environment variable names, so control
// characters and whitespace are rejected across the board.
func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
