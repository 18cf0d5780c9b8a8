package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
)

// KeyringStore persists entries in OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Each key maps to one keyring account under a shared service name; the value
// is wrapped in a JSON envelope carrying the absolute expiry, since keyrings
// have no native notion of a time-to-live.
type KeyringStore struct {
	service string
}

type keyringEnvelope struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore using the given service identifier.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	return &KeyringStore{
		service: service,
	}, nil
}

// Get returns the value stored under key. A missing keyring entry and an
// expired envelope both report ErrNotFound.
func (k *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", err
	}

	raw, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	var env keyringEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("corrupt keyring entry for service %s, key %s: %w", k.service, key, err)
	}
	if time.Now().After(env.ExpiresAt) {
		return "", ErrNotFound
	}
	return env.Value, nil
}

// Set persists value under key, overwriting any existing entry.
func (k *KeyringStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	env := keyringEnvelope{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return keyring.Set(k.service, key, string(raw))
}
