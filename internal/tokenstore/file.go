package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists entries to a single JSON file with secure permissions.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string
	mu       sync.Mutex
}

type fileEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent
// directories with 0700 permissions if they don't exist. The file itself is
// created on first Set.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Get returns the value stored under key. A missing file, a missing key, and
// an expired entry all report ErrNotFound.
func (f *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return "", err
	}

	e, ok := entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if time.Now().After(e.ExpiresAt) {
		return "", ErrNotFound
	}
	return e.Value, nil
}

// Set stores value under key with the given time-to-live. Expired entries are
// pruned on every write so the file does not accumulate dead tokens.
func (f *FileStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if entries == nil {
		entries = make(map[string]fileEntry)
	}

	now := time.Now()
	for k, e := range entries {
		if now.After(e.ExpiresAt) {
			delete(entries, k)
		}
	}

	entries[key] = fileEntry{
		Value:     value,
		ExpiresAt: now.Add(ttl),
	}

	return f.save(entries)
}

// load reads and decodes the store file. Reports ErrNotFound when the file
// does not exist yet, and refuses files with insecure permissions.
func (f *FileStore) load() (map[string]fileEntry, error) {
	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]fileEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt token store %s: %w", f.filePath, err)
	}
	return entries, nil
}

// save atomically writes the store file using temp file + rename for crash
// safety, then sets permissions to 0600 (owner read/write only).
func (f *FileStore) save(entries map[string]fileEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tempName, 0600); err != nil {
		return err
	}

	// Atomic rename to final location
	return os.Rename(tempName, f.filePath)
}
