// Package tokenstore provides keyed, expiring storage for OAuth tokens.
//
// Supports four storage backends with different security and deployment tradeoffs:
//   - Memory: process-local storage, lost on restart (development and tests)
//   - File: local filesystem storage with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Env: read-only environment variable access (requires external secret management)
//
// Every entry carries its own time-to-live. A Get on an expired entry behaves
// exactly like a miss and returns ErrNotFound.
package tokenstore
