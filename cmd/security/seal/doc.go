// Package seal encrypts the persisted session credential at rest.
//
// It is the single source of truth for how a bearer token is stored on disk.
//
// Modes:
//   - No key configured: tokens are stored as-is (dev mode).
//   - NEX_TOKEN_SEAL_KEY set: tokens are sealed with NaCl secretbox under a
//     key derived as SHA-256(raw key).
//
// Policy:
//   - If NEX_REQUIRE_SEALED_TOKEN=true, callers MUST enforce a minimum key
//     size (>= 32 bytes) and MUST refuse to persist plaintext.
package seal
