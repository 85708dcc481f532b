package app

import (
	"errors"

	"github.com/esmukingi/NexChat/cmd/security/seal"
)

// ValidateSecurityConfig enforces the token-at-rest policy at startup.
// It returns the sealer to use, or nil when sealing is off.
//
// A configured key that is too short always fails; there is no fallback to
// plaintext once a key is present.
func ValidateSecurityConfig(cfg Config) (*seal.Sealer, error) {
	key, err := seal.KeyFromEnv(seal.MinKeyBytes)
	switch {
	case errors.Is(err, seal.ErrKeyMissing):
		if cfg.RequireSealedToken {
			return nil, errors.New("security policy: NEX_REQUIRE_SEALED_TOKEN=true but NEX_TOKEN_SEAL_KEY is missing")
		}
		return nil, nil
	case errors.Is(err, seal.ErrKeyTooShort):
		return nil, errors.New("security policy: NEX_TOKEN_SEAL_KEY is too short (min 32 bytes)")
	case err != nil:
		return nil, err
	}
	if cfg.CredentialDB == "" && cfg.RequireSealedToken {
		return nil, errors.New("security policy: NEX_REQUIRE_SEALED_TOKEN=true needs NEX_CREDENTIAL_DB")
	}
	return seal.New(key)
}
