package seal

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("token seal key missing")
	ErrKeyTooShort = errors.New("token seal key too short")
	ErrOpen        = errors.New("sealed token could not be opened")
)
