package kad

import (
	"github.com/uplo-tech/errors"
)

// Error kinds shared by the RPC and tunnel surfaces. Handlers extend these
// with detail text; transports inspect them with errors.Contains to pick a
// status or close code.
var (
	// ErrUnauthorizedToken marks a missing, unknown, expired, or
	// mismatched transfer token.
	ErrUnauthorizedToken = errors.New("unauthorized token")

	// ErrInvalidMessage marks a malformed frame or RPC body.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrFailedIntegrity marks a shard whose bytes do not match the
	// contract's hash or size.
	ErrFailedIntegrity = errors.New("failed integrity check")

	// ErrInvalidOperation marks a request the state machine refuses.
	ErrInvalidOperation = errors.New("invalid operation")
)
