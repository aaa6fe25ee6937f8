package marketplace

import "errors"

var (
	ErrInvalid       = errors.New("invalid listing request")
	ErrAlreadyListed = errors.New("node already listed")
	ErrNotFound      = errors.New("listing not found")
	ErrOwnNode       = errors.New("cannot rent your own node")
	ErrNotAvailable  = errors.New("listing not available")
	ErrNoEscrow      = errors.New("no active escrow")
	ErrEscrowActive  = errors.New("active escrow in progress")
	ErrForbidden     = errors.New("permission denied")
)
