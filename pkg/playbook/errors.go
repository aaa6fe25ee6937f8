package playbook

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Status for an id unknown to memory and store.
	ErrNotFound = errors.New("playbook not found")

	// ErrSigning marks every failure of the signing collaborator.
	ErrSigning = errors.New("playbook signing failed")
)

// ValidationError represents a malformed create request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in '%s': %s", e.Field, e.Message)
}

// SigningError wraps the error returned by the signer.
type SigningError struct {
	MeshID string
	Cause  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign playbook for mesh %s: %v", e.MeshID, e.Cause)
}

func (e *SigningError) Unwrap() error { return e.Cause }

func (e *SigningError) Is(target error) bool { return target == ErrSigning }
