package signer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	AlgHMACSHA256 = "HMAC-SHA256"
	AlgEd25519    = "Ed25519"
)

var (
	ErrEmptySecret        = errors.New("signing secret is empty")
	ErrUnknownAlgorithm   = errors.New("unknown signing algorithm")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrAlgorithmMismatch  = errors.New("signature algorithm mismatch")
	ErrMalformedSignature = errors.New("malformed signature")
)

// Signature is the opaque output of a signing call.
type Signature struct {
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
}

// Signer produces a signature over payload using the key context of a mesh.
type Signer interface {
	Sign(ctx context.Context, payload []byte, meshID string) (Signature, error)
}

// Verifier checks a signature produced by the matching Signer.
type Verifier interface {
	Verify(payload []byte, meshID string, sig Signature) error
}

// SignVerifier is implemented by every signer in this package.
type SignVerifier interface {
	Signer
	Verifier
}

// New builds a signer for the named algorithm ("hmac", "ed25519" or the
// canonical algorithm names).
func New(algorithm, secret string) (SignVerifier, error) {
	switch strings.ToLower(algorithm) {
	case "", "hmac", strings.ToLower(AlgHMACSHA256):
		return NewHMAC([]byte(secret))
	case "ed25519":
		return NewEd25519([]byte(secret))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
}

// deriveKey expands the master secret into n bytes bound to meshID.
func deriveKey(master []byte, label, meshID string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte(label), []byte(meshID))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}
