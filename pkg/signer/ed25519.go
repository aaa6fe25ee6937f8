package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
)

const ed25519Label = "mesh-maas/playbook/ed25519"

// Ed25519 signs sha256(payload) with a per-mesh Ed25519 key seeded from
// the master secret. Agents holding only the public key can verify.
type Ed25519 struct {
	master []byte
}

func NewEd25519(secret []byte) (*Ed25519, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Ed25519{master: append([]byte(nil), secret...)}, nil
}

func (e *Ed25519) Sign(ctx context.Context, payload []byte, meshID string) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	key, err := e.key(meshID)
	if err != nil {
		return Signature{}, err
	}
	digest := sha256.Sum256(payload)
	sig := ed25519.Sign(key, digest[:])
	return Signature{Signature: base64.StdEncoding.EncodeToString(sig), Algorithm: AlgEd25519}, nil
}

func (e *Ed25519) Verify(payload []byte, meshID string, sig Signature) error {
	pub, err := e.PublicKey(meshID)
	if err != nil {
		return err
	}
	return VerifyEd25519(pub, payload, sig)
}

// PublicKey returns the verification key of a mesh.
func (e *Ed25519) PublicKey(meshID string) (ed25519.PublicKey, error) {
	key, err := e.key(meshID)
	if err != nil {
		return nil, err
	}
	return key.Public().(ed25519.PublicKey), nil
}

func (e *Ed25519) key(meshID string) (ed25519.PrivateKey, error) {
	seed, err := deriveKey(e.master, ed25519Label, meshID, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// VerifyEd25519 checks sig against a known public key.
func VerifyEd25519(pub ed25519.PublicKey, payload []byte, sig Signature) error {
	if sig.Algorithm != AlgEd25519 {
		return ErrAlgorithmMismatch
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return ErrMalformedSignature
	}
	digest := sha256.Sum256(payload)
	if !ed25519.Verify(pub, digest[:], raw) {
		return ErrInvalidSignature
	}
	return nil
}
