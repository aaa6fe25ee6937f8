package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const hmacLabel = "mesh-maas/playbook/hmac"

// HMAC signs payloads with HMAC-SHA256 under a per-mesh key.
type HMAC struct {
	master []byte
}

func NewHMAC(secret []byte) (*HMAC, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &HMAC{master: append([]byte(nil), secret...)}, nil
}

func (h *HMAC) Sign(ctx context.Context, payload []byte, meshID string) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	mac, err := h.mac(payload, meshID)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Signature: hex.EncodeToString(mac), Algorithm: AlgHMACSHA256}, nil
}

func (h *HMAC) Verify(payload []byte, meshID string, sig Signature) error {
	if sig.Algorithm != AlgHMACSHA256 {
		return ErrAlgorithmMismatch
	}
	got, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return ErrMalformedSignature
	}
	want, err := h.mac(payload, meshID)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

func (h *HMAC) mac(payload []byte, meshID string) ([]byte, error) {
	key, err := deriveKey(h.master, hmacLabel, meshID, sha256.Size)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, key)
	m.Write(payload)
	return m.Sum(nil), nil
}
