package signer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{"hmac", "ed25519"} {
		t.Run(alg, func(t *testing.T) {
			s, err := New(alg, "master-secret")
			require.NoError(t, err)

			payload := []byte(`{"playbook_id":"pbk-1"}`)
			sig, err := s.Sign(context.Background(), payload, "mesh-1")
			require.NoError(t, err)
			assert.NotEmpty(t, sig.Signature)

			require.NoError(t, s.Verify(payload, "mesh-1", sig))
			assert.ErrorIs(t, s.Verify([]byte(`{"playbook_id":"pbk-2"}`), "mesh-1", sig), ErrInvalidSignature)
			assert.ErrorIs(t, s.Verify(payload, "mesh-2", sig), ErrInvalidSignature)
		})
	}
}

func TestSignIsDeterministicPerMesh(t *testing.T) {
	s, err := NewHMAC([]byte("k"))
	require.NoError(t, err)
	a, _ := s.Sign(context.Background(), []byte("x"), "mesh-a")
	b, _ := s.Sign(context.Background(), []byte("x"), "mesh-a")
	c, _ := s.Sign(context.Background(), []byte("x"), "mesh-b")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.Signature, c.Signature)
	assert.Equal(t, AlgHMACSHA256, a.Algorithm)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("hmac", "")
	assert.ErrorIs(t, err, ErrEmptySecret)
	_, err = New("rsa", "x")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestVerifyAlgorithmMismatch(t *testing.T) {
	h, _ := NewHMAC([]byte("k"))
	e, _ := NewEd25519([]byte("k"))
	sig, err := e.Sign(context.Background(), []byte("x"), "m")
	require.NoError(t, err)
	assert.ErrorIs(t, h.Verify([]byte("x"), "m", sig), ErrAlgorithmMismatch)
}

func TestEd25519PublicKeyVerifies(t *testing.T) {
	e, _ := NewEd25519([]byte("k"))
	sig, err := e.Sign(context.Background(), []byte("payload"), "mesh-1")
	require.NoError(t, err)
	pub, err := e.PublicKey("mesh-1")
	require.NoError(t, err)
	assert.NoError(t, VerifyEd25519(pub, []byte("payload"), sig))
	assert.ErrorIs(t, VerifyEd25519(pub, []byte("payload"), Signature{Signature: "!!", Algorithm: AlgEd25519}), ErrMalformedSignature)
}

func TestSignHonoursCancelledContext(t *testing.T) {
	h, _ := NewHMAC([]byte("k"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Sign(ctx, []byte("x"), "m")
	assert.ErrorIs(t, err, context.Canceled)
}
