package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mesh-maas/pkg/model"
)

func TestTokenRoundTrip(t *testing.T) {
	tk := NewTokens("s3cret")
	raw, err := tk.Generate(7, "alice", model.RoleOperator, time.Hour)
	require.NoError(t, err)

	c, err := tk.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "7", c.UserID)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, model.RoleOperator, c.Role)
}

func TestTokenRejections(t *testing.T) {
	tk := NewTokens("s3cret")
	raw, err := tk.Generate(1, "bob", model.RoleUser, time.Minute)
	require.NoError(t, err)

	_, err = NewTokens("other").Parse(raw)
	assert.ErrorIs(t, err, ErrInvalid)

	tk.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = tk.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = tk.Parse("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRoleCapabilities(t *testing.T) {
	admin := Principal{Role: model.RoleAdmin}
	op := Principal{Role: model.RoleOperator}
	user := Principal{Role: model.RoleUser}

	assert.True(t, admin.Can(SupplyChainRegister))
	assert.True(t, op.Can(PlaybookCreate))
	assert.False(t, op.Can(SupplyChainRegister))
	assert.True(t, user.Can(PlaybookView))
	assert.False(t, user.Can(PlaybookCreate))
	assert.False(t, Principal{Role: "ghost"}.Can(PlaybookView))
}

func TestAuthenticatorResolve(t *testing.T) {
	tk := NewTokens("s3cret")
	a := &Authenticator{Tokens: tk, BootstrapToken: "boot"}

	p, err := a.Resolve("Bearer boot")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())

	raw, err := tk.Generate(3, "carol", model.RoleUser, time.Hour)
	require.NoError(t, err)
	p, err = a.Resolve("Bearer " + raw)
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Username)
	assert.Equal(t, "3", p.ID)

	for _, h := range []string{"", "Basic x", "Bearer ", "Bearer wrong"} {
		_, err := a.Resolve(h)
		assert.ErrorIs(t, err, ErrUnauthenticated, h)
	}
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	ctx := WithPrincipal(context.Background(), Principal{Username: "x"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "x", p.Username)
}
