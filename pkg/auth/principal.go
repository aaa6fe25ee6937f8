package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"mesh-maas/pkg/model"
)

// Capabilities checked by the HTTP layer.
const (
	PlaybookCreate      = "playbook:create"
	PlaybookView        = "playbook:view"
	MarketplaceList     = "marketplace:list"
	MarketplaceRent     = "marketplace:rent"
	SupplyChainRegister = "supplychain:register"
)

var ErrUnauthenticated = errors.New("missing or invalid credentials")

var rolePermissions = map[string]map[string]bool{
	model.RoleOperator: {
		PlaybookCreate:  true,
		PlaybookView:    true,
		MarketplaceList: true,
		MarketplaceRent: true,
	},
	model.RoleUser: {
		MarketplaceList: true,
		MarketplaceRent: true,
		PlaybookView:    true,
	},
}

// Principal is the resolved caller of a request.
type Principal struct {
	ID       string
	Username string
	Role     string
}

func (p Principal) IsAdmin() bool { return p.Role == model.RoleAdmin }

// Can reports whether the principal's role grants the capability.
// Admins hold every capability.
func (p Principal) Can(capability string) bool {
	if p.IsAdmin() {
		return true
	}
	return rolePermissions[p.Role][capability]
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Authenticator resolves bearer credentials: the static bootstrap token
// maps to an admin principal, anything else must be a valid session JWT.
type Authenticator struct {
	Tokens         *Tokens
	BootstrapToken string
}

func (a *Authenticator) Resolve(header string) (Principal, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}
	if a.BootstrapToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.BootstrapToken)) == 1 {
		return Principal{ID: "bootstrap", Username: "bootstrap", Role: model.RoleAdmin}, nil
	}
	if a.Tokens == nil {
		return Principal{}, ErrUnauthenticated
	}
	claims, err := a.Tokens.Parse(raw)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{ID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}
