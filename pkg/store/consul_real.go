//go:build consul

package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mesh-maas/pkg/consul"
	"mesh-maas/pkg/model"
)

// consulBackend maps consul errors onto this package's sentinels.
type consulBackend struct {
	*consul.Store
}

func (c consulBackend) CreateUser(ctx context.Context, u *model.User) error {
	err := c.Store.CreateUser(ctx, u)
	if errors.Is(err, consul.ErrUserExists) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string, logger *zap.Logger) Backend {
	if logger != nil {
		logger.Info("using consul store", zap.String("addr", addr))
	}
	return consulBackend{Store: consul.NewStore(addr)}
}
