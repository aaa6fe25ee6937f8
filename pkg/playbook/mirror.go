package playbook

import (
	"context"

	"go.uber.org/zap"

	"mesh-maas/internal/telemetry"
	"mesh-maas/pkg/store"
)

// mirror performs a best-effort durable write after the in-memory state
// already changed. Failures are logged and counted, never returned; a
// cancelled request does not abort the write.
func (q *Queue) mirror(ctx context.Context, op string, write func(context.Context, store.PlaybookStore) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.storeTimeout)
	defer cancel()
	if err := write(ctx, q.store); err != nil {
		telemetry.PersistenceDegraded.WithLabelValues(op).Inc()
		q.logger.Warn("durable write failed, continuing in memory", zap.String("op", op), zap.Error(err))
	}
}

// lookup is the read-side counterpart of mirror. It reports false when the
// read failed so callers can fall back to memory.
func (q *Queue) lookup(ctx context.Context, op string, read func(context.Context, store.PlaybookStore) error) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.storeTimeout)
	defer cancel()
	if err := read(ctx, q.store); err != nil {
		telemetry.PersistenceDegraded.WithLabelValues(op).Inc()
		q.logger.Warn("durable read failed, using memory", zap.String("op", op), zap.Error(err))
		return false
	}
	return true
}
