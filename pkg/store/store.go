package store

import (
	"context"
	"time"

	"mesh-maas/pkg/model"
)

// PlaybookStore is the durable side of the playbook delivery queue. Every
// method is optional in spirit: callers treat errors as degraded
// persistence and keep serving from memory.
type PlaybookStore interface {
	SavePlaybook(ctx context.Context, p model.Playbook) error
	GetPlaybook(ctx context.Context, id string) (model.Playbook, bool, error)
	FindUnexpiredByMesh(ctx context.Context, meshID string, now time.Time) ([]model.Playbook, error)
	ListPlaybooksByMesh(ctx context.Context, meshID string) ([]model.Playbook, error)

	// SaveAck upserts: a later acknowledgment overwrites status and time.
	SaveAck(ctx context.Context, a model.Acknowledgment) error
	ListAcks(ctx context.Context, playbookID string) ([]model.Acknowledgment, error)

	// SaveDelivery keeps the first record of a (playbook, node) pair.
	SaveDelivery(ctx context.Context, d model.DeliveryRecord) error
	ListDeliveries(ctx context.Context, playbookID string) ([]model.DeliveryRecord, error)
}

// AuditLog records control-plane operations.
type AuditLog interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

// UserStore backs username/password login.
type UserStore interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, u *model.User) error
	FindUser(ctx context.Context, username string) (model.User, bool, error)
}

// ListingStore is the durable side of the marketplace. Saves upsert.
type ListingStore interface {
	SaveListing(ctx context.Context, l model.Listing) error
	GetListing(ctx context.Context, id string) (model.Listing, bool, error)
	ListListings(ctx context.Context) ([]model.Listing, error)
	DeleteListing(ctx context.Context, id string) error

	SaveEscrow(ctx context.Context, e model.Escrow) error
	// FindHeldEscrow returns the escrow of listingID still in the held state.
	FindHeldEscrow(ctx context.Context, listingID string) (model.Escrow, bool, error)
}

// Pinger reports backend reachability for dependency checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend is the full set of capabilities a configured backend offers.
type Backend interface {
	PlaybookStore
	ListingStore
	AuditLog
	UserStore
	Pinger
	Close() error
}
