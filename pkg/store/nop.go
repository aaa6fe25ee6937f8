package store

import (
	"context"
	"time"

	"mesh-maas/pkg/model"
)

// Nop is the absent durable store: writes vanish, reads find nothing.
type Nop struct{}

var (
	_ PlaybookStore = Nop{}
	_ ListingStore  = Nop{}
)

func (Nop) SavePlaybook(context.Context, model.Playbook) error { return nil }

func (Nop) GetPlaybook(context.Context, string) (model.Playbook, bool, error) {
	return model.Playbook{}, false, nil
}

func (Nop) FindUnexpiredByMesh(context.Context, string, time.Time) ([]model.Playbook, error) {
	return nil, nil
}

func (Nop) ListPlaybooksByMesh(context.Context, string) ([]model.Playbook, error) { return nil, nil }

func (Nop) SaveAck(context.Context, model.Acknowledgment) error { return nil }

func (Nop) ListAcks(context.Context, string) ([]model.Acknowledgment, error) { return nil, nil }

func (Nop) SaveDelivery(context.Context, model.DeliveryRecord) error { return nil }

func (Nop) ListDeliveries(context.Context, string) ([]model.DeliveryRecord, error) { return nil, nil }

func (Nop) SaveListing(context.Context, model.Listing) error { return nil }

func (Nop) GetListing(context.Context, string) (model.Listing, bool, error) {
	return model.Listing{}, false, nil
}

func (Nop) ListListings(context.Context) ([]model.Listing, error) { return nil, nil }

func (Nop) DeleteListing(context.Context, string) error { return nil }

func (Nop) SaveEscrow(context.Context, model.Escrow) error { return nil }

func (Nop) FindHeldEscrow(context.Context, string) (model.Escrow, bool, error) {
	return model.Escrow{}, false, nil
}
