package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mesh-maas/pkg/model"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	out := map[string]Backend{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
	if my := openTestMySQL(t); my != nil {
		out["mysql"] = my
	}
	return out
}

func samplePlaybook(id, mesh string, created time.Time, ttl time.Duration) model.Playbook {
	return model.Playbook{
		ID:          id,
		MeshID:      mesh,
		Name:        "pb-" + id,
		Payload:     `{"playbook_id":"` + id + `"}`,
		Signature:   "sig",
		Algorithm:   "HMAC-SHA256",
		TargetNodes: []string{"node-a", "node-b"},
		CreatedAt:   created,
		ExpiresAt:   created.Add(ttl),
	}
}

func TestPlaybookPersistence(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			live := samplePlaybook("pbk-live", "mesh-1", now, time.Hour)
			old := samplePlaybook("pbk-old", "mesh-1", now.Add(-2*time.Hour), time.Hour)
			other := samplePlaybook("pbk-other", "mesh-2", now, time.Hour)
			for _, p := range []model.Playbook{live, old, other} {
				require.NoError(t, s.SavePlaybook(ctx, p))
			}

			got, ok, err := s.GetPlaybook(ctx, "pbk-live")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, live.Payload, got.Payload)
			assert.Equal(t, live.TargetNodes, got.TargetNodes)
			assert.True(t, live.ExpiresAt.Equal(got.ExpiresAt))

			_, ok, err = s.GetPlaybook(ctx, "pbk-missing")
			require.NoError(t, err)
			assert.False(t, ok)

			unexpired, err := s.FindUnexpiredByMesh(ctx, "mesh-1", now)
			require.NoError(t, err)
			require.Len(t, unexpired, 1)
			assert.Equal(t, "pbk-live", unexpired[0].ID)

			all, err := s.ListPlaybooksByMesh(ctx, "mesh-1")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "pbk-old", all[0].ID)
			assert.Equal(t, "pbk-live", all[1].ID)
		})
	}
}

func TestAckUpsertAndDeliveries(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveAck(ctx, model.Acknowledgment{PlaybookID: "p", NodeID: "n", Status: "completed", AcknowledgedAt: t0}))
			require.NoError(t, s.SaveAck(ctx, model.Acknowledgment{PlaybookID: "p", NodeID: "n", Status: "failed", AcknowledgedAt: t0.Add(time.Second)}))
			require.NoError(t, s.SaveAck(ctx, model.Acknowledgment{PlaybookID: "p", NodeID: "m", Status: "completed", AcknowledgedAt: t0}))

			acks, err := s.ListAcks(ctx, "p")
			require.NoError(t, err)
			require.Len(t, acks, 2)
			assert.Equal(t, "m", acks[0].NodeID)
			assert.Equal(t, "n", acks[1].NodeID)
			assert.Equal(t, "failed", acks[1].Status)
			assert.True(t, acks[1].AcknowledgedAt.Equal(t0.Add(time.Second)))

			delivered, err := s.ListDeliveries(ctx, "p")
			require.NoError(t, err)
			assert.Empty(t, delivered)
			require.NoError(t, s.SaveDelivery(ctx, model.DeliveryRecord{PlaybookID: "p", NodeID: "n", DeliveredAt: t0}))
			require.NoError(t, s.SaveDelivery(ctx, model.DeliveryRecord{PlaybookID: "p", NodeID: "n", DeliveredAt: t0.Add(time.Minute)}))
			delivered, err = s.ListDeliveries(ctx, "p")
			require.NoError(t, err)
			require.Len(t, delivered, 1)
			assert.True(t, delivered[0].DeliveredAt.Equal(t0), "first delivery wins")
		})
	}
}

func TestAuditAndUsers(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, action := range []string{"a1", "a2", "a3"} {
				require.NoError(t, s.AppendAudit(ctx, model.AuditEntry{Actor: "x", Action: action, Target: "t"}))
			}
			entries, err := s.ListAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "a2", entries[0].Action)
			assert.Equal(t, "a3", entries[1].Action)

			n, err := s.CountUsers(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			u := &model.User{Username: "root", PasswordHash: "h", Role: model.RoleAdmin}
			require.NoError(t, s.CreateUser(ctx, u))
			assert.NotZero(t, u.ID)
			assert.ErrorIs(t, s.CreateUser(ctx, &model.User{Username: "root", PasswordHash: "h", Role: model.RoleUser}), ErrDuplicate)

			got, ok, err := s.FindUser(ctx, "root")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, model.RoleAdmin, got.Role)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestNopFindsNothing(t *testing.T) {
	ctx := context.Background()
	var s PlaybookStore = Nop{}
	require.NoError(t, s.SavePlaybook(ctx, samplePlaybook("p", "m", time.Now(), time.Hour)))
	_, ok, err := s.GetPlaybook(ctx, "p")
	require.NoError(t, err)
	assert.False(t, ok)
	delivered, err := s.ListDeliveries(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, delivered)
}

func TestListingPersistence(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := model.Listing{
				ID: "lst-1", OwnerID: "seller", NodeID: "node-1", Region: "eu-central",
				PricePerHour: 0.5, BandwidthMbps: 100, Status: model.ListingAvailable, CreatedAt: t0,
			}
			require.NoError(t, s.SaveListing(ctx, l))
			l.Status, l.RenterID, l.MeshID = model.ListingEscrow, "buyer", "mesh-1"
			require.NoError(t, s.SaveListing(ctx, l))

			got, ok, err := s.GetListing(ctx, "lst-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, model.ListingEscrow, got.Status)
			assert.Equal(t, "mesh-1", got.MeshID)
			assert.True(t, t0.Equal(got.CreatedAt))

			esc := model.Escrow{ID: "esc-1", ListingID: "lst-1", RenterID: "buyer", AmountCents: 150, Status: model.EscrowHeld, CreatedAt: t0}
			require.NoError(t, s.SaveEscrow(ctx, esc))
			held, ok, err := s.FindHeldEscrow(ctx, "lst-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(150), held.AmountCents)

			at := t0.Add(time.Hour)
			esc.Status, esc.ReleasedAt = model.EscrowReleased, &at
			require.NoError(t, s.SaveEscrow(ctx, esc))
			_, ok, err = s.FindHeldEscrow(ctx, "lst-1")
			require.NoError(t, err)
			assert.False(t, ok)

			all, err := s.ListListings(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
			require.NoError(t, s.DeleteListing(ctx, "lst-1"))
			_, ok, err = s.GetListing(ctx, "lst-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
