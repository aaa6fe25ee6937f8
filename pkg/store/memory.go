package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"mesh-maas/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo
// and as the durable double in tests (it outlives a playbook.Queue).
type MemoryStore struct {
	mu         sync.RWMutex
	playbooks  map[string]model.Playbook
	acks       map[string]map[string]model.Acknowledgment
	deliveries map[string]map[string]model.DeliveryRecord
	listings   map[string]model.Listing
	escrows    map[string]model.Escrow
	audit      []model.AuditEntry
	users      map[string]model.User
	nextUserID uint
}

var _ Backend = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		playbooks:  make(map[string]model.Playbook),
		acks:       make(map[string]map[string]model.Acknowledgment),
		deliveries: make(map[string]map[string]model.DeliveryRecord),
		listings:   make(map[string]model.Listing),
		escrows:    make(map[string]model.Escrow),
		users:      make(map[string]model.User),
	}
}

func (m *MemoryStore) SavePlaybook(_ context.Context, p model.Playbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.playbooks[p.ID]; ok {
		return nil
	}
	p.TargetNodes = append([]string(nil), p.TargetNodes...)
	m.playbooks[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPlaybook(_ context.Context, id string) (model.Playbook, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.playbooks[id]
	return p, ok, nil
}

func (m *MemoryStore) FindUnexpiredByMesh(_ context.Context, meshID string, now time.Time) ([]model.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Playbook{}
	for _, p := range m.playbooks {
		if p.MeshID == meshID && !p.Expired(now) {
			out = append(out, p)
		}
	}
	sortPlaybooks(out)
	return out, nil
}

func (m *MemoryStore) ListPlaybooksByMesh(_ context.Context, meshID string) ([]model.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Playbook{}
	for _, p := range m.playbooks {
		if p.MeshID == meshID {
			out = append(out, p)
		}
	}
	sortPlaybooks(out)
	return out, nil
}

func (m *MemoryStore) SaveAck(_ context.Context, a model.Acknowledgment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acks[a.PlaybookID] == nil {
		m.acks[a.PlaybookID] = make(map[string]model.Acknowledgment)
	}
	m.acks[a.PlaybookID][a.NodeID] = a
	return nil
}

func (m *MemoryStore) ListAcks(_ context.Context, playbookID string) ([]model.Acknowledgment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Acknowledgment, 0, len(m.acks[playbookID]))
	for _, a := range m.acks[playbookID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *MemoryStore) SaveDelivery(_ context.Context, d model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deliveries[d.PlaybookID] == nil {
		m.deliveries[d.PlaybookID] = make(map[string]model.DeliveryRecord)
	}
	if _, ok := m.deliveries[d.PlaybookID][d.NodeID]; !ok {
		m.deliveries[d.PlaybookID][d.NodeID] = d
	}
	return nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, playbookID string) ([]model.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DeliveryRecord, 0, len(m.deliveries[playbookID]))
	for _, d := range m.deliveries[playbookID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *MemoryStore) SaveListing(_ context.Context, l model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = l
	return nil
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (model.Listing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	return l, ok, nil
}

func (m *MemoryStore) ListListings(context.Context) ([]model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Listing, 0, len(m.listings))
	for _, l := range m.listings {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteListing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listings, id)
	return nil
}

func (m *MemoryStore) SaveEscrow(_ context.Context, e model.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = e
	return nil
}

func (m *MemoryStore) FindHeldEscrow(_ context.Context, listingID string) (model.Escrow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.escrows {
		if e.ListingID == listingID && e.Status == model.EscrowHeld {
			return e, true, nil
		}
	}
	return model.Escrow{}, false, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, 0, limit)
	start := len(m.audit) - limit
	for i := start; i < len(m.audit); i++ {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *MemoryStore) CountUsers(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return ErrDuplicate
	}
	m.nextUserID++
	u.ID = m.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.Username] = *u
	return nil
}

func (m *MemoryStore) FindUser(_ context.Context, username string) (model.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	return u, ok, nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func sortPlaybooks(list []model.Playbook) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
