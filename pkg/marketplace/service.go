package marketplace

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mesh-maas/internal/telemetry"
	"mesh-maas/pkg/model"
	"mesh-maas/pkg/store"
)

const (
	MinPricePerHour  = 0.01
	MinBandwidthMbps = 10
	MinRentHours     = 1
	MaxRentHours     = 720
)

var regions = map[string]struct{}{
	"us-east":    {},
	"us-west":    {},
	"eu-central": {},
	"asia-south": {},
	"global":     {},
}

// Actor is the caller of a marketplace mutation.
type Actor struct {
	ID    string
	Admin bool
}

type ListingCreate struct {
	NodeID        string  `json:"node_id"`
	Region        string  `json:"region"`
	PricePerHour  float64 `json:"price_per_hour"`
	BandwidthMbps int     `json:"bandwidth_mbps"`
}

// Filter narrows Search. Zero values disable a criterion.
type Filter struct {
	Region       string
	MaxPrice     float64
	MinBandwidth int
}

type RentResult struct {
	Status          string `json:"status"`
	ListingID       string `json:"listing_id"`
	EscrowID        string `json:"escrow_id"`
	MeshID          string `json:"mesh_id"`
	Hours           int    `json:"hours"`
	AmountHeldCents int64  `json:"amount_held_cents"`
	Message         string `json:"message"`
}

// Service owns marketplace listings and their escrows. Memory is the
// cache in front of the durable ListingStore: writes are mirrored after
// the cache changed, and a cache miss reads through.
type Service struct {
	audit        store.AuditLog
	store        store.ListingStore
	storeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.RWMutex
	listings map[string]model.Listing
	escrows  map[string]model.Escrow // escrow id -> escrow
	removed  map[string]struct{}     // cancelled listing ids, never read through again
}

type Option func(*Service)

func WithAudit(a store.AuditLog) Option { return func(s *Service) { s.audit = a } }

// WithStore persists listings and escrows. Nil keeps the service in memory.
func WithStore(ls store.ListingStore) Option {
	return func(s *Service) {
		if ls != nil {
			s.store = ls
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(opts ...Option) *Service {
	s := &Service{
		store:        store.Nop{},
		storeTimeout: 3 * time.Second,
		logger:       zap.NewNop(),
		now:          time.Now,
		listings:     make(map[string]model.Listing),
		escrows:      make(map[string]model.Escrow),
		removed:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, owner Actor, req ListingCreate) (model.Listing, error) {
	if strings.TrimSpace(req.NodeID) == "" {
		return model.Listing{}, fmt.Errorf("%w: node_id is required", ErrInvalid)
	}
	if _, ok := regions[req.Region]; !ok {
		return model.Listing{}, fmt.Errorf("%w: unsupported region %q", ErrInvalid, req.Region)
	}
	if req.PricePerHour < MinPricePerHour {
		return model.Listing{}, fmt.Errorf("%w: price_per_hour must be >= %.2f", ErrInvalid, MinPricePerHour)
	}
	if req.BandwidthMbps < MinBandwidthMbps {
		return model.Listing{}, fmt.Errorf("%w: bandwidth_mbps must be >= %d", ErrInvalid, MinBandwidthMbps)
	}

	s.mu.Lock()
	for _, l := range s.listings {
		if l.NodeID == req.NodeID {
			s.mu.Unlock()
			return model.Listing{}, ErrAlreadyListed
		}
	}
	l := model.Listing{
		ID:            s.newID("lst-"),
		OwnerID:       owner.ID,
		NodeID:        req.NodeID,
		Region:        req.Region,
		PricePerHour:  req.PricePerHour,
		BandwidthMbps: req.BandwidthMbps,
		Status:        model.ListingAvailable,
		CreatedAt:     s.now().UTC(),
	}
	s.listings[l.ID] = l
	s.mu.Unlock()

	s.mirror(ctx, "listing_save", func(ctx context.Context, st store.ListingStore) error { return st.SaveListing(ctx, l) })
	s.record(ctx, owner, model.AuditListingCreated, l.ID, "node="+l.NodeID)
	return l, nil
}

// Search returns cached available listings matching f, oldest first.
func (s *Service) Search(f Filter) []model.Listing {
	s.mu.RLock()
	out := []model.Listing{}
	for _, l := range s.listings {
		if l.Status != model.ListingAvailable {
			continue
		}
		if f.Region != "" && l.Region != f.Region {
			continue
		}
		if f.MaxPrice > 0 && l.PricePerHour > f.MaxPrice {
			continue
		}
		if f.MinBandwidth > 0 && l.BandwidthMbps < f.MinBandwidth {
			continue
		}
		out = append(out, l)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) Get(ctx context.Context, listingID string) (model.Listing, error) {
	s.fetch(ctx, listingID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingID]
	if !ok {
		return model.Listing{}, ErrNotFound
	}
	return l, nil
}

// Rent places the listing into escrow for meshID, holding price*hours.
func (s *Service) Rent(ctx context.Context, renter Actor, listingID, meshID string, hours int) (RentResult, error) {
	if hours < MinRentHours || hours > MaxRentHours {
		return RentResult{}, fmt.Errorf("%w: hours must be between %d and %d", ErrInvalid, MinRentHours, MaxRentHours)
	}
	if strings.TrimSpace(meshID) == "" {
		return RentResult{}, fmt.Errorf("%w: mesh_id is required", ErrInvalid)
	}

	s.fetch(ctx, listingID)
	s.mu.Lock()
	l, ok := s.listings[listingID]
	switch {
	case !ok:
		s.mu.Unlock()
		return RentResult{}, ErrNotFound
	case l.OwnerID == renter.ID:
		s.mu.Unlock()
		return RentResult{}, ErrOwnNode
	case l.Status != model.ListingAvailable:
		s.mu.Unlock()
		return RentResult{}, ErrNotAvailable
	}
	esc := model.Escrow{
		ID:          s.newID("esc-"),
		ListingID:   listingID,
		RenterID:    renter.ID,
		AmountCents: toCents(l.PricePerHour) * int64(hours),
		Status:      model.EscrowHeld,
		CreatedAt:   s.now().UTC(),
	}
	s.escrows[esc.ID] = esc
	l.Status = model.ListingEscrow
	l.RenterID = renter.ID
	l.MeshID = meshID
	s.listings[listingID] = l
	s.mu.Unlock()

	s.mirror(ctx, "escrow_save", func(ctx context.Context, st store.ListingStore) error { return st.SaveEscrow(ctx, esc) })
	s.mirror(ctx, "listing_save", func(ctx context.Context, st store.ListingStore) error { return st.SaveListing(ctx, l) })
	s.record(ctx, renter, model.AuditRentInitiated, listingID,
		fmt.Sprintf("escrow=%s hours=%d amount_cents=%d", esc.ID, hours, esc.AmountCents))
	return RentResult{
		Status:          model.ListingEscrow,
		ListingID:       listingID,
		EscrowID:        esc.ID,
		MeshID:          meshID,
		Hours:           hours,
		AmountHeldCents: esc.AmountCents,
		Message:         fmt.Sprintf("Payment for %dh held in escrow. Node must send a healthy heartbeat to release funds.", hours),
	}, nil
}

// Release pays out the held escrow; the listing becomes rented.
func (s *Service) Release(ctx context.Context, actor Actor, listingID string) (model.Escrow, error) {
	esc, err := s.settle(ctx, actor, listingID, model.EscrowReleased, func(l *model.Listing) {
		l.Status = model.ListingRented
	})
	if err != nil {
		return model.Escrow{}, err
	}
	s.record(ctx, actor, model.AuditEscrowReleased, listingID, "escrow="+esc.ID)
	return esc, nil
}

// Refund returns the held escrow; the listing is available again.
func (s *Service) Refund(ctx context.Context, actor Actor, listingID string) (model.Escrow, error) {
	esc, err := s.settle(ctx, actor, listingID, model.EscrowRefunded, func(l *model.Listing) {
		l.Status = model.ListingAvailable
		l.RenterID = ""
		l.MeshID = ""
	})
	if err != nil {
		return model.Escrow{}, err
	}
	s.record(ctx, actor, model.AuditEscrowRefunded, listingID, "escrow="+esc.ID)
	return esc, nil
}

// Cancel removes a listing that is not in escrow.
func (s *Service) Cancel(ctx context.Context, actor Actor, listingID string) error {
	s.fetch(ctx, listingID)
	s.mu.Lock()
	l, ok := s.listings[listingID]
	switch {
	case !ok:
		s.mu.Unlock()
		return ErrNotFound
	case l.Status == model.ListingEscrow:
		s.mu.Unlock()
		return ErrEscrowActive
	case l.OwnerID != actor.ID && !actor.Admin:
		s.mu.Unlock()
		return ErrForbidden
	}
	delete(s.listings, listingID)
	s.removed[listingID] = struct{}{}
	s.mu.Unlock()

	s.mirror(ctx, "listing_delete", func(ctx context.Context, st store.ListingStore) error { return st.DeleteListing(ctx, listingID) })
	s.record(ctx, actor, model.AuditListingCancelled, listingID, "")
	return nil
}

func (s *Service) settle(ctx context.Context, actor Actor, listingID, escrowStatus string, update func(*model.Listing)) (model.Escrow, error) {
	s.fetch(ctx, listingID)
	s.mu.Lock()
	l, ok := s.listings[listingID]
	if !ok {
		s.mu.Unlock()
		return model.Escrow{}, ErrNotFound
	}
	if l.Status != model.ListingEscrow {
		s.mu.Unlock()
		return model.Escrow{}, ErrNoEscrow
	}
	if l.RenterID != actor.ID && !actor.Admin {
		s.mu.Unlock()
		return model.Escrow{}, ErrForbidden
	}
	var esc model.Escrow
	for id, e := range s.escrows {
		if e.ListingID == listingID && e.Status == model.EscrowHeld {
			esc = e
			esc.Status = escrowStatus
			at := s.now().UTC()
			esc.ReleasedAt = &at
			s.escrows[id] = esc
			break
		}
	}
	update(&l)
	s.listings[listingID] = l
	s.mu.Unlock()

	if esc.ID != "" {
		s.mirror(ctx, "escrow_save", func(ctx context.Context, st store.ListingStore) error { return st.SaveEscrow(ctx, esc) })
	}
	s.mirror(ctx, "listing_save", func(ctx context.Context, st store.ListingStore) error { return st.SaveListing(ctx, l) })
	return esc, nil
}

// Load warms the cache with every durable listing and its held escrow.
// Cached entries win. It returns how many listings were added.
func (s *Service) Load(ctx context.Context) (int, error) {
	listings, err := s.store.ListListings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load listings: %w", err)
	}
	held := make(map[string]model.Escrow)
	for _, l := range listings {
		if l.Status != model.ListingEscrow {
			continue
		}
		e, ok, err := s.store.FindHeldEscrow(ctx, l.ID)
		if err != nil {
			return 0, fmt.Errorf("load escrow of %s: %w", l.ID, err)
		}
		if ok {
			held[l.ID] = e
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range listings {
		if s.cachedLocked(l.ID) {
			continue
		}
		s.listings[l.ID] = l
		if e, ok := held[l.ID]; ok {
			s.escrows[e.ID] = e
		}
		n++
	}
	return n, nil
}

// fetch reads listingID (and its held escrow) through to the store when
// it is not cached.
func (s *Service) fetch(ctx context.Context, listingID string) {
	s.mu.RLock()
	known := s.cachedLocked(listingID)
	s.mu.RUnlock()
	if known {
		return
	}
	var (
		l           model.Listing
		esc         model.Escrow
		found, held bool
	)
	ok := s.lookup(ctx, "listing_get", func(ctx context.Context, st store.ListingStore) error {
		var err error
		l, found, err = st.GetListing(ctx, listingID)
		if err != nil || !found || l.Status != model.ListingEscrow {
			return err
		}
		esc, held, err = st.FindHeldEscrow(ctx, listingID)
		return err
	})
	if !ok || !found {
		return
	}
	s.mu.Lock()
	if !s.cachedLocked(listingID) {
		s.listings[listingID] = l
		if held {
			s.escrows[esc.ID] = esc
		}
	}
	s.mu.Unlock()
}

// cachedLocked must be called with s.mu held.
func (s *Service) cachedLocked(listingID string) bool {
	_, cached := s.listings[listingID]
	_, gone := s.removed[listingID]
	return cached || gone
}

// mirror performs a best-effort durable write. Failures are logged and
// counted; the cache stays authoritative.
func (s *Service) mirror(ctx context.Context, op string, write func(context.Context, store.ListingStore) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	if err := write(ctx, s.store); err != nil {
		telemetry.PersistenceDegraded.WithLabelValues(op).Inc()
		s.logger.Warn("durable write failed, continuing in memory", zap.String("op", op), zap.Error(err))
	}
}

func (s *Service) lookup(ctx context.Context, op string, read func(context.Context, store.ListingStore) error) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	if err := read(ctx, s.store); err != nil {
		telemetry.PersistenceDegraded.WithLabelValues(op).Inc()
		s.logger.Warn("durable read failed, using memory", zap.String("op", op), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) record(ctx context.Context, actor Actor, action, target, detail string) {
	if s.audit == nil {
		return
	}
	err := s.audit.AppendAudit(ctx, model.AuditEntry{
		Actor:     actor.ID,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit append failed", zap.String("action", action), zap.String("listing_id", target), zap.Error(err))
	}
}

// newID must be called with s.mu held.
func (s *Service) newID(prefix string) string {
	for {
		id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		_, l := s.listings[id]
		_, e := s.escrows[id]
		if !l && !e {
			return id
		}
	}
}

func toCents(price float64) int64 {
	return int64(math.Round(price * 100))
}
