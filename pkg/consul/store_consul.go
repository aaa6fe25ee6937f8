//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"mesh-maas/pkg/model"
)

// Store is a Consul-KV backed durable store.
type Store struct {
	cli *consulapi.Client
}

const (
	playbookPrefix = "mesh-maas/playbooks/"
	ackPrefix      = "mesh-maas/acks/"
	deliveryPrefix = "mesh-maas/deliveries/"
	listingPrefix  = "mesh-maas/listings/"
	escrowPrefix   = "mesh-maas/escrows/"
	auditPrefix    = "mesh-maas/audit/"
	userPrefix     = "mesh-maas/users/"
	userSeqKey     = "mesh-maas/users-seq"
)

var (
	errNotConfigured = errors.New("consul client not configured")
	ErrUserExists    = errors.New("user already exists")
)

func NewStore(addr string) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, _ := consulapi.NewClient(cfg) // runtime calls report a nil client
	return &Store{cli: cli}
}

func (s *Store) kv() (*consulapi.KV, error) {
	if s.cli == nil {
		return nil, errNotConfigured
	}
	return s.cli.KV(), nil
}

func (s *Store) put(ctx context.Context, key string, v interface{}) error {
	kv, err := s.kv()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = kv.Put(&consulapi.KVPair{Key: key, Value: b}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

// putIfAbsent writes only when the key does not exist yet (CAS with index 0).
func (s *Store) putIfAbsent(ctx context.Context, key string, v interface{}) error {
	kv, err := s.kv()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = kv.CAS(&consulapi.KVPair{Key: key, Value: b, ModifyIndex: 0}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (s *Store) get(ctx context.Context, key string, v interface{}) (bool, error) {
	kv, err := s.kv()
	if err != nil {
		return false, err
	}
	pair, _, err := kv.Get(key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || pair == nil {
		return false, err
	}
	if err := json.Unmarshal(pair.Value, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) list(ctx context.Context, prefix string) (consulapi.KVPairs, error) {
	kv, err := s.kv()
	if err != nil {
		return nil, err
	}
	pairs, _, err := kv.List(prefix, (&consulapi.QueryOptions{}).WithContext(ctx))
	return pairs, err
}

func (s *Store) SavePlaybook(ctx context.Context, p model.Playbook) error {
	return s.putIfAbsent(ctx, playbookPrefix+p.ID, p)
}

func (s *Store) GetPlaybook(ctx context.Context, id string) (model.Playbook, bool, error) {
	var p model.Playbook
	ok, err := s.get(ctx, playbookPrefix+id, &p)
	return p, ok, err
}

func (s *Store) FindUnexpiredByMesh(ctx context.Context, meshID string, now time.Time) ([]model.Playbook, error) {
	all, err := s.ListPlaybooksByMesh(ctx, meshID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if !p.Expired(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ListPlaybooksByMesh(ctx context.Context, meshID string) ([]model.Playbook, error) {
	pairs, err := s.list(ctx, playbookPrefix)
	if err != nil {
		return nil, err
	}
	out := []model.Playbook{}
	for _, kv := range pairs {
		var p model.Playbook
		if err := json.Unmarshal(kv.Value, &p); err == nil && p.MeshID == meshID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SaveAck(ctx context.Context, a model.Acknowledgment) error {
	return s.put(ctx, ackPrefix+a.PlaybookID+"/"+a.NodeID, a)
}

func (s *Store) ListAcks(ctx context.Context, playbookID string) ([]model.Acknowledgment, error) {
	pairs, err := s.list(ctx, ackPrefix+playbookID+"/")
	if err != nil {
		return nil, err
	}
	out := []model.Acknowledgment{}
	for _, kv := range pairs {
		var a model.Acknowledgment
		if err := json.Unmarshal(kv.Value, &a); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) SaveDelivery(ctx context.Context, d model.DeliveryRecord) error {
	return s.putIfAbsent(ctx, deliveryPrefix+d.PlaybookID+"/"+d.NodeID, d)
}

func (s *Store) ListDeliveries(ctx context.Context, playbookID string) ([]model.DeliveryRecord, error) {
	pairs, err := s.list(ctx, deliveryPrefix+playbookID+"/")
	if err != nil {
		return nil, err
	}
	out := []model.DeliveryRecord{}
	for _, kv := range pairs {
		var d model.DeliveryRecord
		if err := json.Unmarshal(kv.Value, &d); err == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) SaveListing(ctx context.Context, l model.Listing) error {
	return s.put(ctx, listingPrefix+l.ID, l)
}

func (s *Store) GetListing(ctx context.Context, id string) (model.Listing, bool, error) {
	var l model.Listing
	ok, err := s.get(ctx, listingPrefix+id, &l)
	return l, ok, err
}

func (s *Store) ListListings(ctx context.Context) ([]model.Listing, error) {
	pairs, err := s.list(ctx, listingPrefix)
	if err != nil {
		return nil, err
	}
	out := []model.Listing{}
	for _, kv := range pairs {
		var l model.Listing
		if err := json.Unmarshal(kv.Value, &l); err == nil {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) DeleteListing(ctx context.Context, id string) error {
	kv, err := s.kv()
	if err != nil {
		return err
	}
	_, err = kv.Delete(listingPrefix+id, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

// escrows are keyed by listing so FindHeldEscrow reads one prefix.
func (s *Store) SaveEscrow(ctx context.Context, e model.Escrow) error {
	return s.put(ctx, escrowPrefix+e.ListingID+"/"+e.ID, e)
}

func (s *Store) FindHeldEscrow(ctx context.Context, listingID string) (model.Escrow, bool, error) {
	pairs, err := s.list(ctx, escrowPrefix+listingID+"/")
	if err != nil {
		return model.Escrow{}, false, err
	}
	for _, kv := range pairs {
		var e model.Escrow
		if err := json.Unmarshal(kv.Value, &e); err == nil && e.Status == model.EscrowHeld {
			return e, true, nil
		}
	}
	return model.Escrow{}, false, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s%020d-%s", auditPrefix, entry.Timestamp.UnixNano(), entry.Target)
	return s.put(ctx, key, entry)
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	pairs, err := s.list(ctx, auditPrefix)
	if err != nil {
		return nil, err
	}
	var out []model.AuditEntry
	for _, p := range pairs {
		var e model.AuditEntry
		if err := json.Unmarshal(p.Value, &e); err == nil {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	pairs, err := s.list(ctx, userPrefix)
	return int64(len(pairs)), err
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	kv, err := s.kv()
	if err != nil {
		return err
	}
	if _, ok, err := s.FindUser(ctx, u.Username); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	}
	var seq uint
	pair, _, err := kv.Get(userSeqKey, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return err
	}
	if pair != nil {
		n, _ := strconv.ParseUint(string(pair.Value), 10, 64)
		seq = uint(n)
	}
	u.ID = seq + 1
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if _, err := kv.Put(&consulapi.KVPair{Key: userSeqKey, Value: []byte(strconv.FormatUint(uint64(u.ID), 10))}, nil); err != nil {
		return err
	}
	return s.put(ctx, userPrefix+u.Username, u)
}

func (s *Store) FindUser(ctx context.Context, username string) (model.User, bool, error) {
	var u model.User
	ok, err := s.get(ctx, userPrefix+username, &u)
	return u, ok, err
}

// Ping checks that the agent can see a cluster leader.
func (s *Store) Ping(ctx context.Context) error {
	if s.cli == nil {
		return errNotConfigured
	}
	leader, err := s.cli.Status().LeaderWithQueryOptions((&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("consul has no leader")
	}
	return nil
}

func (s *Store) Close() error { return nil }
