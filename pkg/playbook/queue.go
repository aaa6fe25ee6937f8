package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mesh-maas/internal/telemetry"
	"mesh-maas/pkg/model"
	"mesh-maas/pkg/signer"
	"mesh-maas/pkg/store"
)

// Queue owns signed playbooks, the per-node pending-delivery queues,
// delivery records and acknowledgments. Each map has its own lock; the
// durable store is mirrored best-effort and consulted to reseed after a
// restart.
type Queue struct {
	signer       signer.Signer
	store        store.PlaybookStore
	logger       *zap.Logger
	now          func() time.Time
	storeTimeout time.Duration

	qmu    sync.Mutex
	queues map[string][]string // nodeID -> playbook ids, FIFO

	pmu       sync.RWMutex
	playbooks map[string]model.Playbook

	dmu       sync.Mutex
	delivered map[deliveryKey]time.Time

	amu  sync.RWMutex
	acks map[string]map[string]model.Acknowledgment // playbookID -> nodeID -> ack
}

type deliveryKey struct {
	playbookID string
	nodeID     string
}

type Option func(*Queue)

// WithStore mirrors state to a durable store. Without it the queue runs
// memory-only.
func WithStore(s store.PlaybookStore) Option {
	return func(q *Queue) {
		if s != nil {
			q.store = s
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithStoreTimeout bounds each durable call.
func WithStoreTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.storeTimeout = d
		}
	}
}

func New(s signer.Signer, opts ...Option) *Queue {
	q := &Queue{
		signer:       s,
		store:        store.Nop{},
		logger:       zap.NewNop(),
		now:          time.Now,
		storeTimeout: 3 * time.Second,
		queues:       make(map[string][]string),
		playbooks:    make(map[string]model.Playbook),
		delivered:    make(map[deliveryKey]time.Time),
		acks:         make(map[string]map[string]model.Acknowledgment),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Create signs a new playbook and enqueues it for every target node.
// Validation and signing failures leave no state behind.
func (q *Queue) Create(ctx context.Context, meshID string, req CreateRequest) (model.Playbook, error) {
	targets, ttl, err := req.normalize(meshID)
	if err != nil {
		return model.Playbook{}, err
	}

	createdAt := q.now().UTC()
	id := q.newID()
	body := model.PlaybookPayload{
		PlaybookID:  id,
		MeshID:      meshID,
		Actions:     copyActions(req.Actions),
		TargetNodes: targets,
		CreatedAt:   createdAt.Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return model.Playbook{}, fmt.Errorf("encode playbook payload: %w", err)
	}
	sig, err := q.signer.Sign(ctx, payload, meshID)
	if err != nil {
		return model.Playbook{}, &SigningError{MeshID: meshID, Cause: err}
	}

	pb := model.Playbook{
		ID:          id,
		MeshID:      meshID,
		Name:        req.Name,
		Payload:     string(payload),
		Signature:   sig.Signature,
		Algorithm:   sig.Algorithm,
		TargetNodes: targets,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(ttl),
	}

	q.pmu.Lock()
	q.playbooks[id] = pb
	q.pmu.Unlock()
	for _, node := range targets {
		if !q.deliveredInMemory(id, node) {
			q.enqueue(node, id)
		}
	}
	telemetry.PlaybooksCreated.Inc()

	q.mirror(ctx, "save_playbook", func(ctx context.Context, s store.PlaybookStore) error {
		return s.SavePlaybook(ctx, pb)
	})
	q.logger.Info("playbook created",
		zap.String("playbook_id", id),
		zap.String("mesh_id", meshID),
		zap.Strings("target_nodes", targets),
		zap.Time("expires_at", pb.ExpiresAt))
	return pb, nil
}

// Poll hands back the not-yet-delivered, unexpired playbooks queued for
// nodeID in meshID, in FIFO order, and removes them from the queue. A
// (playbook, node) pair is delivered at most once per process lifetime.
// Entries of another mesh stay queued; expired or already handled
// entries are dropped.
func (q *Queue) Poll(ctx context.Context, meshID, nodeID string) []model.DeliverablePlaybook {
	q.reconcile(ctx, meshID)

	q.qmu.Lock()
	pending := q.queues[nodeID]
	delete(q.queues, nodeID)
	q.qmu.Unlock()

	now := q.now()
	out := []model.DeliverablePlaybook{}
	var retained []string
	for _, id := range pending {
		pb, ok := q.playbook(id)
		switch {
		case !ok:
			telemetry.PlaybooksDropped.WithLabelValues("missing").Inc()
		case pb.MeshID != meshID:
			retained = append(retained, id)
		case pb.Expired(now):
			telemetry.PlaybooksDropped.WithLabelValues("expired").Inc()
		case q.deliveredInMemory(id, nodeID), !q.claim(id, nodeID, now):
			telemetry.PlaybooksDropped.WithLabelValues("handled").Inc()
		default:
			out = append(out, model.DeliverablePlaybook{
				PlaybookID: pb.ID,
				Name:       pb.Name,
				Payload:    pb.Payload,
				Signature:  pb.Signature,
				Algorithm:  pb.Algorithm,
				ExpiresAt:  pb.ExpiresAt,
			})
			rec := model.DeliveryRecord{PlaybookID: id, NodeID: nodeID, DeliveredAt: now}
			q.mirror(ctx, "save_delivery", func(ctx context.Context, s store.PlaybookStore) error {
				return s.SaveDelivery(ctx, rec)
			})
			telemetry.PlaybooksDelivered.Inc()
		}
	}

	if len(retained) > 0 {
		q.qmu.Lock()
		merged := retained
		for _, id := range q.queues[nodeID] {
			if !contains(merged, id) {
				merged = append(merged, id)
			}
		}
		q.queues[nodeID] = merged
		q.qmu.Unlock()
	}

	if len(out) > 0 {
		q.logger.Debug("playbooks delivered",
			zap.String("mesh_id", meshID),
			zap.String("node_id", nodeID),
			zap.Int("count", len(out)))
	}
	return out
}

// Acknowledge records a node's execution outcome. It is an idempotent
// upsert (last write wins), implies delivery, and accepts unknown ids.
func (q *Queue) Acknowledge(ctx context.Context, playbookID, nodeID, status string) model.Acknowledgment {
	if status == "" {
		status = model.AckCompleted
	}
	now := q.now().UTC()
	ack := model.Acknowledgment{PlaybookID: playbookID, NodeID: nodeID, Status: status, AcknowledgedAt: now}

	q.amu.Lock()
	if q.acks[playbookID] == nil {
		q.acks[playbookID] = make(map[string]model.Acknowledgment)
	}
	q.acks[playbookID][nodeID] = ack
	q.amu.Unlock()
	q.claim(playbookID, nodeID, now)
	telemetry.PlaybookAcks.Inc()

	q.mirror(ctx, "save_ack", func(ctx context.Context, s store.PlaybookStore) error {
		return s.SaveAck(ctx, ack)
	})
	q.mirror(ctx, "save_delivery", func(ctx context.Context, s store.PlaybookStore) error {
		return s.SaveDelivery(ctx, model.DeliveryRecord{PlaybookID: playbookID, NodeID: nodeID, DeliveredAt: now})
	})
	q.logger.Info("playbook acknowledged",
		zap.String("playbook_id", playbookID),
		zap.String("node_id", nodeID),
		zap.String("status", status))
	return ack
}

// Status merges durable and in-memory acknowledgments for a playbook;
// in-memory entries win for nodes present in both.
func (q *Queue) Status(ctx context.Context, playbookID string) (model.PlaybookStatus, error) {
	pb, ok := q.playbook(playbookID)
	if !ok {
		q.lookup(ctx, "get_playbook", func(ctx context.Context, s store.PlaybookStore) error {
			var err error
			pb, ok, err = s.GetPlaybook(ctx, playbookID)
			return err
		})
	}
	if !ok {
		return model.PlaybookStatus{}, ErrNotFound
	}

	statuses := map[string]model.NodeAck{}
	var durable []model.Acknowledgment
	q.lookup(ctx, "list_acks", func(ctx context.Context, s store.PlaybookStore) error {
		var err error
		durable, err = s.ListAcks(ctx, playbookID)
		return err
	})
	for _, a := range durable {
		statuses[a.NodeID] = model.NodeAck{Status: a.Status, AcknowledgedAt: a.AcknowledgedAt}
	}
	q.amu.RLock()
	for node, a := range q.acks[playbookID] {
		statuses[node] = model.NodeAck{Status: a.Status, AcknowledgedAt: a.AcknowledgedAt}
	}
	q.amu.RUnlock()

	return model.PlaybookStatus{
		PlaybookID:   pb.ID,
		Name:         pb.Name,
		NodeStatuses: statuses,
		TotalAcks:    len(statuses),
	}, nil
}

// List returns every known playbook of a mesh, expired ones included.
// Durable entries come first, then memory-only ones by creation time.
func (q *Queue) List(ctx context.Context, meshID string) []model.PlaybookSummary {
	var durable []model.Playbook
	q.lookup(ctx, "list_playbooks", func(ctx context.Context, s store.PlaybookStore) error {
		var err error
		durable, err = s.ListPlaybooksByMesh(ctx, meshID)
		return err
	})

	seen := make(map[string]struct{}, len(durable))
	out := make([]model.PlaybookSummary, 0, len(durable))
	for _, p := range durable {
		seen[p.ID] = struct{}{}
		out = append(out, summarize(p))
	}

	var local []model.Playbook
	q.pmu.RLock()
	for _, p := range q.playbooks {
		if _, ok := seen[p.ID]; !ok && p.MeshID == meshID {
			local = append(local, p)
		}
	}
	q.pmu.RUnlock()
	sort.Slice(local, func(i, j int) bool {
		if local[i].CreatedAt.Equal(local[j].CreatedAt) {
			return local[i].ID < local[j].ID
		}
		return local[i].CreatedAt.Before(local[j].CreatedAt)
	})
	for _, p := range local {
		out = append(out, summarize(p))
	}
	return out
}

// QueueDepth reports how many entries are pending for a node.
func (q *Queue) QueueDepth(nodeID string) int {
	q.qmu.Lock()
	defer q.qmu.Unlock()
	return len(q.queues[nodeID])
}

// reconcile loads durable playbooks of meshID unknown to memory and
// queues them for every target node that has not received or
// acknowledged them yet.
func (q *Queue) reconcile(ctx context.Context, meshID string) {
	var durable []model.Playbook
	now := q.now()
	q.lookup(ctx, "find_unexpired", func(ctx context.Context, s store.PlaybookStore) error {
		var err error
		durable, err = s.FindUnexpiredByMesh(ctx, meshID, now)
		return err
	})
	for _, pb := range durable {
		q.pmu.Lock()
		_, known := q.playbooks[pb.ID]
		if !known {
			q.playbooks[pb.ID] = pb
		}
		q.pmu.Unlock()
		if known {
			continue
		}
		q.reseed(ctx, pb)
		q.logger.Debug("playbook reseeded from store", zap.String("playbook_id", pb.ID), zap.String("mesh_id", meshID))
	}
}

// reseed queues pb for its targets with one bulk read of the durable acks
// and deliveries. Pairs found there are claimed so they are never
// redelivered; a failed read leaves them deliverable.
func (q *Queue) reseed(ctx context.Context, pb model.Playbook) {
	var pending []string
	for _, node := range pb.TargetNodes {
		if !q.deliveredInMemory(pb.ID, node) {
			pending = append(pending, node)
		}
	}
	if len(pending) == 0 {
		return
	}

	var (
		acks       []model.Acknowledgment
		deliveries []model.DeliveryRecord
	)
	q.lookup(ctx, "list_acks", func(ctx context.Context, s store.PlaybookStore) error {
		var err error
		acks, err = s.ListAcks(ctx, pb.ID)
		return err
	})
	q.lookup(ctx, "list_deliveries", func(ctx context.Context, s store.PlaybookStore) error {
		var err error
		deliveries, err = s.ListDeliveries(ctx, pb.ID)
		return err
	})
	handledAt := make(map[string]time.Time, len(acks)+len(deliveries))
	for _, d := range deliveries {
		handledAt[d.NodeID] = d.DeliveredAt
	}
	for _, a := range acks {
		handledAt[a.NodeID] = a.AcknowledgedAt
	}

	for _, node := range pending {
		if at, ok := handledAt[node]; ok {
			q.claim(pb.ID, node, at)
			continue
		}
		q.enqueue(node, pb.ID)
	}
}

func (q *Queue) deliveredInMemory(playbookID, nodeID string) bool {
	q.dmu.Lock()
	_, ok := q.delivered[deliveryKey{playbookID, nodeID}]
	q.dmu.Unlock()
	if ok {
		return true
	}
	q.amu.RLock()
	defer q.amu.RUnlock()
	_, ok = q.acks[playbookID][nodeID]
	return ok
}

// claim records a delivery for the pair and reports whether this call
// was the one that recorded it.
func (q *Queue) claim(playbookID, nodeID string, at time.Time) bool {
	q.dmu.Lock()
	defer q.dmu.Unlock()
	key := deliveryKey{playbookID, nodeID}
	if _, ok := q.delivered[key]; ok {
		return false
	}
	q.delivered[key] = at
	return true
}

func (q *Queue) enqueue(nodeID, playbookID string) {
	q.qmu.Lock()
	defer q.qmu.Unlock()
	if contains(q.queues[nodeID], playbookID) {
		return
	}
	q.queues[nodeID] = append(q.queues[nodeID], playbookID)
}

func (q *Queue) playbook(id string) (model.Playbook, bool) {
	q.pmu.RLock()
	defer q.pmu.RUnlock()
	p, ok := q.playbooks[id]
	return p, ok
}

func (q *Queue) newID() string {
	for {
		id := "pbk-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := q.playbook(id); !taken {
			return id
		}
	}
}

func summarize(p model.Playbook) model.PlaybookSummary {
	return model.PlaybookSummary{
		PlaybookID: p.ID,
		Name:       p.Name,
		Algorithm:  p.Algorithm,
		ExpiresAt:  p.ExpiresAt,
		CreatedAt:  p.CreatedAt,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
