package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"mesh-maas/pkg/model"
	"mesh-maas/pkg/signer"
)

// Outcomes reported back to the controller.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// Handler executes one playbook action.
type Handler func(ctx context.Context, a model.PlaybookAction) error

// Poller fetches, verifies, executes and acknowledges playbooks for one node.
type Poller struct {
	client   *Client
	meshID   string
	nodeID   string
	verifier signer.Verifier
	journal  *Journal
	handlers map[string]Handler
	logger   *zap.Logger
	now      func() time.Time
}

type PollerOption func(*Poller)

// WithVerifier turns on signature checks; playbooks failing them are rejected.
func WithVerifier(v signer.Verifier) PollerOption { return func(p *Poller) { p.verifier = v } }

func WithJournal(j *Journal) PollerOption { return func(p *Poller) { p.journal = j } }

func WithHandler(action string, h Handler) PollerOption {
	return func(p *Poller) { p.handlers[action] = h }
}

func WithHandlers(hs map[string]Handler) PollerOption {
	return func(p *Poller) {
		for a, h := range hs {
			p.handlers[a] = h
		}
	}
}

func WithLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPoller(client *Client, meshID, nodeID string, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		meshID:   meshID,
		nodeID:   nodeID,
		handlers: map[string]Handler{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("mesh_id", meshID), zap.String("node_id", nodeID))
	return p
}

// Run polls every interval until ctx ends. A receive on wake triggers an
// immediate poll; wake may be nil.
func (p *Poller) Run(ctx context.Context, interval time.Duration, wake <-chan struct{}) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-wake:
		}
	}
}

// PollOnce handles one poll round and returns how many playbooks it got.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	items, err := p.client.Poll(ctx, p.meshID, p.nodeID)
	if err != nil {
		return 0, err
	}
	var ackErr error
	for _, d := range items {
		status := p.handle(ctx, d)
		if err := p.client.Ack(ctx, d.PlaybookID, p.nodeID, status); err != nil {
			p.logger.Warn("ack failed", zap.String("playbook_id", d.PlaybookID), zap.Error(err))
			ackErr = errors.Join(ackErr, err)
			continue
		}
		p.logger.Info("playbook acknowledged", zap.String("playbook_id", d.PlaybookID), zap.String("status", status))
	}
	return len(items), ackErr
}

func (p *Poller) handle(ctx context.Context, d model.DeliverablePlaybook) string {
	if p.journal != nil {
		status, ok, err := p.journal.Outcome(ctx, d.PlaybookID)
		if err != nil {
			p.logger.Warn("journal read failed", zap.String("playbook_id", d.PlaybookID), zap.Error(err))
		}
		if ok {
			return status
		}
	}
	status := p.execute(ctx, d)
	if p.journal != nil {
		if err := p.journal.Record(ctx, d.PlaybookID, status, p.now()); err != nil {
			p.logger.Warn("journal write failed", zap.String("playbook_id", d.PlaybookID), zap.Error(err))
		}
	}
	return status
}

func (p *Poller) execute(ctx context.Context, d model.DeliverablePlaybook) string {
	log := p.logger.With(zap.String("playbook_id", d.PlaybookID))
	if p.verifier != nil {
		sig := signer.Signature{Signature: d.Signature, Algorithm: d.Algorithm}
		if err := p.verifier.Verify([]byte(d.Payload), p.meshID, sig); err != nil {
			log.Warn("signature rejected", zap.Error(err))
			return StatusRejected
		}
	}
	var payload model.PlaybookPayload
	if err := json.Unmarshal([]byte(d.Payload), &payload); err != nil {
		log.Warn("payload rejected", zap.Error(err))
		return StatusRejected
	}
	if payload.PlaybookID != d.PlaybookID || payload.MeshID != p.meshID || !targets(payload.TargetNodes, p.nodeID) {
		log.Warn("payload addressed elsewhere",
			zap.String("payload_id", payload.PlaybookID),
			zap.String("payload_mesh", payload.MeshID))
		return StatusRejected
	}
	for i, a := range payload.Actions {
		h, ok := p.handlers[a.Action]
		if !ok {
			log.Warn("no handler for action", zap.Int("index", i), zap.String("action", a.Action))
			return StatusFailed
		}
		if err := h(ctx, a); err != nil {
			log.Warn("action failed", zap.Int("index", i), zap.String("action", a.Action), zap.Error(err))
			return StatusFailed
		}
	}
	return StatusCompleted
}

func targets(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
