package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mesh-maas/pkg/model"
	"mesh-maas/pkg/playbook"
)

// createPlaybookRequest accepts both snake_case and camelCase keys.
type createPlaybookRequest struct {
	Name              string                 `json:"name"`
	TargetNodes       []string               `json:"target_nodes"`
	TargetNodesCamel  []string               `json:"targetNodes"`
	Actions           []model.PlaybookAction `json:"actions"`
	ExpiresInSec      *int                   `json:"expires_in_sec"`
	ExpiresInSecCamel *int                   `json:"expiresInSec"`
}

func (b createPlaybookRequest) toCreate() (playbook.CreateRequest, error) {
	req := playbook.CreateRequest{
		Name:        b.Name,
		TargetNodes: b.TargetNodes,
		Actions:     b.Actions,
	}
	if len(req.TargetNodes) == 0 {
		req.TargetNodes = b.TargetNodesCamel
	}
	secs := b.ExpiresInSec
	if secs == nil {
		secs = b.ExpiresInSecCamel
	}
	if secs != nil {
		if *secs <= 0 {
			return req, &playbook.ValidationError{Field: "expires_in_sec", Message: "must be a positive number of seconds"}
		}
		// range-check before converting; a large count would wrap the Duration
		minSecs, maxSecs := int(playbook.MinTTL/time.Second), int(playbook.MaxTTL/time.Second)
		if *secs < minSecs || *secs > maxSecs {
			return req, &playbook.ValidationError{
				Field:   "expires_in_sec",
				Message: fmt.Sprintf("must be between %d and %d seconds", minSecs, maxSecs),
			}
		}
		req.TTL = time.Duration(*secs) * time.Second
	}
	return req, nil
}

func meshParam(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("meshId"); v != "" {
		return v
	}
	return q.Get("mesh_id")
}

func (s *Server) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) error {
	meshID := meshParam(r)
	if meshID == "" {
		return badRequest("meshId is required")
	}
	var body createPlaybookRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return badRequest("invalid payload")
	}
	req, err := body.toCreate()
	if err != nil {
		return err
	}
	pb, err := s.queue.Create(r.Context(), meshID, req)
	if err != nil {
		return err
	}

	actor := principal(r)
	s.appendAudit(r, model.AuditEntry{
		Actor:  actor.Username,
		Action: model.AuditPlaybookCreated,
		Target: pb.ID,
		Detail: "mesh=" + meshID,
	})
	if s.hub != nil {
		s.hub.NotifyPlaybook(pb.TargetNodes, pb.ID)
	}
	writeJSON(w, http.StatusOK, pb)
	return nil
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) error {
	items := s.queue.Poll(r.Context(), chi.URLParam(r, "meshId"), chi.URLParam(r, "nodeId"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"playbooks": items})
	return nil
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) error {
	playbookID := chi.URLParam(r, "playbookId")
	nodeID := chi.URLParam(r, "nodeId")
	ack := s.queue.Acknowledge(r.Context(), playbookID, nodeID, r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "received",
		"playbook_id": ack.PlaybookID,
		"node_id":     ack.NodeID,
	})
	return nil
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, s.queue.List(r.Context(), chi.URLParam(r, "meshId")))
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	st, err := s.queue.Status(r.Context(), chi.URLParam(r, "playbookId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

// appendAudit is best-effort.
func (s *Server) appendAudit(r *http.Request, e model.AuditEntry) {
	if s.audit == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := s.audit.AppendAudit(r.Context(), e); err != nil {
		s.logger.Warn("audit append failed", zap.String("action", e.Action), zap.Error(err))
	}
}
