package playbook

import (
	"fmt"
	"strings"
	"time"

	"mesh-maas/pkg/model"
)

const (
	MinTTL     = 60 * time.Second
	MaxTTL     = 86400 * time.Second
	DefaultTTL = 3600 * time.Second
)

var validActions = map[string]struct{}{
	model.ActionRestart:      {},
	model.ActionUpgrade:      {},
	model.ActionUpdateConfig: {},
	model.ActionExec:         {},
	model.ActionBanPeer:      {},
}

// CreateRequest carries the caller-supplied part of a new playbook.
// A zero TTL means DefaultTTL.
type CreateRequest struct {
	Name        string
	TargetNodes []string
	Actions     []model.PlaybookAction
	TTL         time.Duration
}

// normalize validates r and returns the de-duplicated target list and the
// effective TTL.
func (r CreateRequest) normalize(meshID string) ([]string, time.Duration, error) {
	if strings.TrimSpace(meshID) == "" {
		return nil, 0, &ValidationError{Field: "mesh_id", Message: "mesh id is required"}
	}
	if strings.TrimSpace(r.Name) == "" {
		return nil, 0, &ValidationError{Field: "name", Message: "playbook name is required"}
	}
	if len(r.TargetNodes) == 0 {
		return nil, 0, &ValidationError{Field: "target_nodes", Message: "at least one target node is required"}
	}
	if len(r.Actions) == 0 {
		return nil, 0, &ValidationError{Field: "actions", Message: "at least one action is required"}
	}
	for i, a := range r.Actions {
		if _, ok := validActions[a.Action]; !ok {
			return nil, 0, &ValidationError{
				Field:   fmt.Sprintf("actions[%d].action", i),
				Message: fmt.Sprintf("unknown action '%s'", a.Action),
			}
		}
	}

	ttl := r.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return nil, 0, &ValidationError{
			Field:   "expires_in_sec",
			Message: fmt.Sprintf("must be between %d and %d seconds", int(MinTTL.Seconds()), int(MaxTTL.Seconds())),
		}
	}

	seen := make(map[string]struct{}, len(r.TargetNodes))
	targets := make([]string, 0, len(r.TargetNodes))
	for i, n := range r.TargetNodes {
		if strings.TrimSpace(n) == "" {
			return nil, 0, &ValidationError{Field: fmt.Sprintf("target_nodes[%d]", i), Message: "node id is empty"}
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		targets = append(targets, n)
	}
	return targets, ttl, nil
}

func copyActions(in []model.PlaybookAction) []model.PlaybookAction {
	out := make([]model.PlaybookAction, len(in))
	for i, a := range in {
		params := a.Params
		if params == nil {
			params = map[string]interface{}{}
		}
		out[i] = model.PlaybookAction{Action: a.Action, Params: params}
	}
	return out
}
