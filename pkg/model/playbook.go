package model

import "time"

// Action kinds a playbook may carry.
const (
	ActionRestart      = "restart"
	ActionUpgrade      = "upgrade"
	ActionUpdateConfig = "update_config"
	ActionExec         = "exec"
	ActionBanPeer      = "ban_peer"
)

// AckCompleted is the status recorded when an agent omits one.
const AckCompleted = "completed"

// PlaybookAction is a single step of a playbook.
type PlaybookAction struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
}

// Playbook is an immutable signed command bundle addressed to nodes of a mesh.
// Payload holds the exact bytes that were signed.
type Playbook struct {
	ID          string    `json:"playbook_id"`
	MeshID      string    `json:"mesh_id"`
	Name        string    `json:"name"`
	Payload     string    `json:"payload"`
	Signature   string    `json:"signature"`
	Algorithm   string    `json:"algorithm"`
	TargetNodes []string  `json:"target_nodes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the playbook must no longer be delivered at now.
func (p Playbook) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// PlaybookPayload is the canonical document that gets signed.
type PlaybookPayload struct {
	PlaybookID  string           `json:"playbook_id"`
	MeshID      string           `json:"mesh_id"`
	Actions     []PlaybookAction `json:"actions"`
	TargetNodes []string         `json:"target_nodes"`
	CreatedAt   string           `json:"created_at"`
}

// DeliverablePlaybook is what a polling node receives.
type DeliverablePlaybook struct {
	PlaybookID string    `json:"playbook_id"`
	Name       string    `json:"name"`
	Payload    string    `json:"payload"`
	Signature  string    `json:"signature"`
	Algorithm  string    `json:"algorithm"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DeliveryRecord marks that a playbook was handed to (or acknowledged by) a node.
type DeliveryRecord struct {
	PlaybookID  string    `json:"playbook_id"`
	NodeID      string    `json:"node_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Acknowledgment is the execution outcome reported by a node; last write wins.
type Acknowledgment struct {
	PlaybookID     string    `json:"playbook_id"`
	NodeID         string    `json:"node_id"`
	Status         string    `json:"status"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// PlaybookSummary is the audit view of a playbook.
type PlaybookSummary struct {
	PlaybookID string    `json:"playbook_id"`
	Name       string    `json:"name"`
	Algorithm  string    `json:"algorithm"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// NodeAck is the per-node entry of a status report.
type NodeAck struct {
	Status         string    `json:"status"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// PlaybookStatus aggregates acknowledgments for one playbook.
type PlaybookStatus struct {
	PlaybookID   string             `json:"playbook_id"`
	Name         string             `json:"name"`
	NodeStatuses map[string]NodeAck `json:"node_statuses"`
	TotalAcks    int                `json:"total_acks"`
}
