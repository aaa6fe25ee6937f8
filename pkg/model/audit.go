package model

import "time"

// Audit actions written by the controller.
const (
	AuditPlaybookCreated  = "playbook_created"
	AuditUserRegistered   = "user_registered"
	AuditSBOMRegistered   = "sbom_registered"
	AuditListingCreated   = "marketplace_listing_created"
	AuditListingCancelled = "marketplace_listing_cancelled"
	AuditRentInitiated    = "marketplace_rent_initiated"
	AuditEscrowReleased   = "marketplace_escrow_released"
	AuditEscrowRefunded   = "marketplace_escrow_refunded"
)

// AuditEntry records who did what to which object. Entries are append-only
// and listed newest first.
type AuditEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
