package model

import "time"

// Listing states.
const (
	ListingAvailable = "available"
	ListingEscrow    = "escrow"
	ListingRented    = "rented"
)

// Escrow states.
const (
	EscrowHeld     = "held"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

// Listing is a node offered for rent on the marketplace.
type Listing struct {
	ID            string    `json:"listing_id"`
	OwnerID       string    `json:"owner_id"`
	NodeID        string    `json:"node_id"`
	Region        string    `json:"region"`
	PricePerHour  float64   `json:"price_per_hour"`
	BandwidthMbps int       `json:"bandwidth_mbps"`
	Status        string    `json:"status"`
	RenterID      string    `json:"renter_id,omitempty"`
	MeshID        string    `json:"mesh_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Escrow holds a renter's deposit until the rented node proves healthy.
type Escrow struct {
	ID          string     `json:"escrow_id"`
	ListingID   string     `json:"listing_id"`
	RenterID    string     `json:"renter_id"`
	AmountCents int64      `json:"amount_cents"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}
