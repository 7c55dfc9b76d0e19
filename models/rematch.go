package models

import (
	"time"
)

// RematchOfferStatus lifecycle: pending → accepted | declined | expired.
type RematchOfferStatus string

const (
	OfferPending  RematchOfferStatus = "pending"
	OfferAccepted RematchOfferStatus = "accepted"
	OfferDeclined RematchOfferStatus = "declined"
	OfferExpired  RematchOfferStatus = "expired"
)

// RematchOffer is a short-lived two-party proposal to replay a completed
// match under identical entry terms. Expiry is checked lazily on accept, so
// correctness never depends on the background sweep.
type RematchOffer struct {
	ID            string             `gorm:"primaryKey;type:uuid" json:"id"`
	SourceMatchID string             `gorm:"type:uuid;not null;index" json:"source_match_id"`
	RequesterID   string             `gorm:"type:uuid;not null;index" json:"requester_id"`
	ResponderID   string             `gorm:"type:uuid;not null;index" json:"responder_id"`
	Status        RematchOfferStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	// Reason explains a decline (responder choice, requester cancel, or a
	// failed join at accept time).
	Reason     string    `json:"reason,omitempty"`
	NewMatchID *string   `gorm:"type:uuid" json:"new_match_id,omitempty"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`

	Timestamps
}
