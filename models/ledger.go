package models

import (
	"time"
)

// LedgerAccount is the single source of truth for a user's balance.
// Available never goes negative; Reserved is the sum of held reservations.
// All amounts are integer minor units.
type LedgerAccount struct {
	UserID    string `gorm:"primaryKey;type:uuid" json:"user_id"`
	Available int64  `gorm:"not null;default:0" json:"available"`
	Reserved  int64  `gorm:"not null;default:0" json:"reserved"`

	Timestamps
}

// ReservationStatus transitions exactly once from held to either
// captured or released, never both.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationCaptured ReservationStatus = "captured"
	ReservationReleased ReservationStatus = "released"
)

// Reservation escrows an entry fee out of a user's available balance until
// the match settles (capture) or unwinds (release).
type Reservation struct {
	ID      string            `gorm:"primaryKey;type:uuid" json:"id"`
	UserID  string            `gorm:"type:uuid;not null;index" json:"user_id"`
	MatchID string            `gorm:"type:uuid;not null;index" json:"match_id"`
	Amount  int64             `gorm:"not null" json:"amount"`
	Status  ReservationStatus `gorm:"type:varchar(16);not null;default:'held';index" json:"status"`
	// FinalAmount is the credited payout on capture — may be zero or exceed
	// Amount, since winnings are new credit, not merely stake return.
	FinalAmount *int64 `json:"final_amount,omitempty"`

	Timestamps
}

// LedgerAdjustment records a direct signed delta to an account outside the
// reserve/capture flow (corrections, staff credits). The unique correlation
// id is what makes replays no-ops.
type LedgerAdjustment struct {
	ID            string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Delta         int64     `gorm:"not null" json:"delta"`
	CorrelationID string    `gorm:"not null;uniqueIndex" json:"correlation_id"`
	Reference     string    `json:"reference"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
