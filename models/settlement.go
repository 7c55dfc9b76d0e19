package models

import (
	"time"
)

// SettlementReason classifies a settlement record.
type SettlementReason string

const (
	SettlementInitial    SettlementReason = "initial"
	SettlementCorrection SettlementReason = "correction"
	SettlementRefund     SettlementReason = "refund"
)

// SettlementRecord is the audit row for every applied payout, refund or
// correction delta. A participant has at most one initial record; the initial
// amount plus all correction deltas equals the participant's SettledAmount.
type SettlementRecord struct {
	ID            string           `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID       string           `gorm:"type:uuid;not null;index" json:"match_id"`
	ParticipantID string           `gorm:"type:uuid;not null;index" json:"participant_id"`
	UserID        string           `gorm:"type:uuid;not null;index" json:"user_id"`
	// Amount is signed: positive credits, negative debits (corrections only).
	Amount    int64            `gorm:"not null" json:"amount"`
	Reason    SettlementReason `gorm:"type:varchar(16);not null;index" json:"reason"`
	AppliedAt time.Time        `gorm:"autoCreateTime;index" json:"applied_at"`
}
