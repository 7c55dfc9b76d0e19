package models

import (
	"time"
)

// OutboundNotification is a fire-and-forget "notify user" message queued by
// the settlement processor and lifecycle. A polling worker delivers it to the
// messaging service; delivery failure never rolls back the operation that
// queued it.
type OutboundNotification struct {
	ID          string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string     `gorm:"type:uuid;not null;index" json:"user_id"`
	Kind        string     `gorm:"type:varchar(32);not null" json:"kind"`
	Title       string     `json:"title"`
	Body        string     `gorm:"type:text" json:"body"`
	Payload     string     `gorm:"type:text" json:"payload"` // JSON for the client
	Delivered   bool       `gorm:"default:false;index" json:"delivered"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

const (
	NotifySettlement   = "settlement"
	NotifyCorrection   = "correction"
	NotifyCancellation = "cancellation"
	NotifyRematchOffer = "rematch_offer"
)
