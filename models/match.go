package models

import (
	"time"
)

// MatchKind selects which prize rule family applies to a match.
type MatchKind string

const (
	// KindPositionRanked pays a configured prize per finishing position plus
	// an optional per-kill bonus (tournament-style shooter matches).
	KindPositionRanked MatchKind = "position_ranked"
	// KindDuel is a two-sided win/lose/tie match with an optional per-kill
	// bonus on top (board game and 1v1 shooter duels).
	KindDuel MatchKind = "duel"
	// KindWinnerTakeMost pools every entry fee, retains a platform fee and
	// pays the remainder to the single winner.
	KindWinnerTakeMost MatchKind = "winner_take_most"
)

// MatchState is the lifecycle state of a wagering unit.
// open → filled → active → completed; open/filled/active may also cancel.
type MatchState string

const (
	MatchOpen      MatchState = "open"
	MatchFilled    MatchState = "filled"
	MatchActive    MatchState = "active"
	MatchCompleted MatchState = "completed"
	MatchCancelled MatchState = "cancelled"
)

// PrizeConfig carries the kind-specific prize parameters. Optional fields are
// pointers so "absent" is distinguishable from a configured zero.
type PrizeConfig struct {
	// position_ranked: prize per finishing position (1..N). Positions outside
	// the map pay nothing.
	PositionPrizes map[int]int64 `json:"position_prizes,omitempty"`
	// Bonus per kill, added individually even for unranked/losing players.
	PerKill *int64 `json:"per_kill,omitempty"`
	// duel: prize for the winner; split by floor division across tied players.
	WinnerPrize *int64 `json:"winner_prize,omitempty"`
	// winner_take_most: platform fee in basis points (1000 = 10%).
	FeeBps *int64 `json:"fee_bps,omitempty"`
}

// OutcomeResult tags a duel outcome. The tag is the canonical source of
// truth for "who won" — there is no separately settable winner flag.
type OutcomeResult string

const (
	ResultWin  OutcomeResult = "win"
	ResultLose OutcomeResult = "lose"
	ResultTie  OutcomeResult = "tie"
)

// Outcome is a participant's raw reported result. Which fields are
// meaningful depends on the match kind.
type Outcome struct {
	Result   OutcomeResult `json:"result,omitempty"`
	Position int           `json:"position,omitempty"` // 1..N, 0 = unranked/DNF
	Kills    int64         `json:"kills,omitempty"`
}

// Match (aka Room) is the unit of wagering: capacity, entry terms and
// lifecycle state. EntryFee and Capacity are immutable once anyone joined.
type Match struct {
	ID          string      `gorm:"primaryKey;type:uuid" json:"id"`
	Slug        string      `gorm:"index" json:"slug"`
	Title       string      `gorm:"not null" json:"title"`
	Kind        MatchKind   `gorm:"type:varchar(32);not null;index" json:"kind"`
	State       MatchState  `gorm:"type:varchar(16);not null;default:'open';index" json:"state"`
	Capacity    int         `gorm:"not null" json:"capacity"`
	EntryFee    int64       `gorm:"not null" json:"entry_fee"` // minor units
	PrizeConfig PrizeConfig `gorm:"serializer:json" json:"prize_config"`
	FilledCount int         `gorm:"not null;default:0" json:"filled_count"`
	// RoomCode gates private matches; the second joiner must present it.
	RoomCode  string  `gorm:"size:6" json:"-"`
	CreatedBy string  `gorm:"index" json:"created_by"`
	RematchOf *string `gorm:"type:uuid" json:"rematch_of,omitempty"`

	Participants []Participant `json:"participants,omitempty" gorm:"foreignKey:MatchID"`

	Timestamps
}

// Participant ties a user to a match slot and to the ledger reservation that
// escrows their entry fee. SettlementID doubles as the idempotence marker for
// the initial settlement.
type Participant struct {
	ID            string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_match_user" json:"match_id"`
	UserID        string    `gorm:"type:uuid;not null;uniqueIndex:idx_match_user;index" json:"user_id"`
	UserName      string    `json:"user_name"` // denormalized from player profile mirror
	SlotIndex     int       `json:"slot_index"`
	ReservationID string    `gorm:"type:uuid;not null" json:"reservation_id"`
	Outcome       *Outcome  `gorm:"serializer:json" json:"outcome,omitempty"`
	SettledAmount *int64    `json:"settled_amount,omitempty"`
	SettlementID  *string   `gorm:"type:uuid" json:"settlement_id,omitempty"`
	JoinedAt      time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// MatchEvent is the change-notification feed row published on every
// lifecycle transition and settlement. Read-only for subscribers (SSE).
type MatchEvent struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID   string    `gorm:"type:uuid;not null;index" json:"match_id"`
	Type      string    `gorm:"type:varchar(32);not null" json:"type"`
	Payload   string    `gorm:"type:text" json:"payload"` // JSON blob
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

const (
	EventParticipantJoined = "participant_joined"
	EventStateChanged      = "state_changed"
	EventSettled           = "settled"
	EventCorrected         = "corrected"
	EventCancelled         = "cancelled"
)
