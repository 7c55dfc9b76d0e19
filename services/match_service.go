package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"wager-settlement-service/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

// roomCodeAlphabet avoids lookalike characters; codes are read out loud
// between players.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// MatchService owns the match/room lifecycle state machine: admission,
// capacity, readiness, activity, completion and cancellation.
type MatchService struct {
	DB     *gorm.DB
	Ledger *LedgerService
}

func NewMatchService(db *gorm.DB, ledger *LedgerService) *MatchService {
	return &MatchService{DB: db, Ledger: ledger}
}

// MatchTerms is the read-only slice of a match the Rematch Negotiator needs
// to clone entry terms without re-deriving prize configuration.
type MatchTerms struct {
	Title       string
	Kind        models.MatchKind
	Capacity    int
	EntryFee    int64
	PrizeConfig models.PrizeConfig
}

// CloneTerms exposes a match's entry terms for rematch creation.
func (s *MatchService) CloneTerms(matchID string) (*MatchTerms, error) {
	var m models.Match
	if err := s.DB.First(&m, "id = ?", matchID).Error; err != nil {
		return nil, err
	}
	return &MatchTerms{
		Title:       m.Title,
		Kind:        m.Kind,
		Capacity:    m.Capacity,
		EntryFee:    m.EntryFee,
		PrizeConfig: m.PrizeConfig,
	}, nil
}

// CreateTx inserts a new open match inside the caller's transaction.
func (s *MatchService) CreateTx(tx *gorm.DB, terms MatchTerms, createdBy string, private bool, rematchOf *string) (*models.Match, error) {
	if terms.Capacity < 2 {
		return nil, fmt.Errorf("%w: capacity must be at least 2", models.ErrInvalidConfig)
	}
	if terms.EntryFee < 0 {
		return nil, fmt.Errorf("%w: entry_fee must be >= 0", models.ErrInvalidConfig)
	}
	if err := ValidatePrizeConfig(terms.Kind, terms.PrizeConfig); err != nil {
		return nil, err
	}

	m := &models.Match{
		ID:          uuid.NewString(),
		Slug:        slug.Make(terms.Title),
		Title:       terms.Title,
		Kind:        terms.Kind,
		State:       models.MatchOpen,
		Capacity:    terms.Capacity,
		EntryFee:    terms.EntryFee,
		PrizeConfig: terms.PrizeConfig,
		CreatedBy:   createdBy,
		RematchOf:   rematchOf,
	}
	if private {
		code, err := gonanoid.Generate(roomCodeAlphabet, 6)
		if err != nil {
			return nil, err
		}
		m.RoomCode = code
	}
	if err := tx.Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// JoinTx admits a user into a match inside the caller's transaction.
// The capacity check and the slot grant are one critical section: a
// conditional increment on filled_count that only matches while the match is
// open and below capacity, so concurrent joiners can never overbook.
func (s *MatchService) JoinTx(tx *gorm.DB, matchID, userID, roomCode string) (*models.Participant, error) {
	var m models.Match
	if err := tx.First(&m, "id = ?", matchID).Error; err != nil {
		return nil, err
	}

	switch m.State {
	case models.MatchOpen:
		// proceed
	case models.MatchFilled, models.MatchActive:
		return nil, models.ErrMatchFull
	default:
		return nil, models.ErrInvalidState
	}

	if m.RoomCode != "" && !strings.EqualFold(roomCode, m.RoomCode) {
		return nil, models.ErrInvalidCode
	}

	var existing int64
	if err := tx.Model(&models.Participant{}).
		Where("match_id = ? AND user_id = ?", matchID, userID).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, models.ErrAlreadyJoined
	}

	res := tx.Model(&models.Match{}).
		Where("id = ? AND state = ? AND filled_count < capacity", matchID, models.MatchOpen).
		Update("filled_count", gorm.Expr("filled_count + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrMatchFull
	}

	// Re-read inside the transaction: sees our own increment, and under
	// contention the row lock from the update above serializes us.
	if err := tx.First(&m, "id = ?", matchID).Error; err != nil {
		return nil, err
	}

	reservation, err := s.Ledger.Reserve(tx, userID, matchID, m.EntryFee)
	if err != nil {
		return nil, err
	}

	participant := &models.Participant{
		ID:            uuid.NewString(),
		MatchID:       matchID,
		UserID:        userID,
		UserName:      s.lookupUsername(tx, userID),
		SlotIndex:     m.FilledCount - 1,
		ReservationID: reservation.ID,
	}
	if err := tx.Create(participant).Error; err != nil {
		// Two same-user joins racing past the count check land on the
		// (match_id, user_id) unique index.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, models.ErrAlreadyJoined
		}
		return nil, err
	}
	s.emitEvent(tx, matchID, models.EventParticipantJoined, fiber.Map{
		"participant_id": participant.ID,
		"user_id":        userID,
		"slot_index":     participant.SlotIndex,
		"filled_count":   m.FilledCount,
	})

	if m.FilledCount == m.Capacity {
		// Two-party exchanges start the moment both stakes are held;
		// larger rooms wait for an explicit activation.
		next := models.MatchFilled
		if m.Capacity == 2 {
			next = models.MatchActive
		}
		if err := tx.Model(&models.Match{}).
			Where("id = ?", matchID).
			Update("state", next).Error; err != nil {
			return nil, err
		}
		s.emitEvent(tx, matchID, models.EventStateChanged, fiber.Map{"state": next})
	}

	return participant, nil
}

// Join wraps JoinTx in its own transaction, so a failed reserve or a lost
// capacity race unwinds everything.
func (s *MatchService) Join(matchID, userID, roomCode string) (*models.Participant, error) {
	var participant *models.Participant
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		participant, err = s.JoinTx(tx, matchID, userID, roomCode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return participant, nil
}

// Activate moves a filled multi-player match into play (staff action).
func (s *MatchService) Activate(matchID string) error {
	res := s.DB.Model(&models.Match{}).
		Where("id = ? AND state = ?", matchID, models.MatchFilled).
		Update("state", models.MatchActive)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrInvalidState
	}
	s.emitEvent(s.DB, matchID, models.EventStateChanged, fiber.Map{"state": models.MatchActive})
	return nil
}

// Cancel unwinds a match before completion: every participant's reservation
// is released and refund records are written. Cancelling a completed match is
// ErrInvalidState; cancelling a cancelled match is a no-op. If some releases
// fail the match keeps its state and ErrPartialCancel asks the operator to
// retry — every release is idempotent, so re-invoking is safe.
func (s *MatchService) Cancel(matchID string) error {
	var m models.Match
	if err := s.DB.First(&m, "id = ?", matchID).Error; err != nil {
		return err
	}
	switch m.State {
	case models.MatchCompleted:
		return models.ErrInvalidState
	case models.MatchCancelled:
		return nil
	}

	var participants []models.Participant
	if err := s.DB.Where("match_id = ?", matchID).Find(&participants).Error; err != nil {
		return err
	}

	failed := 0
	for _, p := range participants {
		p := p
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			if err := s.Ledger.Release(tx, p.ReservationID); err != nil {
				return err
			}
			// One refund record per participant, keyed off the reservation so
			// retried cancels do not double-write.
			var count int64
			if err := tx.Model(&models.SettlementRecord{}).
				Where("match_id = ? AND participant_id = ? AND reason = ?",
					matchID, p.ID, models.SettlementRefund).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return tx.Create(&models.SettlementRecord{
					ID:            uuid.NewString(),
					MatchID:       matchID,
					ParticipantID: p.ID,
					UserID:        p.UserID,
					Amount:        m.EntryFee,
					Reason:        models.SettlementRefund,
				}).Error
			}
			return nil
		})
		if err != nil {
			failed++
			log.Printf("[CANCEL] Failed to release reservation %s (match %s): %v", p.ReservationID, matchID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d reservations", models.ErrPartialCancel, failed, len(participants))
	}

	res := s.DB.Model(&models.Match{}).
		Where("id = ? AND state IN ?", matchID,
			[]models.MatchState{models.MatchOpen, models.MatchFilled, models.MatchActive}).
		Update("state", models.MatchCancelled)
	if res.Error != nil {
		return res.Error
	}
	s.emitEvent(s.DB, matchID, models.EventCancelled, fiber.Map{"state": models.MatchCancelled})

	for _, p := range participants {
		s.enqueueNotification(p.UserID, models.NotifyCancellation,
			"Match cancelled",
			fmt.Sprintf("%s was cancelled — your entry fee was returned.", m.Title),
			fiber.Map{"match_id": matchID, "refund": m.EntryFee})
	}
	return nil
}

// lookupUsername denormalizes the display name from the profile mirror;
// an empty name is fine when the mirror has not caught up yet.
func (s *MatchService) lookupUsername(tx *gorm.DB, userID string) string {
	var profile models.PlayerProfile
	if err := tx.Where("external_user_id = ?", userID).First(&profile).Error; err != nil {
		return ""
	}
	return profile.Username
}

// emitEvent appends to the per-match change feed consumed by SSE subscribers.
// Feed failures are logged, never escalated.
func (s *MatchService) emitEvent(tx *gorm.DB, matchID, eventType string, payload fiber.Map) {
	data, _ := json.Marshal(payload)
	event := &models.MatchEvent{
		ID:      uuid.NewString(),
		MatchID: matchID,
		Type:    eventType,
		Payload: string(data),
	}
	if err := tx.Create(event).Error; err != nil {
		log.Printf("[EVENTS] Failed to emit %s for match %s: %v", eventType, matchID, err)
	}
}

// enqueueNotification queues a fire-and-forget user notification for the
// outbox worker. Always post-commit, always log-only on failure.
func (s *MatchService) enqueueNotification(userID, kind, title, body string, payload fiber.Map) {
	data, _ := json.Marshal(payload)
	n := &models.OutboundNotification{
		ID:      uuid.NewString(),
		UserID:  userID,
		Kind:    kind,
		Title:   title,
		Body:    body,
		Payload: string(data),
	}
	if err := s.DB.Create(n).Error; err != nil {
		log.Printf("[NOTIFY] Failed to queue %s notification for user %s: %v", kind, userID, err)
	}
}

// --- Handlers ---

// CreateMatch opens a new match (staff or match organizers).
func (s *MatchService) CreateMatch(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		Title       string             `json:"title" validate:"required"`
		Kind        models.MatchKind   `json:"kind" validate:"required,oneof=position_ranked duel winner_take_most"`
		Capacity    int                `json:"capacity" validate:"required,min=2"`
		EntryFee    int64              `json:"entry_fee"`
		PrizeConfig models.PrizeConfig `json:"prize_config"`
		Private     bool               `json:"private"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "title is required"})
	}

	var match *models.Match
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		match, err = s.CreateTx(tx, MatchTerms{
			Title:       req.Title,
			Kind:        req.Kind,
			Capacity:    req.Capacity,
			EntryFee:    req.EntryFee,
			PrizeConfig: req.PrizeConfig,
		}, userID, req.Private, nil)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidConfig) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		log.Printf("DB Error creating match: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create match"})
	}

	// The room code is returned once, to the creator only.
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"match":     match,
		"room_code": match.RoomCode,
	})
}

// GetMatch returns a match with its participants.
func (s *MatchService) GetMatch(c *fiber.Ctx) error {
	id := c.Params("id")

	var match models.Match
	if err := s.DB.Preload("Participants").First(&match, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(match)
}

// ListMatches returns matches, optionally filtered by state and kind.
func (s *MatchService) ListMatches(c *fiber.Ctx) error {
	query := s.DB.Model(&models.Match{}).Order("created_at DESC").Limit(100)
	if state := c.Query("state"); state != "" {
		query = query.Where("state = ?", state)
	}
	if kind := c.Query("kind"); kind != "" {
		query = query.Where("kind = ?", kind)
	}

	var matches []models.Match
	if err := query.Find(&matches).Error; err != nil {
		log.Printf("DB Error listing matches: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch matches"})
	}
	return c.JSON(matches)
}

// JoinMatch admits the authenticated user, escrows the entry fee and reports
// the updated match.
func (s *MatchService) JoinMatch(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	matchID := c.Params("id")

	var req struct {
		RoomCode string `json:"room_code"`
	}
	// Body is optional for public matches.
	if err := c.BodyParser(&req); err != nil {
		req.RoomCode = ""
	}

	participant, err := s.Join(matchID, userID, req.RoomCode)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		case errors.Is(err, models.ErrMatchFull):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match is full"})
		case errors.Is(err, models.ErrAlreadyJoined):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already joined"})
		case errors.Is(err, models.ErrInvalidCode):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid room code"})
		case errors.Is(err, models.ErrInsufficientFunds):
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient funds"})
		case errors.Is(err, models.ErrInvalidState):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match is not accepting joins"})
		}
		log.Printf("DB Error joining match %s: %v", matchID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to join match"})
	}

	return c.Status(fiber.StatusCreated).JSON(participant)
}

// ActivateMatch starts a filled multi-player match (staff action).
func (s *MatchService) ActivateMatch(c *fiber.Ctx) error {
	matchID := c.Params("id")
	if err := s.Activate(matchID); err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match is not ready to start"})
		}
		log.Printf("DB Error activating match %s: %v", matchID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to activate match"})
	}
	return c.JSON(fiber.Map{"message": "match activated", "match_id": matchID})
}

// CancelMatch cancels a match and refunds every participant. Only the
// creator or staff may cancel.
func (s *MatchService) CancelMatch(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	matchID := c.Params("id")

	var m models.Match
	if err := s.DB.First(&m, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if m.CreatedBy != userID && !hasRole(c, "admin") {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not allowed to cancel this match"})
	}

	if err := s.Cancel(matchID); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidState):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match already completed"})
		case errors.Is(err, models.ErrPartialCancel):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":     "cancellation incomplete — retry",
				"retriable": true,
				"details":   err.Error(),
			})
		}
		log.Printf("DB Error cancelling match %s: %v", matchID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to cancel match"})
	}
	return c.JSON(fiber.Map{"message": "match cancelled", "match_id": matchID})
}

// hasRole checks the gateway-supplied role list.
func hasRole(c *fiber.Ctx, role string) bool {
	roles, _ := c.Locals("user_roles").([]string)
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
