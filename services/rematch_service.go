package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"wager-settlement-service/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultOfferTTL bounds how long a rematch offer stays open when the
// requester does not pick a TTL.
const DefaultOfferTTL = 2 * time.Minute

// RematchService runs the short-lived two-party offer/accept/decline/timeout
// protocol that spins up a fresh match with identical entry terms.
type RematchService struct {
	DB      *gorm.DB
	Matches *MatchService
}

func NewRematchService(db *gorm.DB, matches *MatchService) *RematchService {
	return &RematchService{DB: db, Matches: matches}
}

// Request creates a pending offer from one participant of a completed
// two-player match to the other.
func (s *RematchService) Request(sourceMatchID, requesterID string, ttl time.Duration) (*models.RematchOffer, error) {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}

	var m models.Match
	if err := s.DB.First(&m, "id = ?", sourceMatchID).Error; err != nil {
		return nil, err
	}
	if m.State != models.MatchCompleted || m.Capacity != 2 {
		return nil, models.ErrInvalidState
	}

	var participants []models.Participant
	if err := s.DB.Where("match_id = ?", sourceMatchID).Find(&participants).Error; err != nil {
		return nil, err
	}

	responderID := ""
	for _, p := range participants {
		if p.UserID != requesterID {
			responderID = p.UserID
		}
	}
	isParticipant := false
	for _, p := range participants {
		if p.UserID == requesterID {
			isParticipant = true
		}
	}
	if !isParticipant || responderID == "" {
		return nil, models.ErrInvalidState
	}

	offer := &models.RematchOffer{
		ID:            uuid.NewString(),
		SourceMatchID: sourceMatchID,
		RequesterID:   requesterID,
		ResponderID:   responderID,
		Status:        models.OfferPending,
		ExpiresAt:     time.Now().Add(ttl),
	}
	if err := s.DB.Create(offer).Error; err != nil {
		return nil, err
	}

	s.Matches.enqueueNotification(responderID, models.NotifyRematchOffer,
		"Rematch offered",
		fmt.Sprintf("Your opponent wants a rematch of %s.", m.Title),
		fiber.Map{"offer_id": offer.ID, "source_match_id": sourceMatchID, "expires_at": offer.ExpiresAt})
	return offer, nil
}

// expireIfDue lazily flips an overdue pending offer to expired. Accept and
// decline always call it first, so a stale offer can never be acted on even
// when the background sweep has not run yet.
func (s *RematchService) expireIfDue(offerID string) {
	res := s.DB.Model(&models.RematchOffer{}).
		Where("id = ? AND status = ? AND expires_at <= ?", offerID, models.OfferPending, time.Now()).
		Update("status", models.OfferExpired)
	if res.Error != nil {
		log.Printf("[REMATCH] Failed to expire offer %s: %v", offerID, res.Error)
	}
}

// Accept spawns a match with the source match's terms and joins both parties
// atomically. If either join fails — say the responder can no longer cover
// the entry fee — the whole creation rolls back and the offer is declined
// with the failure reason, never leaving one party joined alone.
func (s *RematchService) Accept(offerID, userID string) (*models.Match, error) {
	s.expireIfDue(offerID)

	var offer models.RematchOffer
	if err := s.DB.First(&offer, "id = ?", offerID).Error; err != nil {
		return nil, err
	}
	if offer.ResponderID != userID {
		return nil, models.ErrNotResponder
	}
	switch offer.Status {
	case models.OfferPending:
		// proceed
	case models.OfferExpired:
		return nil, models.ErrOfferExpired
	default:
		return nil, models.ErrInvalidState
	}

	terms, err := s.Matches.CloneTerms(offer.SourceMatchID)
	if err != nil {
		return nil, err
	}

	var newMatch *models.Match
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// Claim the offer with a deadline re-check; this is what defeats
		// both a concurrent accept and an accept racing the expiry sweep.
		res := tx.Model(&models.RematchOffer{}).
			Where("id = ? AND status = ? AND expires_at > ?", offerID, models.OfferPending, time.Now()).
			Update("status", models.OfferAccepted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrOfferExpired
		}

		m, err := s.Matches.CreateTx(tx, *terms, offer.RequesterID, false, &offer.SourceMatchID)
		if err != nil {
			return err
		}
		if _, err := s.Matches.JoinTx(tx, m.ID, offer.RequesterID, m.RoomCode); err != nil {
			return err
		}
		if _, err := s.Matches.JoinTx(tx, m.ID, offer.ResponderID, m.RoomCode); err != nil {
			return err
		}
		if err := tx.Model(&models.RematchOffer{}).
			Where("id = ?", offerID).
			Update("new_match_id", m.ID).Error; err != nil {
			return err
		}
		newMatch = m
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrOfferExpired) {
			return nil, err
		}
		// The transaction rolled back; record the failed acceptance so the
		// requester learns why.
		s.DB.Model(&models.RematchOffer{}).
			Where("id = ? AND status = ?", offerID, models.OfferPending).
			Updates(map[string]interface{}{
				"status": models.OfferDeclined,
				"reason": err.Error(),
			})
		return nil, err
	}

	s.Matches.enqueueNotification(offer.RequesterID, models.NotifyRematchOffer,
		"Rematch accepted",
		"Your rematch offer was accepted — the match is live.",
		fiber.Map{"offer_id": offerID, "match_id": newMatch.ID})
	return newMatch, nil
}

// Decline rejects a pending offer (responder only).
func (s *RematchService) Decline(offerID, userID, reason string) error {
	s.expireIfDue(offerID)

	var offer models.RematchOffer
	if err := s.DB.First(&offer, "id = ?", offerID).Error; err != nil {
		return err
	}
	if offer.ResponderID != userID {
		return models.ErrNotResponder
	}
	return s.finishPending(offerID, models.OfferDeclined, reason, offer.Status)
}

// CancelOffer withdraws a pending offer (requester only); recorded as a
// decline.
func (s *RematchService) CancelOffer(offerID, userID string) error {
	s.expireIfDue(offerID)

	var offer models.RematchOffer
	if err := s.DB.First(&offer, "id = ?", offerID).Error; err != nil {
		return err
	}
	if offer.RequesterID != userID {
		return models.ErrNotRequester
	}
	return s.finishPending(offerID, models.OfferDeclined, "cancelled by requester", offer.Status)
}

func (s *RematchService) finishPending(offerID string, status models.RematchOfferStatus, reason string, seen models.RematchOfferStatus) error {
	res := s.DB.Model(&models.RematchOffer{}).
		Where("id = ? AND status = ?", offerID, models.OfferPending).
		Updates(map[string]interface{}{"status": status, "reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if seen == models.OfferExpired {
			return models.ErrOfferExpired
		}
		return models.ErrInvalidState
	}
	return nil
}

// --- Handlers ---

// RequestRematch creates an offer against a completed two-player match.
func (s *RematchService) RequestRematch(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	matchID := c.Params("id")

	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if err := c.BodyParser(&req); err != nil {
		req.TTLSeconds = 0
	}

	offer, err := s.Request(matchID, userID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		case errors.Is(err, models.ErrInvalidState):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "rematch requires a completed two-player match you took part in"})
		}
		log.Printf("DB Error creating rematch offer for match %s: %v", matchID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create offer"})
	}
	return c.Status(fiber.StatusCreated).JSON(offer)
}

// GetOffer returns an offer, lazily expiring it first.
func (s *RematchService) GetOffer(c *fiber.Ctx) error {
	offerID := c.Params("id")
	s.expireIfDue(offerID)

	var offer models.RematchOffer
	if err := s.DB.First(&offer, "id = ?", offerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(offer)
}

// AcceptOffer accepts a pending offer and reports the new match.
func (s *RematchService) AcceptOffer(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	offerID := c.Params("id")

	match, err := s.Accept(offerID, userID)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
		case errors.Is(err, models.ErrNotResponder):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only the responder may accept"})
		case errors.Is(err, models.ErrOfferExpired):
			return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": "offer has expired"})
		case errors.Is(err, models.ErrInvalidState):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "offer is no longer pending"})
		case errors.Is(err, models.ErrInsufficientFunds):
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient funds for the rematch entry fee"})
		}
		log.Printf("DB Error accepting offer %s: %v", offerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to accept offer"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "rematch created", "match": match})
}

// DeclineOffer rejects a pending offer (responder only).
func (s *RematchService) DeclineOffer(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	offerID := c.Params("id")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		req.Reason = ""
	}
	if req.Reason == "" {
		req.Reason = "declined by responder"
	}

	if err := s.Decline(offerID, userID, req.Reason); err != nil {
		return s.offerActionError(c, offerID, err)
	}
	return c.JSON(fiber.Map{"message": "offer declined", "offer_id": offerID})
}

// CancelRematchOffer withdraws a pending offer (requester only).
func (s *RematchService) CancelRematchOffer(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	offerID := c.Params("id")

	if err := s.CancelOffer(offerID, userID); err != nil {
		return s.offerActionError(c, offerID, err)
	}
	return c.JSON(fiber.Map{"message": "offer cancelled", "offer_id": offerID})
}

func (s *RematchService) offerActionError(c *fiber.Ctx, offerID string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "offer not found"})
	case errors.Is(err, models.ErrNotResponder), errors.Is(err, models.ErrNotRequester):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, models.ErrOfferExpired):
		return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": "offer has expired"})
	case errors.Is(err, models.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "offer is no longer pending"})
	}
	log.Printf("DB Error on offer %s: %v", offerID, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update offer"})
}
