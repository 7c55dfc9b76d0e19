package services

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"wager-settlement-service/models"
	"wager-settlement-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SettlementService orchestrates the lifecycle, the prize rule engine and
// the ledger into exactly-once payouts, and exactly-once deltas when a
// settled outcome is edited afterwards.
type SettlementService struct {
	DB      *gorm.DB
	Ledger  *LedgerService
	Matches *MatchService
}

func NewSettlementService(db *gorm.DB, ledger *LedgerService, matches *MatchService) *SettlementService {
	return &SettlementService{DB: db, Ledger: ledger, Matches: matches}
}

// OutcomeReport carries one participant's reported result. A nil Outcome is
// an explicit "unset" (DNF / no-show), which settles to zero.
type OutcomeReport struct {
	ParticipantID string          `json:"participant_id"`
	Outcome       *models.Outcome `json:"outcome"`
}

// Settle computes and applies the final payout for every participant of an
// active match. The prize map is computed once per match; each participant is
// then captured independently, so a failed capture leaves the others settled
// and the whole call safe to re-invoke (capture is idempotent and settled
// participants are skipped). The match turns completed only when every
// participant holds an initial settlement record.
func (s *SettlementService) Settle(matchID string, reports []OutcomeReport) ([]models.SettlementRecord, error) {
	var m models.Match
	if err := s.DB.First(&m, "id = ?", matchID).Error; err != nil {
		return nil, err
	}
	if m.State != models.MatchActive {
		return nil, models.ErrInvalidState
	}

	var participants []models.Participant
	if err := s.DB.Where("match_id = ?", matchID).
		Order("slot_index ASC").
		Find(&participants).Error; err != nil {
		return nil, err
	}

	reported := make(map[string]*models.Outcome, len(reports))
	for _, r := range reports {
		reported[r.ParticipantID] = r.Outcome
	}
	for _, p := range participants {
		if _, ok := reported[p.ID]; !ok {
			return nil, fmt.Errorf("%w: participant %s", models.ErrIncompleteReport, p.ID)
		}
	}

	// Persist outcomes for unsettled participants before computing, so a
	// retry after a crash recomputes from the same reports.
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		for i := range participants {
			p := &participants[i]
			if p.SettlementID != nil {
				continue
			}
			p.Outcome = reported[p.ID]
			// Struct-based update so the serialized JSON column round-trips;
			// a nil outcome (explicit unset) leaves the column NULL as created.
			if p.Outcome != nil {
				if err := tx.Model(&models.Participant{}).
					Where("id = ?", p.ID).
					Updates(models.Participant{Outcome: p.Outcome}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// One engine call per match, never per participant.
	prizes, err := ComputePrizes(m.Kind, m.PrizeConfig, m.EntryFee, m.Capacity, participants)
	if err != nil {
		return nil, err
	}

	var records []models.SettlementRecord
	var notify []models.Participant
	failed := 0
	for _, p := range participants {
		p := p
		if p.SettlementID != nil {
			var existing models.SettlementRecord
			if err := s.DB.First(&existing, "id = ?", *p.SettlementID).Error; err == nil {
				records = append(records, existing)
			}
			continue
		}

		amount := prizes[p.ID]
		record := models.SettlementRecord{
			ID:            uuid.NewString(),
			MatchID:       matchID,
			ParticipantID: p.ID,
			UserID:        p.UserID,
			Amount:        amount,
			Reason:        models.SettlementInitial,
		}
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			if err := s.Ledger.Capture(tx, p.ReservationID, amount); err != nil {
				// Capture and record commit together, so an already-settled
				// reservation without a record means a concurrent settle beat
				// us to this participant.
				if errors.Is(err, models.ErrAlreadySettled) {
					return models.ErrConflict
				}
				return err
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			res := tx.Model(&models.Participant{}).
				Where("id = ? AND settlement_id IS NULL", p.ID).
				Updates(map[string]interface{}{
					"settled_amount": amount,
					"settlement_id":  record.ID,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.ErrConflict
			}
			return nil
		})
		switch {
		case err == nil:
			records = append(records, record)
			notify = append(notify, p)
		case errors.Is(err, models.ErrConflict):
			// Usually a concurrent settle beat us to this participant. But a
			// released reservation means a partially failed cancel got here
			// first — the match is half-cancelled and must not complete.
			var reservation models.Reservation
			if rerr := s.DB.First(&reservation, "id = ?", p.ReservationID).Error; rerr != nil {
				failed++
				log.Printf("[SETTLE] Failed to re-read reservation %s (match %s): %v", p.ReservationID, matchID, rerr)
			} else if reservation.Status == models.ReservationReleased {
				failed++
				log.Printf("[SETTLE] Reservation %s for participant %s is released (match %s partially cancelled)", p.ReservationID, p.ID, matchID)
			}
		default:
			failed++
			log.Printf("[SETTLE] Capture failed for participant %s (match %s): %v", p.ID, matchID, err)
		}
	}

	if failed > 0 {
		return records, fmt.Errorf("%w: %d of %d captures failed", models.ErrSettlementIncomplete, failed, len(participants))
	}

	res := s.DB.Model(&models.Match{}).
		Where("id = ? AND state = ?", matchID, models.MatchActive).
		Update("state", models.MatchCompleted)
	if res.Error != nil {
		return records, res.Error
	}
	if res.RowsAffected > 0 {
		s.Matches.emitEvent(s.DB, matchID, models.EventSettled, fiber.Map{
			"state":       models.MatchCompleted,
			"settlements": len(records),
		})
	}

	for _, p := range notify {
		amount := prizes[p.ID]
		s.Matches.enqueueNotification(p.UserID, models.NotifySettlement,
			"Match settled",
			fmt.Sprintf("%s settled — you were paid %d.", m.Title, amount),
			fiber.Map{"match_id": matchID, "amount": amount})
	}

	return records, nil
}

// Correct re-settles a single participant of a completed match after a staff
// edit. The prize is recomputed against the full current outcome set (a tie
// split depends on co-participants) and only the delta between the new amount
// and the participant's current settled amount is applied — never the full
// new amount, which is what keeps repeated edits from double-crediting.
func (s *SettlementService) Correct(matchID, participantID string, newOutcome *models.Outcome) (*models.SettlementRecord, error) {
	// CAS on settled_amount serializes concurrent corrections on the same
	// participant so the delta is always computed against the latest amount.
	for attempt := 0; attempt < 3; attempt++ {
		var m models.Match
		if err := s.DB.First(&m, "id = ?", matchID).Error; err != nil {
			return nil, err
		}
		if m.State != models.MatchCompleted {
			return nil, models.ErrInvalidState
		}

		var participants []models.Participant
		if err := s.DB.Where("match_id = ?", matchID).Find(&participants).Error; err != nil {
			return nil, err
		}

		var target *models.Participant
		for i := range participants {
			if participants[i].ID == participantID {
				target = &participants[i]
				break
			}
		}
		if target == nil {
			return nil, gorm.ErrRecordNotFound
		}
		if target.SettledAmount == nil {
			return nil, models.ErrInvalidState
		}
		oldAmount := *target.SettledAmount
		target.Outcome = newOutcome

		prizes, err := ComputePrizes(m.Kind, m.PrizeConfig, m.EntryFee, m.Capacity, participants)
		if err != nil {
			return nil, err
		}
		newAmount := prizes[participantID]
		delta := newAmount - oldAmount

		record := &models.SettlementRecord{
			ID:            uuid.NewString(),
			MatchID:       matchID,
			ParticipantID: participantID,
			UserID:        target.UserID,
			Amount:        delta,
			Reason:        models.SettlementCorrection,
		}
		err = s.DB.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Participant{}).
				Where("id = ? AND settled_amount = ?", participantID, oldAmount).
				Updates(models.Participant{SettledAmount: &newAmount, Outcome: newOutcome})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.ErrConflict
			}
			if delta != 0 {
				if err := s.Ledger.Adjust(tx, target.UserID, delta, record.ID, "correction:"+matchID); err != nil {
					return err
				}
			}
			return tx.Create(record).Error
		})
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.Matches.emitEvent(s.DB, matchID, models.EventCorrected, fiber.Map{
			"participant_id": participantID,
			"delta":          delta,
			"settled_amount": newAmount,
		})
		s.Matches.enqueueNotification(target.UserID, models.NotifyCorrection,
			"Settlement corrected",
			fmt.Sprintf("Your result in %s was corrected by %+d.", m.Title, delta),
			fiber.Map{"match_id": matchID, "delta": delta, "settled_amount": newAmount})
		return record, nil
	}
	return nil, models.ErrConflict
}

// --- Handlers ---

// SettleMatch reports outcomes and settles an active match (staff or result
// webhook).
func (s *SettlementService) SettleMatch(c *fiber.Ctx) error {
	matchID := c.Params("id")

	var req struct {
		Outcomes []OutcomeReport `json:"outcomes" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	records, err := s.Settle(matchID, req.Outcomes)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		case errors.Is(err, models.ErrInvalidState):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match is not active"})
		case errors.Is(err, models.ErrIncompleteReport):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, models.ErrInvalidConfig):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, models.ErrSettlementIncomplete):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":       "settlement incomplete — retry",
				"retriable":   true,
				"settlements": records,
			})
		}
		log.Printf("DB Error settling match %s: %v", matchID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to settle match"})
	}

	return c.JSON(fiber.Map{"message": "match settled", "settlements": records})
}

// CorrectParticipant edits one settled outcome and applies the delta (staff).
func (s *SettlementService) CorrectParticipant(c *fiber.Ctx) error {
	matchID := c.Params("id")
	participantID := c.Params("participant_id")

	var req struct {
		Outcome *models.Outcome `json:"outcome" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Outcome == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "outcome is required"})
	}

	record, err := s.Correct(matchID, participantID, req.Outcome)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match or participant not found"})
		case errors.Is(err, models.ErrInvalidState):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match is not completed"})
		case errors.Is(err, models.ErrInvalidConfig):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, models.ErrInsufficientFunds):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "correction would overdraw the account"})
		case errors.Is(err, models.ErrConflict):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "concurrent correction — retry", "retriable": true})
		}
		log.Printf("DB Error correcting participant %s (match %s): %v", participantID, matchID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to apply correction"})
	}

	return c.JSON(fiber.Map{"message": "correction applied", "settlement": record})
}

// GetSettlements lists the settlement records of a match.
func (s *SettlementService) GetSettlements(c *fiber.Ctx) error {
	matchID := c.Params("id")

	var records []models.SettlementRecord
	if err := s.DB.Where("match_id = ?", matchID).
		Order("applied_at ASC").
		Find(&records).Error; err != nil {
		log.Printf("DB Error fetching settlements for match %s: %v", matchID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch settlements"})
	}
	return c.JSON(records)
}

// ExportSettlements streams a CSV of settlement records for a date range to
// R2 and returns the object URL (Admin only).
func (s *SettlementService) ExportSettlements(c *fiber.Ctx) error {
	var req struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.To.IsZero() {
		req.To = time.Now()
	}

	var records []models.SettlementRecord
	if err := s.DB.Where("applied_at >= ? AND applied_at < ?", req.From, req.To).
		Order("applied_at ASC").
		Find(&records).Error; err != nil {
		log.Printf("DB Error exporting settlements: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch settlements"})
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"id", "match_id", "participant_id", "user_id", "amount", "reason", "applied_at"})
	for _, r := range records {
		_ = w.Write([]string{
			r.ID, r.MatchID, r.ParticipantID, r.UserID,
			strconv.FormatInt(r.Amount, 10), string(r.Reason),
			r.AppliedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to build CSV"})
	}

	key := fmt.Sprintf("settlement-exports/%s.csv", time.Now().UTC().Format("2006-01-02T15-04-05"))
	url, err := utils.UploadBytesToR2(key, buf.Bytes(), "text/csv")
	if err != nil {
		log.Printf("R2 upload failed for %s: %v", key, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to upload export"})
	}

	return c.JSON(fiber.Map{"url": url, "count": len(records)})
}
