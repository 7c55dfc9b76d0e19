package services

import (
	"errors"
	"log"
	"wager-settlement-service/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LedgerService is the only component allowed to mutate a balance. Every
// mutation is a conditional single-statement UPDATE guarded by RowsAffected,
// so two concurrent operations on the same account are strictly ordered and
// never race a read-modify-write.
type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// ensureAccount creates the account row on first contact. Balances start at
// zero; only Credit and Adjust can raise Available.
func (s *LedgerService) ensureAccount(tx *gorm.DB, userID string) error {
	return tx.Where(models.LedgerAccount{UserID: userID}).
		FirstOrCreate(&models.LedgerAccount{UserID: userID}).Error
}

// Reserve moves amount from available to reserved and returns a held
// Reservation. Fails with ErrInsufficientFunds when available < amount.
// Callers run it inside a transaction so a later failure unwinds the hold.
func (s *LedgerService) Reserve(tx *gorm.DB, userID, matchID string, amount int64) (*models.Reservation, error) {
	if err := s.ensureAccount(tx, userID); err != nil {
		return nil, err
	}

	res := tx.Model(&models.LedgerAccount{}).
		Where("user_id = ? AND available >= ?", userID, amount).
		Updates(map[string]interface{}{
			"available": gorm.Expr("available - ?", amount),
			"reserved":  gorm.Expr("reserved + ?", amount),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrInsufficientFunds
	}

	reservation := &models.Reservation{
		ID:      uuid.NewString(),
		UserID:  userID,
		MatchID: matchID,
		Amount:  amount,
		Status:  models.ReservationHeld,
	}
	if err := tx.Create(reservation).Error; err != nil {
		return nil, err
	}
	return reservation, nil
}

// Capture converts a held reservation into a final credit of finalAmount —
// which may be zero, equal to, or larger than the held stake. A second
// capture of the same reservation fails with ErrAlreadySettled and changes
// no balance.
func (s *LedgerService) Capture(tx *gorm.DB, reservationID string, finalAmount int64) error {
	var reservation models.Reservation
	if err := tx.First(&reservation, "id = ?", reservationID).Error; err != nil {
		return err
	}

	res := tx.Model(&models.Reservation{}).
		Where("id = ? AND status = ?", reservationID, models.ReservationHeld).
		Updates(map[string]interface{}{
			"status":       models.ReservationCaptured,
			"final_amount": finalAmount,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrAlreadySettled
	}

	return tx.Model(&models.LedgerAccount{}).
		Where("user_id = ?", reservation.UserID).
		Updates(map[string]interface{}{
			"reserved":  gorm.Expr("reserved - ?", reservation.Amount),
			"available": gorm.Expr("available + ?", finalAmount),
		}).Error
}

// Release returns a held stake to available. Releasing an already-released
// reservation is a no-op, not an error, so retried cancels stay safe.
// Releasing a captured reservation fails with ErrAlreadySettled.
func (s *LedgerService) Release(tx *gorm.DB, reservationID string) error {
	var reservation models.Reservation
	if err := tx.First(&reservation, "id = ?", reservationID).Error; err != nil {
		return err
	}

	res := tx.Model(&models.Reservation{}).
		Where("id = ? AND status = ?", reservationID, models.ReservationHeld).
		Update("status", models.ReservationReleased)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race; re-read to see the committed status.
		if err := tx.First(&reservation, "id = ?", reservationID).Error; err != nil {
			return err
		}
		if reservation.Status == models.ReservationReleased {
			return nil
		}
		return models.ErrAlreadySettled
	}

	return tx.Model(&models.LedgerAccount{}).
		Where("user_id = ?", reservation.UserID).
		Updates(map[string]interface{}{
			"reserved":  gorm.Expr("reserved - ?", reservation.Amount),
			"available": gorm.Expr("available + ?", reservation.Amount),
		}).Error
}

// Adjust applies a signed delta directly to available, outside the
// reserve/capture flow. It is idempotent per correlationID: replaying the
// same correlation id is a silent no-op. A negative delta may never drive
// available below zero.
func (s *LedgerService) Adjust(tx *gorm.DB, userID string, delta int64, correlationID, reference string) error {
	if err := s.ensureAccount(tx, userID); err != nil {
		return err
	}

	adjustment := &models.LedgerAdjustment{
		ID:            uuid.NewString(),
		UserID:        userID,
		Delta:         delta,
		CorrelationID: correlationID,
		Reference:     reference,
	}
	if err := tx.Create(adjustment).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil // replayed correlation id
		}
		return err
	}

	res := tx.Model(&models.LedgerAccount{}).
		Where("user_id = ? AND available + ? >= 0", userID, delta).
		Update("available", gorm.Expr("available + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrInsufficientFunds
	}
	return nil
}

// Credit is the staff top-up entry point (admin tooling, not payments).
func (s *LedgerService) Credit(userID string, amount int64, correlationID, reference string) error {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		return s.Adjust(tx, userID, amount, correlationID, reference)
	})
}

// Account fetches a user's ledger account, creating it on first read.
func (s *LedgerService) Account(userID string) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	err := s.DB.Where(models.LedgerAccount{UserID: userID}).
		FirstOrCreate(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// --- Handlers ---

// GetWallet returns the authenticated user's balances.
func (s *LedgerService) GetWallet(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	account, err := s.Account(userID)
	if err != nil {
		log.Printf("DB Error fetching account %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch wallet"})
	}
	return c.JSON(account)
}

// AdminGetWallet returns any user's balances plus recent adjustments (Admin only).
func (s *LedgerService) AdminGetWallet(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if _, err := uuid.Parse(userID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user ID"})
	}

	account, err := s.Account(userID)
	if err != nil {
		log.Printf("DB Error fetching account %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch wallet"})
	}

	var adjustments []models.LedgerAdjustment
	if err := s.DB.Where("user_id = ?", userID).
		Order("created_at DESC").Limit(50).
		Find(&adjustments).Error; err != nil {
		log.Printf("DB Error fetching adjustments for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch adjustments"})
	}

	return c.JSON(fiber.Map{"account": account, "adjustments": adjustments})
}

// AdminCredit tops up a user's available balance (Admin only). The optional
// correlation_id makes client retries idempotent.
func (s *LedgerService) AdminCredit(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if _, err := uuid.Parse(userID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user ID"})
	}

	var req struct {
		Amount        int64  `json:"amount" validate:"required"`
		CorrelationID string `json:"correlation_id"`
		Reference     string `json:"reference"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be > 0"})
	}
	if req.Reference == "" {
		req.Reference = "admin_credit"
	}

	if err := s.Credit(userID, req.Amount, req.CorrelationID, req.Reference); err != nil {
		log.Printf("DB Error crediting account %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to credit account"})
	}

	account, err := s.Account(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch wallet"})
	}
	return c.JSON(fiber.Map{"message": "Account credited", "account": account})
}
