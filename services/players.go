// services/players.go
package services

import (
	"strconv"
	"strings"

	"wager-settlement-service/models"

	"github.com/gofiber/fiber/v2"
)

// SearchPlayers searches the local PlayerProfile mirror. Staff tooling uses
// it to find accounts for wallet credits and corrections.
func (s *MatchService) SearchPlayers(c *fiber.Ctx) error {
	query := c.Query("q", "")
	limitStr := c.Query("limit", "50")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 100 {
		limit = 50
	}

	db := s.DB.Model(&models.PlayerProfile{}).Limit(limit)
	if query != "" {
		searchTerm := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
		db = db.Where(
			"LOWER(username) LIKE ? OR LOWER(email) LIKE ?",
			searchTerm, searchTerm,
		)
	}

	var players []models.PlayerProfile
	if err := db.Find(&players).Error; err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "search failed", "details": err.Error()})
	}

	// Minimal response shape; the external user id is the identifier every
	// other endpoint expects.
	type PlayerSummary struct {
		ExternalUserID string `json:"external_user_id"`
		Username       string `json:"username"`
		IsBanned       bool   `json:"is_banned"`
	}

	res := make([]PlayerSummary, len(players))
	for i, p := range players {
		res[i] = PlayerSummary{
			ExternalUserID: p.ExternalUserID,
			Username:       p.Username,
			IsBanned:       p.IsBanned,
		}
	}
	return c.JSON(res)
}
