package services

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"time"

	"wager-settlement-service/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// StreamMatchEventsSSE streams a match's change feed: every lifecycle
// transition, join, settlement and correction, in order. Consumers are
// read-only subscribers — the waiting-room UI polls this, never mutates.
func (s *MatchService) StreamMatchEventsSSE(c *fiber.Ctx) error {
	matchID := c.Params("id")

	var match models.Match
	if err := s.DB.First(&match, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		// Resume from the client's cursor when given, otherwise stream only
		// what happens from now on.
		var lastCreatedAt time.Time
		if since := c.Query("since"); since != "" {
			if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
				lastCreatedAt = t
			}
		} else {
			var latest models.MatchEvent
			if err := s.DB.
				Where("match_id = ?", matchID).
				Order("created_at DESC").
				First(&latest).Error; err == nil {
				lastCreatedAt = latest.CreatedAt
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Printf("SSE init error for match %s: %v", matchID, err)
			}
		}

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		w.Flush()

		for {
			select {
			case <-ticker.C:
				var events []models.MatchEvent
				err := s.DB.
					Where("match_id = ? AND created_at > ?", matchID, lastCreatedAt).
					Order("created_at ASC").
					Find(&events).Error
				if err != nil {
					log.Printf("SSE query error for match %s: %v", matchID, err)
					continue
				}
				if len(events) == 0 {
					continue
				}

				lastCreatedAt = events[len(events)-1].CreatedAt

				for _, e := range events {
					fmt.Fprintf(w,
						"event: %s\nid: %s\ndata: %s\n\n",
						e.Type, e.ID, e.Payload,
					)
				}

				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}

			case <-c.Context().Done():
				// Client closed connection
				return
			}
		}
	})

	return nil
}
