package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"

	"wager-settlement-service/models"
)

// NotifierClient delivers queued OutboundNotification rows to the messaging
// service. Delivery is best-effort: a failed push is retried on the next tick
// and never surfaces to the operation that queued the notification.
type NotifierClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewNotifierClient(db *gorm.DB) *NotifierClient {
	baseURL := os.Getenv("MESSAGING_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("MESSAGING_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("SETTLEMENT_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("SETTLEMENT_SERVICE_TOKEN environment variable is required for the notifier")
	}

	return &NotifierClient{
		BaseURL: baseURL,
		Token:   token,
		DB:      db,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type pushMessage struct {
	UserID  string          `json:"user_id"`
	Kind    string          `json:"kind"`
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *NotifierClient) push(ctx context.Context, n models.OutboundNotification) error {
	msg := pushMessage{
		UserID: n.UserID,
		Kind:   n.Kind,
		Title:  n.Title,
		Body:   n.Body,
	}
	if n.Payload != "" {
		msg.Payload = json.RawMessage(n.Payload)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification %s: %w", n.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/internal/notifications", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call messaging service: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("messaging service returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// PollOutbox drains undelivered notifications on a fixed interval. Each row is
// attempted at most once per tick; rows keep their attempt count so stuck
// messages are visible in the table.
func PollOutbox(ctx context.Context, client *NotifierClient, pollInterval time.Duration) {
	log.Println("Starting notification outbox polling...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Notification outbox polling stopped.")
			return
		case <-ticker.C:
			var pending []models.OutboundNotification
			if err := client.DB.
				Where("delivered = ?", false).
				Order("created_at ASC").
				Limit(100).
				Find(&pending).Error; err != nil {
				log.Printf("❌ Failed to load pending notifications: %v", err)
				continue
			}

			if len(pending) == 0 {
				continue
			}

			log.Printf("📤 Delivering %d pending notification(s)...", len(pending))

			var delivered, failed int
			for _, n := range pending {
				if err := client.push(ctx, n); err != nil {
					failed++
					log.Printf("⚠️ Failed to deliver notification %s (kind=%s, user=%s): %v", n.ID, n.Kind, n.UserID, err)
					if dbErr := client.DB.Model(&models.OutboundNotification{}).
						Where("id = ?", n.ID).
						UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; dbErr != nil {
						log.Printf("⚠️ Failed to bump attempts for notification %s: %v", n.ID, dbErr)
					}
					continue
				}

				now := time.Now().UTC()
				if dbErr := client.DB.Model(&models.OutboundNotification{}).
					Where("id = ?", n.ID).
					Updates(map[string]interface{}{
						"delivered":    true,
						"delivered_at": now,
						"attempts":     gorm.Expr("attempts + 1"),
					}).Error; dbErr != nil {
					log.Printf("⚠️ Delivered notification %s but failed to mark it: %v", n.ID, dbErr)
					continue
				}
				delivered++
			}

			log.Printf("✅ Outbox pass complete: %d delivered, %d failed.", delivered, failed)
		}
	}
}
