// services/scheduler.go
package services

import (
	"log"
	"time"

	"wager-settlement-service/models"

	"github.com/go-co-op/gocron/v2"
)

// StartExpirySweep marks overdue pending rematch offers as expired. The
// sweep is a UX nicety — accept re-checks the deadline itself, so
// correctness never depends on this job's timing.
func (s *RematchService) StartExpirySweep() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: expire overdue pending offers
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			res := s.DB.Model(&models.RematchOffer{}).
				Where("status = ? AND expires_at <= ?", models.OfferPending, time.Now()).
				Update("status", models.OfferExpired)
			if res.Error != nil {
				log.Printf("[Sweep] DB error: %v", res.Error)
				return
			}
			if res.RowsAffected > 0 {
				log.Printf("✅ Expired %d overdue rematch offer(s)", res.RowsAffected)
			}
		}),
	)
}
