// handlers/rematch.go
package handlers

import (
	"wager-settlement-service/middleware"
	"wager-settlement-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupRematchRoutes(app *fiber.App, rematchService *services.RematchService) {
	app.Get("/rematch-offers/:id", rematchService.GetOffer)

	// 🔐 Mutations require user context
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/matches/:id/rematch", rematchService.RequestRematch)
	secured.Post("/rematch-offers/:id/accept", rematchService.AcceptOffer)
	secured.Post("/rematch-offers/:id/decline", rematchService.DeclineOffer)
	secured.Post("/rematch-offers/:id/cancel", rematchService.CancelRematchOffer)
}
