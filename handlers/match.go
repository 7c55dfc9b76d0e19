// handlers/match.go
package handlers

import (
	"wager-settlement-service/middleware"
	"wager-settlement-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupMatchRoutes(app *fiber.App, matchService *services.MatchService, settlementService *services.SettlementService, authClient *services.AuthServiceClient) {
	// 🔓 Public routes — *no user context*, but **still require Gateway auth**
	app.Get("/matches", matchService.ListMatches)
	app.Get("/matches/:id", matchService.GetMatch)
	app.Get("/matches/:id/settlements", settlementService.GetSettlements)
	app.Get("/players/search", matchService.SearchPlayers)

	// 📡 SSE stream authenticates via query params (EventSource can't set headers)
	app.Get("/matches/:id/events", middleware.SSEAuthMiddleware(authClient), matchService.StreamMatchEventsSSE)

	// 🔐 Secured routes — require user context (userID, roles), enforced via middleware
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/matches", matchService.CreateMatch)
	secured.Post("/matches/:id/join", matchService.JoinMatch)
	secured.Post("/matches/:id/cancel", matchService.CancelMatch)

	// Staff actions — result reporting and lifecycle overrides
	secured.Post("/matches/:id/activate", middleware.RequireRole("admin"), matchService.ActivateMatch)
	secured.Post("/matches/:id/settle", middleware.RequireRole("admin"), settlementService.SettleMatch)
	secured.Post("/matches/:id/participants/:participant_id/correct", middleware.RequireRole("admin"), settlementService.CorrectParticipant)

	// 🛡️ Admin-only operations
	admin := secured.Group("/admin", middleware.RequireRole("admin"))
	admin.Post("/settlements/export", settlementService.ExportSettlements)
}
