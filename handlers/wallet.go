// handlers/wallet.go
package handlers

import (
	"wager-settlement-service/middleware"
	"wager-settlement-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, ledgerService *services.LedgerService) {
	// 🔐 All wallet routes require user context
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/wallet", ledgerService.GetWallet)

	// 🛡️ Admin-only: inspect and top-up arbitrary wallets
	admin := secured.Group("/admin", middleware.RequireRole("admin"))
	admin.Get("/wallets/:user_id", ledgerService.AdminGetWallet)
	admin.Post("/wallets/:user_id/credit", ledgerService.AdminCredit)
}
