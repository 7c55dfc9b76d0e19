package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wager-settlement-service/handlers"
	"wager-settlement-service/middleware"
	"wager-settlement-service/models"
	"wager-settlement-service/services"
	"wager-settlement-service/utils"
	"wager-settlement-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Session-Token, X-Service-Token, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	// TranslateError gives us gorm.ErrDuplicatedKey on unique violations,
	// which the ledger relies on for adjustment idempotency.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.LedgerAccount{},
		&models.Reservation{},
		&models.LedgerAdjustment{},
		&models.Match{},
		&models.Participant{},
		&models.MatchEvent{},
		&models.SettlementRecord{},
		&models.RematchOffer{},
		&models.OutboundNotification{},
		&models.PlayerProfile{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ledgerService := services.NewLedgerService(db)
	matchService := services.NewMatchService(db, ledgerService)
	settlementService := services.NewSettlementService(db, ledgerService, matchService)
	rematchService := services.NewRematchService(db, matchService)

	authServiceURL := os.Getenv("AUTH_SERVICE_URL")
	if authServiceURL == "" {
		log.Fatal("AUTH_SERVICE_URL environment variable not set")
	}
	serviceToken := os.Getenv("SETTLEMENT_SERVICE_TOKEN")
	if serviceToken == "" {
		log.Fatal("SETTLEMENT_SERVICE_TOKEN environment variable not set")
	}
	authClient := services.NewAuthServiceClient(authServiceURL, serviceToken)

	// --- Background workers ---
	syncServiceURL := os.Getenv("SYNC_SERVICE_URL")
	if syncServiceURL == "" {
		log.Fatal("SYNC_SERVICE_URL environment variable not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profileSyncWorker := workers.NewPlayerProfileSyncWorker(db, syncServiceURL, "/api/v1/public/profiles", serviceToken)
	profileSyncWorker.Start(ctx)

	notifierClient := workers.NewNotifierClient(db)
	go workers.PollOutbox(ctx, notifierClient, 10*time.Second)

	rematchService.StartExpirySweep()

	// ✅ Setup routes — enforced Gateway auth globally
	handlers.SetupMatchRoutes(app, matchService, settlementService, authClient)
	handlers.SetupWalletRoutes(app, ledgerService)
	handlers.SetupRematchRoutes(app, rematchService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Player Profile Sync Worker running")
	log.Println("✅ Notification outbox polling running (every 10s)")
	log.Println("✅ Rematch offer expiry sweep running (every 1m)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
