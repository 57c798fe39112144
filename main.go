package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sammii-HK/lunary-sub033/email"
	"github.com/Sammii-HK/lunary-sub033/handlers"
	"github.com/Sammii-HK/lunary-sub033/middleware"
	"github.com/Sammii-HK/lunary-sub033/models"
	"github.com/Sammii-HK/lunary-sub033/services"
	"github.com/Sammii-HK/lunary-sub033/utils"
	"github.com/Sammii-HK/lunary-sub033/workers"

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

	// 🔐 GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

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
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles, X-Service-Token",
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

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Referral{},
		&models.AccountMirror{},
		&models.SessionRecord{},
		&models.RewardGrant{},
		&models.InviteCode{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	guardConfig := services.LoadGuardConfig()

	var notifier services.RewardNotifier
	if emailService, err := email.NewService(); err != nil {
		log.Printf("⚠️  Email disabled: %v", err)
	} else {
		notifier = services.NewCircleNotifier(db, emailService, guardConfig.RewardDays)
	}

	store := services.NewGormReferralStore(db)
	rewardService := services.NewRewardService(db, guardConfig.RewardDays)
	activationService := services.NewActivationService(store, rewardService, guardConfig, notifier)
	inviteService := services.NewInviteService(db)

	// --- Profile service sync for account mirrors ---
	profileServiceURL := os.Getenv("PROFILE_SERVICE_URL")
	if profileServiceURL == "" {
		log.Fatal("PROFILE_SERVICE_URL environment variable not set")
	}
	circleServiceToken := os.Getenv("CIRCLE_SERVICE_TOKEN")
	if circleServiceToken == "" {
		log.Fatal("CIRCLE_SERVICE_TOKEN environment variable not set")
	}

	syncWorker := workers.NewAccountSyncWorker(db, profileServiceURL, "/api/v1/public/profiles", circleServiceToken)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Println("Starting Account Sync Worker...")
		syncWorker.Start(ctx)
	}()

	maintenance := services.NewMaintenanceScheduler(db, services.NewAuditExporter(db))
	maintenance.Start()

	handlers.SetupCircleRoutes(app, activationService, inviteService, rewardService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Account Sync Worker running")
	log.Println("✅ Maintenance scheduler running (session prune + nightly audit export)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
