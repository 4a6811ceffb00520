package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"akun/internal/handlers"
	"akun/internal/mail"
	"akun/internal/middleware"
	"akun/internal/models"
	"akun/internal/repositories"
	"akun/internal/security"
	"akun/internal/services"
	"akun/pkg/mailqueue"
)

// App bundles the wired-up service so main and the tests can share the
// same composition.
type App struct {
	Fiber *fiber.App
	Auth  *services.AuthService

	mqClient *mailqueue.Client
}

// NewApp reads configuration, opens the database, and composes the
// credential store, hasher, token service, mail transport, and auth
// service into a Fiber app.
func NewApp() (*App, error) {
	// --- Configuration ---
	// Set up Viper to read configuration from environment variables,
	// with sensible defaults for local development.
	viper.SetDefault("APP_PORT", ":8080")
	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("DATABASE_DSN", "akun.db")
	viper.SetDefault("JWT_SECRET", "change-me-in-production")
	viper.SetDefault("BASE_URL", "http://localhost:8080")
	viper.SetDefault("RABBITMQ_URL", "") // empty disables the mail queue
	viper.SetDefault("MAIL_TIMEOUT", "10s")
	viper.SetDefault("SESSION_TTL", "24h")
	viper.SetDefault("CONFIRM_TOKEN_TTL", "24h")
	viper.SetDefault("RESET_TOKEN_TTL", "1h")
	viper.SetDefault("MIN_PASSWORD_LENGTH", 8)
	viper.SetDefault("REQUIRE_DIGIT", true)
	viper.SetDefault("REQUIRE_UPPERCASE", true)
	viper.SetDefault("REQUIRE_UNIQUE_EMAIL", true)
	viper.SetDefault("REQUIRE_CONFIRMED_EMAIL", true)
	viper.SetDefault("MAX_FAILED_ACCESS", 5)
	viper.SetDefault("LOCKOUT_DURATION", "15m")
	viper.SetDefault("REQUIRE_MAIL_DELIVERY", false)
	viper.AutomaticEnv()

	// --- Database ---
	// TranslateError is required so duplicate-key violations surface as
	// gorm.ErrDuplicatedKey on both drivers.
	var dialector gorm.Dialector
	switch driver := viper.GetString("DB_DRIVER"); driver {
	case "postgres":
		dialector = postgres.Open(viper.GetString("DATABASE_DSN"))
	case "sqlite":
		dialector = sqlite.Open(viper.GetString("DATABASE_DSN"))
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// --- Mail transport ---
	// Deliveries go through the RabbitMQ queue when configured, so the
	// registration response is never blocked on transport latency. The
	// consumer drains the queue into the concrete (here: logging)
	// transport, bounded by MAIL_TIMEOUT.
	delivery := &mail.TimeoutTransport{
		Inner:   mail.LogTransport{},
		Timeout: viper.GetDuration("MAIL_TIMEOUT"),
	}
	var transport mail.Transport = delivery
	var mqClient *mailqueue.Client
	if url := viper.GetString("RABBITMQ_URL"); url != "" {
		mqClient, err = mailqueue.NewClient(mailqueue.Config{URL: url})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mail queue: %w", err)
		}
		transport = &mail.QueueTransport{Publisher: mqClient}
		if err := mqClient.ConsumeMailRequests(func(msg mail.Message) error {
			return delivery.Send(msg.To, msg.Subject, msg.HTMLBody)
		}); err != nil {
			return nil, fmt.Errorf("failed to start mail consumer: %w", err)
		}
	}

	// --- Core components ---
	userRepo := repositories.NewGORMUserRepository(db)
	hasher := security.NewBcryptHasher(0)
	tokens := security.NewTokenService(viper.GetString("JWT_SECRET"))

	cfg := services.Config{
		MinPasswordLength:       viper.GetInt("MIN_PASSWORD_LENGTH"),
		RequireDigit:            viper.GetBool("REQUIRE_DIGIT"),
		RequireUppercase:        viper.GetBool("REQUIRE_UPPERCASE"),
		RequireUniqueEmail:      viper.GetBool("REQUIRE_UNIQUE_EMAIL"),
		RequireConfirmedEmail:   viper.GetBool("REQUIRE_CONFIRMED_EMAIL"),
		MaxFailedAccessAttempts: viper.GetInt("MAX_FAILED_ACCESS"),
		LockoutDuration:         viper.GetDuration("LOCKOUT_DURATION"),
		SessionTTL:              viper.GetDuration("SESSION_TTL"),
		ConfirmTokenTTL:         viper.GetDuration("CONFIRM_TOKEN_TTL"),
		ResetTokenTTL:           viper.GetDuration("RESET_TOKEN_TTL"),
		RequireMailDelivery:     viper.GetBool("REQUIRE_MAIL_DELIVERY"),
		BaseURL:                 viper.GetString("BASE_URL"),
	}
	authService := services.NewAuthService(userRepo, hasher, tokens, transport, viper.GetString("JWT_SECRET"), cfg)

	// --- HTTP surface ---
	authHandler := handlers.NewAuthHandler(authService)

	app := fiber.New()
	app.Use(logger.New()) // Request logger

	apiV1 := app.Group("/api/v1")
	authHandler.RegisterRoutes(apiV1)

	protected := apiV1.Group("", middleware.AuthRequired(authService))
	authHandler.RegisterProtectedRoutes(protected)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return &App{Fiber: app, Auth: authService, mqClient: mqClient}, nil
}

// Shutdown stops the HTTP server and closes the mail queue connection.
func (a *App) Shutdown() error {
	if err := a.Fiber.Shutdown(); err != nil {
		return err
	}
	if a.mqClient != nil {
		return a.mqClient.Close()
	}
	return nil
}

func main() {
	app, err := NewApp()
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	appPort := viper.GetString("APP_PORT")
	log.Printf("Starting server on port %s", appPort)

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := app.Fiber.Listen(appPort); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	<-quit
	log.Println("Shutting down server...")

	if err := app.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server gracefully stopped")
}
