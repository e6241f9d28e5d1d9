package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/config"
	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the escrow API server with graceful shutdown support
// It sets up all required services, database connections, and API routes
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register the operator's credentials; client identities register
	// via the operator out of band
	authService.RegisterAPICredentials(cfg.AdminIdentity, cfg.JWTSecret)

	custodyService := custody.NewService(db)
	custodyHandlers := custody.NewGinHandlers(custodyService)

	escrowCfg := escrow.Config{
		FeeBasisPoints:   cfg.FeeBasisPoints,
		AdminIdentity:    cfg.AdminIdentity,
		TicketCooldown:   cfg.TicketCooldown,
		MaxTicketsPerDay: cfg.MaxTicketsPerDay,
		DustThreshold:    cfg.DustThreshold,
	}
	escrowService := escrow.NewService(db, escrowCfg)
	escrowHandlers := escrow.NewGinHandlers(escrowService)

	// Create and start the background reclaimer
	reclaimer := escrow.NewProcessor(db, escrowCfg, cfg.ReclaimInterval)
	reclaimerCtx, reclaimerCancel := context.WithCancel(context.Background())
	defer reclaimerCancel()

	go reclaimer.Start(reclaimerCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, authHandlers, custodyHandlers, escrowHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Account, order and ticket routes: Protected by JWT authentication
// - Admin routes: Protected by JWT authentication plus the operator identity check
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	custodyHandlers *custody.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Token account routes
		accounts := v1.Group("/accounts")
		accounts.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			accounts.POST("", custodyHandlers.OpenAccountHandler())
			accounts.GET("/:account_id", custodyHandlers.GetAccountHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			orders.POST("", escrowHandlers.OpenOrderHandler())
			orders.POST("/accept", escrowHandlers.AcceptOfferHandler())
			orders.GET("/:order_ref", escrowHandlers.GetOrderHandler())
			orders.GET("/:order_ref/tickets", escrowHandlers.ListTicketsHandler())
			orders.POST("/:order_ref/tickets", escrowHandlers.CreateTicketHandler())
			orders.POST("/:order_ref/cancel", escrowHandlers.CancelOrderHandler())
			orders.POST("/:order_ref/close", escrowHandlers.CloseOrderHandler())
		}

		// Ticket routes
		tickets := v1.Group("/tickets")
		tickets.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			tickets.GET("/:ticket_ref", escrowHandlers.GetTicketHandler())
			tickets.POST("/:ticket_ref/sign", escrowHandlers.SignTicketHandler())
			tickets.POST("/:ticket_ref/cancel", escrowHandlers.CancelTicketHandler())
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.AdminAuth(cfg.AdminIdentity))
		{
			admin.POST("/orders/:order_ref/resolve", escrowHandlers.AdminResolveOrderHandler())
			admin.POST("/tickets/:ticket_ref/resolve", escrowHandlers.AdminResolveTicketHandler())
			admin.POST("/accounts/:account_id/credit", custodyHandlers.CreditAccountHandler())
		}
	}
}
