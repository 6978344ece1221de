// @title           StoryRun Backend API
// @version         1.0.0
// @description     Orchestrates story runs: text is formatted into scenes, each scene gets an image, the story is narrated, and the finished assets are handed to the video build pipeline.

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"storyrun-backend/internal/app"
	"storyrun-backend/internal/config"
	"storyrun-backend/internal/handlers"
	"storyrun-backend/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer application.Close()
	log.Println("Migrations completed successfully")

	if err := application.StartWorker(); err != nil {
		log.Fatalf("%v", err)
	}
	runService := application.Runs

	runHandler := handlers.NewRunHandler(runService)
	webhookHandler := handlers.NewWebhookHandler(runService)
	healthHandler := handlers.NewHealthHandler(application.DB)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Health check (no auth)
	router.GET("/health", healthHandler.Health)

	// Webhooks (no auth, uses HMAC)
	router.POST("/api/v1/webhooks/video-build",
		middleware.WebhookSignature(cfg.VideoBuildWebhookSecret, nil),
		webhookHandler.HandleVideoBuild)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg.SupabaseJWTSecret))

	api.POST("/run/start", runHandler.StartRun)
	api.GET("/run/active", runHandler.ActiveRun)

	api.GET("/run/:project_id/status", runHandler.GetStatus)
	api.POST("/run/:project_id/advance", runHandler.Advance)
	api.POST("/run/:project_id/retry", runHandler.Retry)
	api.POST("/run/:project_id/cancel", runHandler.Cancel)
	api.POST("/run/:project_id/archive", runHandler.Archive)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
}
