package app

import (
	"context"
	"fmt"
	"log"

	"storyrun-backend/internal/config"
	"storyrun-backend/internal/database"
	"storyrun-backend/internal/events"
	"storyrun-backend/internal/formatter"
	"storyrun-backend/internal/imagen"
	"storyrun-backend/internal/metrics"
	"storyrun-backend/internal/narration"
	"storyrun-backend/internal/objectstore"
	"storyrun-backend/internal/queue"
	"storyrun-backend/internal/secrets"
	"storyrun-backend/internal/services"
	"storyrun-backend/internal/supabase"
	"storyrun-backend/internal/videobuild"
)

// App is the wired orchestrator shared by the server and the CLI.
type App struct {
	Config *config.Config
	DB     *supabase.DatabaseClient
	Cipher *secrets.Cipher
	Runs   *services.RunService

	redis    queue.RedisConfig
	detached *services.DetachedRunner
	closers  []func() error
}

// New connects to the database, applies migrations and wires every
// collaborator. Background tasks go to Redis when RedisAddr is set and to
// detached goroutines otherwise.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, redis: queue.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	schema, err := database.ResolveSchema(ctx, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to resolve schema: %w", err)
	}
	a.DB = supabase.NewDatabaseClient(db, schema)

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	supabaseClient, err := supabase.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize Supabase client: %w", err)
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize blob storage: %w", err)
	}

	a.Cipher, err = secrets.NewCipher(cfg.KeyEncryptionSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize key cipher: %w", err)
	}

	// Run events always land in run_events; NATS is an optional second sink.
	var eventSink services.EventPublisher = a.DB
	if supabaseClient != nil {
		eventSink = supabase.NewRealtimeClient(supabaseClient.Supabase)
	}
	sinks := []services.EventPublisher{eventSink}
	if cfg.NATSURL != "" {
		natsPublisher, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Printf("Warning: NATS unavailable, events go to run_events only: %v", err)
		} else {
			a.closers = append(a.closers, natsPublisher.Close)
			sinks = append(sinks, natsPublisher)
		}
	}

	runMetrics, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	var tasks services.TaskRunner
	if cfg.RedisAddr != "" {
		runner := queue.NewAsynqRunner(a.redis, cfg.BackgroundTaskTimeout)
		a.closers = append(a.closers, runner.Close)
		tasks = runner
	} else {
		a.detached = services.NewDetachedRunner(cfg.BackgroundTaskTimeout)
		tasks = a.detached
	}

	a.Runs = services.NewRunService(services.Dependencies{
		Store:                    a.DB,
		Blobs:                    blobs,
		Images:                   imagen.NewClient(cfg.ImageAPIBaseURL),
		Formatter:                formatter.NewClient(cfg.FormatterBaseURL, cfg.FormatterAPIKey),
		Narrator:                 narration.NewClient(cfg.NarrationBaseURL, cfg.NarrationAPIKey),
		Builder:                  videobuild.NewClient(cfg.VideoBuildBaseURL),
		Tasks:                    tasks,
		Publisher:                events.NewMultiPublisher(sinks...),
		Metrics:                  runMetrics,
		Billing:                  services.NewBillingResolver(a.DB, a.Cipher, cfg.SystemImageAPIKey),
		Defaults:                 cfg.Defaults,
		PolicyViolationRetryable: cfg.PolicyViolationRetryable,
	})

	if a.detached != nil {
		a.detached.Bind(a.Runs)
	}
	return nil
}

// StartWorker consumes queued tasks when Redis is configured. With detached
// execution there is nothing to start.
func (a *App) StartWorker() error {
	if a.detached != nil {
		return nil
	}
	worker := queue.NewWorker(a.redis, a.Config.WorkerCount, a.Runs)
	if err := worker.Start(); err != nil {
		return fmt.Errorf("failed to start task worker: %w", err)
	}
	a.closers = append(a.closers, func() error {
		worker.Shutdown()
		return nil
	})
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("Warning: close failed: %v", err)
		}
	}
	a.closers = nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (services.BlobStore, error) {
	if cfg.StorageBackend == "minio" {
		store, err := objectstore.NewMinIOStore(objectstore.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabasePublishableKey, cfg.SupabaseStorageBucket)
}
