package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Supabase
	SupabaseURL            string `yaml:"supabase_url"`
	SupabasePublishableKey string `yaml:"supabase_publishable_key"`
	SupabaseJWTSecret      string `yaml:"supabase_jwt_secret"`
	SupabaseStorageBucket  string `yaml:"supabase_storage_bucket"`

	// Blob storage backend: "supabase" or "minio"
	StorageBackend string `yaml:"storage_backend"`
	MinIO          MinIO  `yaml:"minio"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Collaborators
	FormatterBaseURL  string `yaml:"formatter_base_url"`
	FormatterAPIKey   string `yaml:"formatter_api_key"`
	ImageAPIBaseURL   string `yaml:"image_api_base_url"`
	SystemImageAPIKey string `yaml:"system_image_api_key"`
	NarrationBaseURL  string `yaml:"narration_base_url"`
	NarrationAPIKey   string `yaml:"narration_api_key"`
	VideoBuildBaseURL string `yaml:"video_build_base_url"`

	// Secrets
	KeyEncryptionSecret     string `yaml:"key_encryption_secret"`
	VideoBuildWebhookSecret string `yaml:"video_build_webhook_secret"`

	// Background execution: when RedisAddr is empty tasks run as detached goroutines
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	WorkerCount   int    `yaml:"worker_count"`

	// Events
	NATSURL string `yaml:"nats_url"`

	// Run defaults captured into each run's config snapshot
	Defaults RunDefaults `yaml:"defaults"`

	// Orchestration policy
	PolicyViolationRetryable bool          `yaml:"policy_violation_retryable"`
	BackgroundTaskTimeout    time.Duration `yaml:"background_task_timeout"`

	// Server
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
}

type MinIO struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type RunDefaults struct {
	OutputPreset     string `yaml:"output_preset"`
	TargetSceneCount int    `yaml:"target_scene_count"`
	NarrationVoice   string `yaml:"narration_voice"`
	AutoBuildVideo   bool   `yaml:"auto_build_video"`
}

// Load builds the configuration from an optional YAML file (CONFIG_FILE)
// overlaid by environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		SupabaseStorageBucket: "story-assets",
		StorageBackend:        "supabase",
		ImageAPIBaseURL:       "https://api.images.example.com/v1/",
		WorkerCount:           5,
		Defaults: RunDefaults{
			OutputPreset:     "landscape_1080p",
			TargetSceneCount: 8,
			NarrationVoice:   "narrator-warm",
			AutoBuildVideo:   true,
		},
		PolicyViolationRetryable: true,
		BackgroundTaskTimeout:    5 * time.Minute,
		Port:                     "8080",
		Environment:              "development",
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.SupabaseURL = getEnv("SUPABASE_URL", c.SupabaseURL)
	c.SupabasePublishableKey = getEnv("SUPABASE_PUBLISHABLE_KEY", c.SupabasePublishableKey)
	c.SupabaseJWTSecret = getEnv("SUPABASE_JWT_SECRET", c.SupabaseJWTSecret)
	c.SupabaseStorageBucket = getEnv("SUPABASE_STORAGE_BUCKET", c.SupabaseStorageBucket)

	c.StorageBackend = strings.ToLower(getEnv("STORAGE_BACKEND", c.StorageBackend))
	c.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.MinIO.Bucket = getEnv("MINIO_BUCKET", c.MinIO.Bucket)
	c.MinIO.UseSSL = getEnvBool("MINIO_USE_SSL", c.MinIO.UseSSL)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.FormatterBaseURL = getEnv("FORMATTER_BASE_URL", c.FormatterBaseURL)
	c.FormatterAPIKey = getEnv("FORMATTER_API_KEY", c.FormatterAPIKey)
	c.ImageAPIBaseURL = getEnv("IMAGE_API_BASE_URL", c.ImageAPIBaseURL)
	c.SystemImageAPIKey = getEnv("SYSTEM_IMAGE_API_KEY", c.SystemImageAPIKey)
	c.NarrationBaseURL = getEnv("NARRATION_BASE_URL", c.NarrationBaseURL)
	c.NarrationAPIKey = getEnv("NARRATION_API_KEY", c.NarrationAPIKey)
	c.VideoBuildBaseURL = getEnv("VIDEO_BUILD_BASE_URL", c.VideoBuildBaseURL)

	c.KeyEncryptionSecret = getEnv("KEY_ENCRYPTION_SECRET", c.KeyEncryptionSecret)
	c.VideoBuildWebhookSecret = getEnv("VIDEO_BUILD_WEBHOOK_SECRET", c.VideoBuildWebhookSecret)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.WorkerCount = getEnvInt("WORKER_COUNT", c.WorkerCount)

	c.NATSURL = getEnv("NATS_URL", c.NATSURL)

	c.Defaults.OutputPreset = getEnv("DEFAULT_OUTPUT_PRESET", c.Defaults.OutputPreset)
	c.Defaults.TargetSceneCount = getEnvInt("DEFAULT_TARGET_SCENE_COUNT", c.Defaults.TargetSceneCount)
	c.Defaults.NarrationVoice = getEnv("DEFAULT_NARRATION_VOICE", c.Defaults.NarrationVoice)
	c.Defaults.AutoBuildVideo = getEnvBool("AUTO_BUILD_VIDEO", c.Defaults.AutoBuildVideo)

	c.PolicyViolationRetryable = getEnvBool("POLICY_VIOLATION_RETRYABLE", c.PolicyViolationRetryable)
	c.BackgroundTaskTimeout = getEnvDuration("BACKGROUND_TASK_TIMEOUT", c.BackgroundTaskTimeout)

	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	if c.KeyEncryptionSecret == "" {
		return fmt.Errorf("KEY_ENCRYPTION_SECRET is required")
	}
	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabasePublishableKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_PUBLISHABLE_KEY are required for the supabase storage backend")
		}
	case "minio":
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required for the minio storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.FormatterBaseURL == "" {
		return fmt.Errorf("FORMATTER_BASE_URL is required")
	}
	if c.NarrationBaseURL == "" {
		return fmt.Errorf("NARRATION_BASE_URL is required")
	}
	if c.Defaults.TargetSceneCount <= 0 {
		return fmt.Errorf("DEFAULT_TARGET_SCENE_COUNT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
