package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	NATSSubjectBase        string
	JWTSecret              string
	SessionTTL             time.Duration
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	DriveCredentialsFile   string
	DriveRootFolderID      string
	MaxUploadSizeMB        int
	QuotaLimit             int
	QuotaWindow            time.Duration
	LinkAllowedOrigin      string
	LinkTimeout            time.Duration
	AIProvider             string
	AIModel                string
	OpenAIAPIKey           string
	AnthropicAPIKey        string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("STDE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "STDE API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("nats.subject_base", "stde")
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("cloudinary.folder", "stde/avatars")
	v.SetDefault("upload.max_size_mb", 10)
	v.SetDefault("quota.limit", 5)
	v.SetDefault("quota.window", "24h")
	v.SetDefault("link.timeout", "2m")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")

	sessionTTL, err := parseDuration(v, "session.ttl", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	quotaWindow, err := parseDuration(v, "quota.window", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	linkTimeout, err := parseDuration(v, "link.timeout", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		NATSSubjectBase:        v.GetString("nats.subject_base"),
		JWTSecret:              v.GetString("jwt.secret"),
		SessionTTL:             sessionTTL,
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		DriveCredentialsFile:   v.GetString("drive.credentials_file"),
		DriveRootFolderID:      v.GetString("drive.root_folder_id"),
		MaxUploadSizeMB:        v.GetInt("upload.max_size_mb"),
		QuotaLimit:             v.GetInt("quota.limit"),
		QuotaWindow:            quotaWindow,
		LinkAllowedOrigin:      v.GetString("link.allowed_origin"),
		LinkTimeout:            linkTimeout,
		AIProvider:             strings.ToLower(v.GetString("ai.provider")),
		AIModel:                v.GetString("ai.model"),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		AnthropicAPIKey:        v.GetString("anthropic_api_key"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.MaxUploadSizeMB <= 0 {
		cfg.MaxUploadSizeMB = 10
	}
	if cfg.QuotaLimit <= 0 {
		cfg.QuotaLimit = 5
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := v.GetString(key)
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
