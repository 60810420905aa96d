// Package config provides the process-wide configuration surface: a YAML
// file with environment-variable overrides, loaded once into a singleton.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Contest Proctoring Engine - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Sync        SyncConfig        `yaml:"sync"`
	Fabric      FabricConfig      `yaml:"fabric"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	LogLevel    string            `yaml:"log_level"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// StoreConfig points at the persistent store (out of scope itself; only
// its connection surface lives here). An empty URI selects the in-memory
// Store Gateway implementation.
type StoreConfig struct {
	URI             string `yaml:"uri"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	StartupRetries  int    `yaml:"startup_retries"`
	StartupBackoffS int    `yaml:"startup_backoff_sec"`
}

// AdmissionConfig configures bearer-token auth and rate limiting (C8).
type AdmissionConfig struct {
	JWTSecret            string `yaml:"jwt_secret"`
	PreviousJWTSecret    string `yaml:"previous_jwt_secret"`
	KeyRotationGraceHour int    `yaml:"key_rotation_grace_hours"`
	TokenTTLHours        int    `yaml:"token_ttl_hours"`
	AdminUsername        string `yaml:"admin_username"`
	AdminPasswordHash    string `yaml:"admin_password_hash"`
	GlobalPerMinute      int    `yaml:"global_per_minute"`
	PerParticipantPerMin int    `yaml:"per_participant_per_minute"`
	IngestPublic         bool   `yaml:"ingest_public"`
}

// FingerprintConfig configures the winnowing pipeline (C1).
type FingerprintConfig struct {
	KGramSize            int     `yaml:"k_gram_size"`
	WindowSize           int     `yaml:"window_size"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	MaxFileBytes         int     `yaml:"max_file_bytes"`
}

// SyncConfig configures the periodic source-history analyser (C6).
type SyncConfig struct {
	SourceToken       string `yaml:"source_token"`
	IntervalMinutes   int    `yaml:"interval_minutes"`
	StartupDelaySec   int    `yaml:"startup_delay_sec"`
	RemoteBaseURL     string `yaml:"remote_base_url"`
	RemoteTimeoutSec  int    `yaml:"remote_timeout_sec"`
}

// FabricConfig configures the live-push fan-out backends (C7). Both
// RedisAddr and PubSubProjectID are optional; when unset the fabric runs
// single-process with the local bus only.
type FabricConfig struct {
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
}

// WebhookConfig exists only so outbound notification transports have a
// documented configuration surface; this repository never dials it (§1
// places outbound webhook/email transports out of scope).
type WebhookConfig struct {
	URL          string `yaml:"url"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPFrom     string `yaml:"smtp_from"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// Reset clears the singleton (test-only).
func Reset() {
	once = sync.Once{}
	instance = nil
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, matching the
// surface described in spec §6.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("ENGINE_ENV", c.Server.Env)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Store.URI = getEnv("POSTGRES_URI", c.Store.URI)
	if v := getEnvInt("STORE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Store.MaxOpenConns = v
	}
	if v := getEnvInt("STORE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Store.MaxIdleConns = v
	}

	c.Admission.JWTSecret = getEnv("JWT_SECRET", c.Admission.JWTSecret)
	c.Admission.PreviousJWTSecret = getEnv("JWT_SECRET_PREVIOUS", c.Admission.PreviousJWTSecret)
	c.Admission.AdminUsername = getEnv("ADMIN_USERNAME", c.Admission.AdminUsername)
	c.Admission.AdminPasswordHash = getEnv("ADMIN_PASSWORD_HASH", c.Admission.AdminPasswordHash)
	c.Admission.IngestPublic = getEnvBool("INGEST_PUBLIC", c.Admission.IngestPublic)
	if v := getEnvInt("GLOBAL_RATE_PER_MIN", 0); v > 0 {
		c.Admission.GlobalPerMinute = v
	}
	if v := getEnvInt("PARTICIPANT_RATE_PER_MIN", 0); v > 0 {
		c.Admission.PerParticipantPerMin = v
	}

	if v := getEnvFloat("SIMILARITY_THRESHOLD", 0); v > 0 {
		c.Fingerprint.SimilarityThreshold = v
	}
	if v := getEnvInt("KGRAM_SIZE", 0); v > 0 {
		c.Fingerprint.KGramSize = v
	}
	if v := getEnvInt("WINNOW_WINDOW", 0); v > 0 {
		c.Fingerprint.WindowSize = v
	}

	c.Sync.SourceToken = getEnv("SOURCE_TOKEN", c.Sync.SourceToken)
	if v := getEnvInt("SYNC_INTERVAL_MIN", 0); v > 0 {
		c.Sync.IntervalMinutes = v
	}
	c.Sync.RemoteBaseURL = getEnv("SOURCE_REMOTE_BASE_URL", c.Sync.RemoteBaseURL)

	c.Fabric.RedisAddr = getEnv("REDIS_ADDR", c.Fabric.RedisAddr)
	c.Fabric.RedisPassword = getEnv("REDIS_PASSWORD", c.Fabric.RedisPassword)
	c.Fabric.PubSubProjectID = getEnv("GCP_PROJECT_ID", c.Fabric.PubSubProjectID)
	c.Fabric.PubSubTopicID = getEnv("PUBSUB_TOPIC_ID", c.Fabric.PubSubTopicID)

	c.Webhook.URL = getEnv("WEBHOOK_URL", c.Webhook.URL)
	c.Webhook.SMTPHost = getEnv("SMTP_HOST", c.Webhook.SMTPHost)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 20
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = 5
	}
	if c.Store.StartupRetries == 0 {
		c.Store.StartupRetries = 5
	}
	if c.Store.StartupBackoffS == 0 {
		c.Store.StartupBackoffS = 30
	}

	if c.Admission.TokenTTLHours == 0 {
		c.Admission.TokenTTLHours = 12
	}
	if c.Admission.KeyRotationGraceHour == 0 {
		c.Admission.KeyRotationGraceHour = 24
	}
	if c.Admission.GlobalPerMinute == 0 {
		c.Admission.GlobalPerMinute = 1000
	}
	if c.Admission.PerParticipantPerMin == 0 {
		c.Admission.PerParticipantPerMin = 100
	}

	if c.Fingerprint.KGramSize == 0 {
		c.Fingerprint.KGramSize = 25
	}
	if c.Fingerprint.WindowSize == 0 {
		c.Fingerprint.WindowSize = 4
	}
	if c.Fingerprint.SimilarityThreshold == 0 {
		c.Fingerprint.SimilarityThreshold = 0.8
	}
	if c.Fingerprint.MaxFileBytes == 0 {
		c.Fingerprint.MaxFileBytes = 100_000
	}

	if c.Sync.IntervalMinutes == 0 {
		c.Sync.IntervalMinutes = 5
	}
	if c.Sync.StartupDelaySec == 0 {
		c.Sync.StartupDelaySec = 10
	}
	if c.Sync.RemoteTimeoutSec == 0 {
		c.Sync.RemoteTimeoutSec = 15
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// SyncEnabled reports whether the scheduler should run at all — absent a
// source token, §6 says the scheduler is disabled.
func (c *Config) SyncEnabled() bool {
	return c.Sync.SourceToken != ""
}
