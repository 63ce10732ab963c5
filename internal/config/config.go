// Package config loads the process-wide settings at startup.
//
// Settings are read once from the environment (with optional *_FILE
// indirection for secrets), validated, and returned as an immutable value.
// There is no reload path: changing configuration means restarting the
// process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds every tunable and credential the service uses.
// All fields are plain values; nothing mutates a Settings after Load.
type Settings struct {
	// Sync engine
	SyncInterval       time.Duration
	SyncWorkers        int
	EntityConcurrency  int
	DeletesEnabled     bool
	PauseDefault       bool

	// Cache
	CacheTTL          time.Duration
	CacheNamespace    string
	CacheLRUSize      int
	CacheFallbackDir  string

	// HTTP client
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	QueueTimeout     time.Duration
	MaxResponseBytes int64
	HTTPRPSPerHost   float64
	HTTPBurstPerHost int
	HTTPConcurrency  int
	HTTPTimeout      time.Duration

	// Notifier
	NotificationCooldown time.Duration
	NotifyRecipients     []string
	NotifyWebhookURL     string
	SMTPHost             string
	SMTPPort             int
	SMTPUser             string
	SMTPPassword         string
	SMTPFrom             string

	// External systems
	TargetBaseURL      string
	TargetToken        string
	FleetBaseURL       string
	FleetToken         string
	DirectoryBaseURL   string
	DirectoryTenant    string
	DirectoryClientID  string
	DirectorySecret    string
	ERPDatabaseURL     string
	RedisURL           string
	RedisPassword      string

	// Validator
	EmailDomain string

	// Control plane
	HTTPAddr          string
	JWTSecret         string
	DevMode           bool
	StructuredLogging bool

	// Output artifacts
	OutputDir string

	// Error suggestion severity weights keyed by taxonomy code.
	SeverityWeights map[string]int
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// secret resolves NAME or NAME_FILE, preferring the literal value.
func secret(name string) (string, error) {
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	if path := os.Getenv(name + "_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s_FILE: %w", name, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", nil
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", k, v)
	}
	return n, nil
}

func envFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid float %q", k, v)
	}
	return f, nil
}

func envBool(k string, def bool) bool {
	v := strings.ToLower(os.Getenv(k))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

// defaultSeverityWeights is the starting point for suggestion scoring.
// Tuned per deployment via SEVERITY_WEIGHT_<code> variables.
var defaultSeverityWeights = map[string]int{
	"auth_failed":            3,
	"dependency_unavailable": 2,
	"transport":              1,
	"rate_limited":           1,
	"validation_failed":      1,
	"conflict":               1,
	"data_missing":           1,
	"internal":               1,
}

// Load reads, resolves, and validates all settings from the environment.
func Load() (Settings, error) {
	var s Settings
	var err error

	syncIntervalSec, err := envInt("SYNC_INTERVAL", 300)
	if err != nil {
		return s, err
	}
	s.SyncInterval = time.Duration(syncIntervalSec) * time.Second
	if s.SyncWorkers, err = envInt("SYNC_WORKERS", 4); err != nil {
		return s, err
	}
	if s.EntityConcurrency, err = envInt("ENTITY_CONCURRENCY", 8); err != nil {
		return s, err
	}
	s.DeletesEnabled = envBool("DELETES_ENABLED", false)
	s.PauseDefault = envBool("PAUSE_DEFAULT", false)

	ttlHours, err := envInt("CACHE_TTL_HOURS", 6)
	if err != nil {
		return s, err
	}
	s.CacheTTL = time.Duration(ttlHours) * time.Hour
	s.CacheNamespace = env("CACHE_NAMESPACE", "safesync")
	if s.CacheLRUSize, err = envInt("CACHE_LRU_SIZE", 256); err != nil {
		return s, err
	}
	s.CacheFallbackDir = env("CACHE_FALLBACK_DIR", "output/cache")

	if s.MaxAttempts, err = envInt("MAX_ATTEMPTS", 4); err != nil {
		return s, err
	}
	baseBackoffMs, err := envInt("BASE_BACKOFF_MS", 250)
	if err != nil {
		return s, err
	}
	s.BaseBackoff = time.Duration(baseBackoffMs) * time.Millisecond
	maxBackoffMs, err := envInt("MAX_BACKOFF_MS", 30000)
	if err != nil {
		return s, err
	}
	s.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	queueTimeoutMs, err := envInt("QUEUE_TIMEOUT_MS", 5000)
	if err != nil {
		return s, err
	}
	s.QueueTimeout = time.Duration(queueTimeoutMs) * time.Millisecond
	maxRespBytes, err := envInt("MAX_RESPONSE_BYTES", 16<<20)
	if err != nil {
		return s, err
	}
	s.MaxResponseBytes = int64(maxRespBytes)
	if s.HTTPRPSPerHost, err = envFloat("HTTP_RPS_PER_HOST", 10); err != nil {
		return s, err
	}
	if s.HTTPBurstPerHost, err = envInt("HTTP_BURST_PER_HOST", 20); err != nil {
		return s, err
	}
	if s.HTTPConcurrency, err = envInt("HTTP_CONCURRENCY_PER_HOST", 8); err != nil {
		return s, err
	}
	httpTimeoutSec, err := envInt("HTTP_TIMEOUT", 30)
	if err != nil {
		return s, err
	}
	s.HTTPTimeout = time.Duration(httpTimeoutSec) * time.Second

	cooldownSec, err := envInt("NOTIFICATION_COOLDOWN_SECONDS", 3600)
	if err != nil {
		return s, err
	}
	s.NotificationCooldown = time.Duration(cooldownSec) * time.Second
	if rcpts := env("NOTIFY_RECIPIENTS", ""); rcpts != "" {
		for _, r := range strings.Split(rcpts, ",") {
			if r = strings.TrimSpace(r); r != "" {
				s.NotifyRecipients = append(s.NotifyRecipients, r)
			}
		}
	}
	s.NotifyWebhookURL = env("NOTIFY_WEBHOOK_URL", "")
	s.SMTPHost = env("SMTP_HOST", "")
	if s.SMTPPort, err = envInt("SMTP_PORT", 587); err != nil {
		return s, err
	}
	s.SMTPUser = env("SMTP_USER", "")
	if s.SMTPPassword, err = secret("SMTP_PASSWORD"); err != nil {
		return s, err
	}
	s.SMTPFrom = env("SMTP_FROM", "safesync@localhost")

	s.TargetBaseURL = env("TARGET_BASE_URL", "")
	if s.TargetToken, err = secret("TARGET_TOKEN"); err != nil {
		return s, err
	}
	s.FleetBaseURL = env("FLEET_BASE_URL", "")
	if s.FleetToken, err = secret("FLEET_TOKEN"); err != nil {
		return s, err
	}
	s.DirectoryBaseURL = env("DIRECTORY_BASE_URL", "")
	s.DirectoryTenant = env("DIRECTORY_TENANT", "")
	s.DirectoryClientID = env("DIRECTORY_CLIENT_ID", "")
	if s.DirectorySecret, err = secret("DIRECTORY_CLIENT_SECRET"); err != nil {
		return s, err
	}
	if s.ERPDatabaseURL, err = secret("ERP_DATABASE_URL"); err != nil {
		return s, err
	}
	s.RedisURL = env("REDIS_URL", "localhost:6379")
	if s.RedisPassword, err = secret("REDIS_PASSWORD"); err != nil {
		return s, err
	}

	s.EmailDomain = env("EMAIL_DOMAIN", "example.com")

	s.HTTPAddr = env("HTTP_ADDR", ":8080")
	if s.JWTSecret, err = secret("JWT_HS256_SECRET"); err != nil {
		return s, err
	}
	s.DevMode = envBool("DEV_MODE", false)
	s.StructuredLogging = envBool("STRUCTURED_LOGGING_ENABLED", true)
	s.OutputDir = env("OUTPUT_DIR", "output")

	s.SeverityWeights = make(map[string]int, len(defaultSeverityWeights))
	for code, w := range defaultSeverityWeights {
		s.SeverityWeights[code] = w
	}
	for code := range defaultSeverityWeights {
		key := "SEVERITY_WEIGHT_" + strings.ToUpper(code)
		if w, err := envInt(key, s.SeverityWeights[code]); err == nil {
			s.SeverityWeights[code] = w
		} else {
			return s, err
		}
	}

	return s, s.Validate()
}

// Validate rejects settings the service cannot safely start with.
func (s Settings) Validate() error {
	if s.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}
	if s.SyncWorkers <= 0 {
		return fmt.Errorf("SYNC_WORKERS must be positive")
	}
	if s.EntityConcurrency <= 0 {
		return fmt.Errorf("ENTITY_CONCURRENCY must be positive")
	}
	if s.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL_HOURS must be positive")
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if s.MaxBackoff < s.BaseBackoff {
		return fmt.Errorf("MAX_BACKOFF_MS must be >= BASE_BACKOFF_MS")
	}
	if s.HTTPRPSPerHost <= 0 || s.HTTPBurstPerHost <= 0 {
		return fmt.Errorf("HTTP_RPS_PER_HOST and HTTP_BURST_PER_HOST must be positive")
	}
	if !s.DevMode && s.JWTSecret == "" {
		return fmt.Errorf("JWT_HS256_SECRET is required outside dev mode")
	}
	return nil
}
