// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolMaxPerUser = 10
	maxMaxMemoryMB           = 16384
	maxTimeout               = 10 * time.Minute
	maxRateLimitRPM          = 10000 // Maximum requests per minute per IP
	minJWTSecretLength       = 16    // Minimum JWT secret length for security
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool settings - CRITICAL for per-user admission accounting
	BrowserPoolMaxPerUser int // Max concurrent browser slots per user (N in the slot-conservation invariant)
	BrowserInitTimeout    time.Duration
	BrowserPageTimeout    time.Duration
	BrowserDestroyTimeout time.Duration
	SlotStaleAfter        time.Duration // GC threshold for reserved/initializing/failed slots
	MaxMemoryMB           int

	// Durable job queue (Redis-backed)
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	QueueVisibilityTimeout time.Duration
	QueueJobRetention    time.Duration // how long completed job records are kept

	// Record store / relational persistence
	DBUser string
	DBPassword string
	DBHost string
	DBPort int
	DBName string

	// Identity / auth
	JWTSecret   string
	PublicURL   string
	SessionSecret string
	BackendURL  string
	NodeEnv     string

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Proxy defaults (applied per-run when a recording requests a proxy)
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string // Bind address for pprof server (default: localhost only)

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int      // Requests per minute per IP
	UserRateLimitRPM   int      // Requests per minute per authenticated user
	TrustProxy         bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	CORSAllowedOrigins []string // Allowed CORS origins (empty = reject all cross-origin requests, with warning)

	// WebSocket namespace multiplexer
	WSMaxFrameQueue int // Max buffered outbound frames per connection before dropping

	// Metrics
	MetricsEnabled bool

	// Scheduler / worker discovery
	QueueDiscoveryInterval time.Duration // how often the worker registry scans for new per-user queues
	QueuedRunPollInterval  time.Duration // how often ProcessQueuedRuns wakes
	MaxRunRetries          int           // claims per queued job before the worker drops it (recovery uses recovery.MaxRetries)

	// Integration credential hot-reload
	IntegrationCredentialsPath string
	IntegrationHotReload       bool
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8282),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Pool
		BrowserPoolMaxPerUser: getEnvInt("BROWSER_POOL_MAX_PER_USER", 2),
		BrowserInitTimeout:    getEnvDuration("BROWSER_INIT_TIMEOUT", 60*time.Second),
		BrowserPageTimeout:    getEnvDuration("BROWSER_PAGE_TIMEOUT", 45*time.Second),
		BrowserDestroyTimeout: getEnvDuration("BROWSER_DESTROY_TIMEOUT", 30*time.Second),
		SlotStaleAfter:        getEnvDuration("SLOT_STALE_AFTER", 2*time.Minute),
		MaxMemoryMB:           getEnvInt("MAX_MEMORY_MB", 2048),

		// Queue
		RedisAddr:              getEnvString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:          getEnvString("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		QueueVisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
		QueueJobRetention:      getEnvDuration("QUEUE_JOB_RETENTION", 23*time.Hour),

		// Record store
		DBUser:     getEnvString("DB_USER", "controlplane"),
		DBPassword: getEnvString("DB_PASSWORD", ""),
		DBHost:     getEnvString("DB_HOST", "127.0.0.1"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBName:     getEnvString("DB_NAME", "controlplane"),

		// Identity / auth
		JWTSecret:     getEnvString("JWT_SECRET", ""),
		PublicURL:     getEnvString("PUBLIC_URL", "http://localhost:8282"),
		SessionSecret: getEnvString("SESSION_SECRET", ""),
		BackendURL:    getEnvString("BACKEND_URL", "http://localhost:8282"),
		NodeEnv:       getEnvString("NODE_ENV", "development"),

		// Timeouts
		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		// Proxy
		ProxyURL:      getEnvString("PROXY_URL", ""),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Profiling - disabled by default for security
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"), // Localhost only by default

		// Security
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		UserRateLimitRPM:   getEnvInt("USER_RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		// WebSocket
		WSMaxFrameQueue: getEnvInt("WS_MAX_FRAME_QUEUE", 1),

		// Metrics
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),

		// Scheduler / worker discovery
		QueueDiscoveryInterval: getEnvDuration("QUEUE_DISCOVERY_INTERVAL", 10*time.Second),
		QueuedRunPollInterval:  getEnvDuration("QUEUED_RUN_POLL_INTERVAL", 5*time.Second),
		MaxRunRetries:          getEnvInt("MAX_RUN_RETRIES", 3),

		// Integration credentials
		IntegrationCredentialsPath: getEnvString("INTEGRATION_CREDENTIALS_PATH", ""),
		IntegrationHotReload:       getEnvBool("INTEGRATION_HOT_RELOAD", false),
	}
}

// HasDefaultProxy returns true if a default proxy is configured.
func (c *Config) HasDefaultProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8282")
		c.Port = 8282
	}

	// BrowserPath validation - prevent path traversal attacks
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	// Per-user slot cap validation with upper bound
	if c.BrowserPoolMaxPerUser < 1 {
		log.Warn().Int("n", c.BrowserPoolMaxPerUser).Msg("Invalid per-user slot cap, using default 2")
		c.BrowserPoolMaxPerUser = 2
	} else if c.BrowserPoolMaxPerUser > maxBrowserPoolMaxPerUser {
		log.Warn().
			Int("n", c.BrowserPoolMaxPerUser).
			Int("max", maxBrowserPoolMaxPerUser).
			Msg("Per-user slot cap too large, capping to maximum")
		c.BrowserPoolMaxPerUser = maxBrowserPoolMaxPerUser
	}

	// Memory validation with upper bound
	if c.MaxMemoryMB < 256 {
		log.Warn().Int("mb", c.MaxMemoryMB).Msg("Memory limit too low, using default 2048")
		c.MaxMemoryMB = 2048
	} else if c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().
			Int("mb", c.MaxMemoryMB).
			Int("max", maxMaxMemoryMB).
			Msg("Memory limit too high, capping to maximum")
		c.MaxMemoryMB = maxMaxMemoryMB
	}

	// Timeout validation with upper bound
	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().
			Dur("timeout", c.MaxTimeout).
			Dur("max", maxTimeout).
			Msg("Max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	// Browser init/page timeout validation (minimum 1 second, maximum 5 minutes)
	const minPhaseTimeout = 1 * time.Second
	const maxPhaseTimeout = 5 * time.Minute
	if c.BrowserInitTimeout < minPhaseTimeout {
		log.Warn().Dur("timeout", c.BrowserInitTimeout).Msg("Browser init timeout too short, using minimum")
		c.BrowserInitTimeout = minPhaseTimeout
	} else if c.BrowserInitTimeout > maxPhaseTimeout {
		log.Warn().Dur("timeout", c.BrowserInitTimeout).Msg("Browser init timeout too long, using maximum")
		c.BrowserInitTimeout = maxPhaseTimeout
	}
	if c.BrowserPageTimeout < minPhaseTimeout {
		log.Warn().Dur("timeout", c.BrowserPageTimeout).Msg("Browser page timeout too short, using minimum")
		c.BrowserPageTimeout = minPhaseTimeout
	} else if c.BrowserPageTimeout > maxPhaseTimeout {
		log.Warn().Dur("timeout", c.BrowserPageTimeout).Msg("Browser page timeout too long, using maximum")
		c.BrowserPageTimeout = maxPhaseTimeout
	}

	// Slot staleness threshold should exceed init timeout, otherwise GC races initialization.
	if c.SlotStaleAfter < 2*c.BrowserInitTimeout {
		log.Warn().
			Dur("stale_after", c.SlotStaleAfter).
			Dur("init_timeout", c.BrowserInitTimeout).
			Msg("SLOT_STALE_AFTER shorter than 2x browser init timeout, adjusting")
		c.SlotStaleAfter = 2 * c.BrowserInitTimeout
	}

	// Rate limit validation with upper bound
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
		if c.UserRateLimitRPM < 1 {
			c.UserRateLimitRPM = 60
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// PProf security warning
	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	// CORS security warning
	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected")
	}

	// Proxy URL and credential validation
	if c.ProxyURL != "" {
		if !strings.Contains(c.ProxyURL, "://") {
			log.Error().
				Str("proxy_url", c.ProxyURL).
				Msg("ProxyURL missing scheme (should be http://, https://, socks4://, or socks5://)")
		} else {
			scheme := strings.ToLower(strings.Split(c.ProxyURL, "://")[0])
			validSchemes := map[string]bool{"http": true, "https": true, "socks4": true, "socks5": true}
			if !validSchemes[scheme] {
				log.Error().
					Str("proxy_url", c.ProxyURL).
					Str("scheme", scheme).
					Msg("ProxyURL has invalid scheme (must be http, https, socks4, or socks5)")
			}
			if strings.Contains(c.ProxyURL, "@") {
				log.Warn().Msg("ProxyURL contains embedded credentials (@) - use PROXY_USERNAME and PROXY_PASSWORD environment variables instead")
			}
		}
	}
	if c.ProxyUsername != "" && c.ProxyPassword == "" {
		log.Warn().Msg("PROXY_USERNAME set but PROXY_PASSWORD is empty - authentication may fail")
	}
	if c.ProxyPassword != "" && c.ProxyUsername == "" {
		log.Warn().Msg("PROXY_PASSWORD set but PROXY_USERNAME is empty - authentication may fail")
	}

	// Port conflict validation
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PProfEnabled {
		if existingName, exists := usedPorts[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", existingName).
				Msg("PPROF_PORT conflicts with another port, adjusting")
			c.PProfPort = 6060
			for usedPorts[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}

	// JWT secret validation
	if c.JWTSecret == "" {
		log.Error().Msg("JWT_SECRET is empty - bearer token authentication will reject every request")
	} else if len(c.JWTSecret) < minJWTSecretLength {
		log.Error().
			Int("length", len(c.JWTSecret)).
			Int("min_required", minJWTSecretLength).
			Msg("JWT_SECRET is too short for secure signing")
	}

	// Queue retention/visibility cross-validation
	if c.QueueVisibilityTimeout < c.BrowserInitTimeout+c.BrowserPageTimeout {
		log.Warn().
			Dur("visibility_timeout", c.QueueVisibilityTimeout).
			Msg("QUEUE_VISIBILITY_TIMEOUT shorter than browser init+page timeout, adjusting")
		c.QueueVisibilityTimeout = c.BrowserInitTimeout + c.BrowserPageTimeout
	}
	if c.QueueJobRetention < time.Hour {
		log.Warn().Dur("retention", c.QueueJobRetention).Msg("QUEUE_JOB_RETENTION too short, using 23h")
		c.QueueJobRetention = 23 * time.Hour
	}

	if c.MaxRunRetries < 1 {
		log.Warn().Int("max_retries", c.MaxRunRetries).Msg("MAX_RUN_RETRIES too low, using 3")
		c.MaxRunRetries = 3
	}

	// Integration credential path validation
	if c.IntegrationCredentialsPath != "" && strings.Contains(c.IntegrationCredentialsPath, "..") {
		log.Error().
			Str("path", c.IntegrationCredentialsPath).
			Msg("IntegrationCredentialsPath contains path traversal sequence (..), ignoring")
		c.IntegrationCredentialsPath = ""
	}
	if c.IntegrationHotReload && c.IntegrationCredentialsPath == "" {
		log.Warn().Msg("INTEGRATION_HOT_RELOAD enabled but INTEGRATION_CREDENTIALS_PATH not set - hot-reload disabled")
		c.IntegrationHotReload = false
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			if intValue < -2147483648 || intValue > 2147483647 {
				log.Warn().
					Str("key", key).
					Str("value", value).
					Int("default", defaultValue).
					Msg("Integer value out of range in environment variable, using default")
				return defaultValue
			}
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
