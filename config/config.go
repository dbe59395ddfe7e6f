// Package config loads this service's configuration from environment
// variables, following the prefixed-key/typed-getter pattern used across
// the codebase this service grew out of.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads environment variables under an optional prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration loader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics.
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(ec.buildKey(key))
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Validator accumulates configuration validation errors.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors.
func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

// Validate runs validation and returns an error if invalid.
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
	}
	return nil
}

// StoreConfig configures the Store Gateway's Postgres pool.
type StoreConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	PoolMinConns    int
	PoolMaxConns    int
	AcquireTimeout  time.Duration
}

// ConnString builds a libpq-style connection string for pgxpool.
func (s StoreConfig) ConnString() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s&pool_min_conns=%d&pool_max_conns=%d",
		s.User, s.Password, s.Host, s.Port, s.Database, s.SSLMode, s.PoolMinConns, s.PoolMaxConns,
	)
}

// LoadStoreConfig loads the store configuration from environment.
func LoadStoreConfig(prefix string) StoreConfig {
	env := NewEnvConfig(prefix)
	return StoreConfig{
		Host:           env.GetString("HOST", "localhost"),
		Port:           env.GetInt("PORT", 5432),
		Database:       env.GetString("NAME", "dispatcher"),
		User:           env.GetString("USER", "dispatcher"),
		Password:       env.GetString("PASSWORD", ""),
		SSLMode:        env.GetString("SSLMODE", "disable"),
		PoolMinConns:   env.GetInt("POOL_MIN", 10),
		PoolMaxConns:   env.GetInt("POOL_MAX", 250),
		AcquireTimeout: env.GetDuration("ACQUIRE_TIMEOUT", 5*time.Second),
	}
}

// CacheConfig configures the optional Redis cache layer, including per-family TTLs.
type CacheConfig struct {
	Enabled        bool
	Required       bool
	Host           string
	Port           int
	DB             int
	TasksTTL       time.Duration
	StatisticsTTL  time.Duration
	DocumentsTTL   time.Duration
	SummaryTTL     time.Duration
}

// URL builds a redis:// connection URL.
func (c CacheConfig) URL() string {
	return fmt.Sprintf("redis://%s:%d/%d", c.Host, c.Port, c.DB)
}

// LoadCacheConfig loads cache configuration from environment.
func LoadCacheConfig(prefix string) CacheConfig {
	env := NewEnvConfig(prefix)
	return CacheConfig{
		Enabled:       env.GetBool("ENABLED", true),
		Required:      env.GetBool("REQUIRED", false),
		Host:          env.GetString("HOST", "localhost"),
		Port:          env.GetInt("PORT", 6379),
		DB:            env.GetInt("DB", 0),
		TasksTTL:      env.GetDuration("TTL_TASKS", 10*time.Second),
		StatisticsTTL: env.GetDuration("TTL_STATISTICS", 30*time.Second),
		DocumentsTTL:  env.GetDuration("TTL_DOCUMENTS", 60*time.Second),
		SummaryTTL:    env.GetDuration("TTL_SUMMARY", 30*time.Second),
	}
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
	RateLimitGlobal float64
	RateLimitPoll   float64
	RateLimitStats  float64
}

// LoadServerConfig loads server configuration from environment.
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Host:            env.GetString("HOST", "0.0.0.0"),
		Port:            env.GetInt("PORT", 8080),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:           env.GetBool("DEBUG", false),
		RateLimitGlobal: 50,
		RateLimitPoll:   10,
		RateLimitStats:  5,
	}
}

// AuthConfig configures the Credential Gate.
type AuthConfig struct {
	Enabled  bool
	AdminKey string
}

// LoadAuthConfig loads auth configuration from environment.
func LoadAuthConfig(prefix string) AuthConfig {
	env := NewEnvConfig(prefix)
	return AuthConfig{
		Enabled:  env.GetBool("ENABLED", true),
		AdminKey: env.GetString("ADMIN_KEY", ""),
	}
}

// LivenessConfig configures worker liveness thresholds and sweep intervals.
type LivenessConfig struct {
	HeartbeatExpected time.Duration
	InactiveThreshold time.Duration
	ReclaimInterval   time.Duration
}

// LoadLivenessConfig loads liveness configuration from environment. The
// inactivity threshold defaults to three missed heartbeat intervals.
func LoadLivenessConfig(prefix string) LivenessConfig {
	env := NewEnvConfig(prefix)
	heartbeat := env.GetDuration("HEARTBEAT_INTERVAL", 60*time.Second)
	return LivenessConfig{
		HeartbeatExpected: heartbeat,
		InactiveThreshold: env.GetDuration("INACTIVE_THRESHOLD", 3*heartbeat),
		ReclaimInterval:   env.GetDuration("RECLAIM_INTERVAL", heartbeat),
	}
}

// AllConfig bundles every configuration section the dispatcher needs at startup.
type AllConfig struct {
	Store     StoreConfig
	Cache     CacheConfig
	Server    ServerConfig
	Auth      AuthConfig
	Liveness  LivenessConfig
}

// Load reads and validates the complete configuration for the given prefix.
func Load(prefix string) (*AllConfig, error) {
	cfg := &AllConfig{
		Store:    LoadStoreConfig(prefix + "_DB"),
		Cache:    LoadCacheConfig(prefix + "_CACHE"),
		Server:   LoadServerConfig(prefix),
		Auth:     LoadAuthConfig(prefix + "_AUTH"),
		Liveness: LoadLivenessConfig(prefix),
	}

	v := NewValidator()
	v.RequireString("Store.Database", cfg.Store.Database)
	v.RequirePositiveInt("Server.Port", cfg.Server.Port)
	if err := v.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
