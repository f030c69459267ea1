// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Allocation
	ClaimTTL      time.Duration
	StatsCacheTTL time.Duration

	// Proxy health
	ProxyRotateThreshold int
	ProxyDeadThreshold   int
	ProxySticky          bool

	// Probing
	ProbeConcurrency int
	ProbeTimeout     time.Duration
	ProbeBatchSize   int
	ProbeURL         string
	ProbeInterval    time.Duration

	// Maintenance
	CleanupSchedule  string
	CleanupRetention time.Duration

	// GeoIP
	GeoIPDBPath string // empty disables country resolution

	// Sessions
	Headless bool
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error if any value is invalid; every problem is
// collected so a misconfigured deployment fails with the full list at once.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("ROSTER_STATE_DIR", "/var/lib/roster")

	// --- Allocation ---
	cfg.ClaimTTL = envDuration("ROSTER_CLAIM_TTL", 10*time.Minute, &errs)
	cfg.StatsCacheTTL = envDuration("ROSTER_STATS_CACHE_TTL", 5*time.Second, &errs)

	// --- Proxy health ---
	cfg.ProxyRotateThreshold = envInt("ROSTER_PROXY_ROTATE_THRESHOLD", 3, &errs)
	cfg.ProxyDeadThreshold = envInt("ROSTER_PROXY_DEAD_THRESHOLD", 5, &errs)
	cfg.ProxySticky = envBool("ROSTER_PROXY_STICKY", true, &errs)

	// --- Probing ---
	cfg.ProbeConcurrency = envInt("ROSTER_PROBE_CONCURRENCY", 8, &errs)
	cfg.ProbeTimeout = envDuration("ROSTER_PROBE_TIMEOUT", 10*time.Second, &errs)
	cfg.ProbeBatchSize = envInt("ROSTER_PROBE_BATCH_SIZE", 64, &errs)
	cfg.ProbeURL = envStr("ROSTER_PROBE_URL", "https://www.gstatic.com/generate_204")
	cfg.ProbeInterval = envDuration("ROSTER_PROBE_INTERVAL", 5*time.Minute, &errs)

	// --- Maintenance ---
	cfg.CleanupSchedule = envStr("ROSTER_CLEANUP_SCHEDULE", "0 4 * * *")
	cfg.CleanupRetention = envDuration("ROSTER_CLEANUP_RETENTION", 30*24*time.Hour, &errs)

	// --- GeoIP ---
	cfg.GeoIPDBPath = envStr("ROSTER_GEOIP_DB_PATH", "")

	// --- Sessions ---
	cfg.Headless = envBool("ROSTER_HEADLESS", true, &errs)

	// --- Validation ---
	if strings.TrimSpace(cfg.StateDir) == "" {
		errs = append(errs, "ROSTER_STATE_DIR must not be empty")
	}
	if cfg.ClaimTTL <= 0 {
		errs = append(errs, "ROSTER_CLAIM_TTL must be positive")
	}
	if cfg.StatsCacheTTL <= 0 {
		errs = append(errs, "ROSTER_STATS_CACHE_TTL must be positive")
	}
	validatePositive("ROSTER_PROXY_ROTATE_THRESHOLD", cfg.ProxyRotateThreshold, &errs)
	validatePositive("ROSTER_PROXY_DEAD_THRESHOLD", cfg.ProxyDeadThreshold, &errs)
	if cfg.ProxyDeadThreshold < cfg.ProxyRotateThreshold {
		errs = append(errs, "ROSTER_PROXY_DEAD_THRESHOLD must be greater than or equal to ROSTER_PROXY_ROTATE_THRESHOLD")
	}
	validatePositive("ROSTER_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)
	validatePositive("ROSTER_PROBE_BATCH_SIZE", cfg.ProbeBatchSize, &errs)
	if cfg.ProbeTimeout <= 0 {
		errs = append(errs, "ROSTER_PROBE_TIMEOUT must be positive")
	}
	if cfg.ProbeInterval <= 0 {
		errs = append(errs, "ROSTER_PROBE_INTERVAL must be positive")
	}
	if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("ROSTER_CLEANUP_SCHEDULE: invalid cron expression %q: %v", cfg.CleanupSchedule, err))
	}
	if cfg.CleanupRetention <= 0 {
		errs = append(errs, "ROSTER_CLEANUP_RETENTION must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
