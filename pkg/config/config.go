// Package config loads gateway configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full server configuration. Zero values are replaced with
// defaults in Load; tests construct the struct directly.
type Config struct {
	Addr string

	DataDir  string
	AuditLog string
	AuditKey string // hex-encoded 32-byte at-rest encryption key, empty = plaintext

	AdminUser       string
	AdminPassword   string
	BootstrapSecret string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration

	RateMax    int
	RateWindow time.Duration
	RateBurst  int
	RedisAddr  string

	ApprovalTimeout        time.Duration
	ApprovalAlertThreshold int

	FilterRules string
	SchemaDir   string

	WorkerCmd      string
	PoolSize       int
	CallTimeout    time.Duration
	ContainerImage string
	SeccompProfile string

	AllowedCapabilities []string

	WebhookMaxRetries int

	OTLPEndpoint string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Addr:                   envStr("GATEWAY_ADDR", "127.0.0.1:8790"),
		DataDir:                envStr("GATEWAY_DATA_DIR", "data"),
		AuditLog:               envStr("GATEWAY_AUDIT_LOG", "data/audit.jsonl"),
		AuditKey:               os.Getenv("GATEWAY_AUDIT_KEY"),
		AdminUser:              envStr("GATEWAY_ADMIN_USER", "admin"),
		AdminPassword:          os.Getenv("GATEWAY_ADMIN_PASSWORD"),
		BootstrapSecret:        os.Getenv("GATEWAY_BOOTSTRAP_SECRET"),
		AccessTTL:              envDur("GATEWAY_ACCESS_TTL", time.Hour),
		RefreshTTL:             envDur("GATEWAY_REFRESH_TTL", 7*24*time.Hour),
		RateMax:                envInt("GATEWAY_RATE_MAX", 120),
		RateWindow:             envDur("GATEWAY_RATE_WINDOW", time.Minute),
		RateBurst:              envInt("GATEWAY_RATE_BURST", 20),
		RedisAddr:              os.Getenv("GATEWAY_REDIS_ADDR"),
		ApprovalTimeout:        envDur("GATEWAY_APPROVAL_TIMEOUT", 10*time.Minute),
		ApprovalAlertThreshold: envInt("GATEWAY_APPROVAL_ALERT_THRESHOLD", 25),
		FilterRules:            envStr("GATEWAY_FILTER_RULES", "data/filter_rules.json"),
		SchemaDir:              envStr("GATEWAY_SCHEMA_DIR", "schemas"),
		WorkerCmd:              envStr("GATEWAY_WORKER_CMD", "gateway-worker"),
		PoolSize:               envInt("GATEWAY_POOL_SIZE", 2),
		CallTimeout:            envDur("GATEWAY_CALL_TIMEOUT", 5*time.Second),
		ContainerImage:         os.Getenv("GATEWAY_CONTAINER_IMAGE"),
		SeccompProfile:         os.Getenv("GATEWAY_SECCOMP_PROFILE"),
		AllowedCapabilities:    envList("GATEWAY_CAPABILITIES", "fs.read,net.fetch"),
		WebhookMaxRetries:      envInt("GATEWAY_WEBHOOK_MAX_RETRIES", 3),
		OTLPEndpoint:           os.Getenv("GATEWAY_OTLP_ENDPOINT"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDur accepts either a Go duration ("30s") or a bare number of seconds.
func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func envList(key, def string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
