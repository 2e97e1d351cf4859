package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env          string
	MerchantCode string

	// Backend order service.
	APIBaseURL string
	// WS base (ws:// or wss://). Empty disables realtime and enables the polling fallback.
	WSBaseURL string

	// Local customer-display server.
	DisplayAddr        string
	CorsAllowedOrigins []string

	DataDir    string
	ReceiptDir string

	GroupOrderPollInterval time.Duration
	GroupOrderIdleTimeout  time.Duration
	ReconnectBaseDelay     time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectMaxAttempts   int

	HeldOrderTTL     time.Duration
	OfflineProbePath string
}

func Load() Config {
	cfg := Config{
		Env:          getEnv("APP_ENV", "development"),
		MerchantCode: getEnv("MERCHANT_CODE", ""),

		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:8086"),
		WSBaseURL:  getEnv("WS_BASE_URL", ""),

		DisplayAddr:        getEnv("DISPLAY_ADDR", ":8087"),
		CorsAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),

		DataDir:    getEnv("POS_DATA_DIR", "pos-data"),
		ReceiptDir: getEnv("POS_RECEIPT_DIR", "receipts"),

		GroupOrderPollInterval: getEnvDuration("GROUP_ORDER_POLL_INTERVAL", 5*time.Second),
		GroupOrderIdleTimeout:  getEnvDuration("GROUP_ORDER_IDLE_TIMEOUT", 3*time.Minute),
		ReconnectBaseDelay:     getEnvDuration("WS_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:      getEnvDuration("WS_RECONNECT_MAX_DELAY", 15*time.Second),
		ReconnectMaxAttempts:   int(getEnvInt64("WS_RECONNECT_MAX_ATTEMPTS", 5)),

		HeldOrderTTL:     getEnvDuration("POS_HELD_ORDER_TTL", 24*time.Hour),
		OfflineProbePath: getEnv("OFFLINE_PROBE_PATH", "/health"),
	}

	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}

	return cfg
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
