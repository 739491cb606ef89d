package gcp

import (
	"log/slog"
	"os"
	"strconv"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer variable. Unparsable values are logged and
// replaced by fallback.
func GetEnvInt(key string, fallback int) int {
	return parseEnv(key, fallback, strconv.Atoi)
}

// GetEnvInt64 is GetEnvInt for 64-bit values.
func GetEnvInt64(key string, fallback int64) int64 {
	return parseEnv(key, fallback, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// GetEnvFloat reads a floating point variable.
func GetEnvFloat(key string, fallback float64) float64 {
	return parseEnv(key, fallback, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func parseEnv[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("Ignoring malformed environment variable.", "key", key, "value", raw, "error", err)
		return fallback
	}
	return v
}
