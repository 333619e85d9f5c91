// Package config holds the environment-variable parsing helpers shared
// by every cmd/*d entrypoint.
package config

import (
	"os"
	"strconv"
	"time"
)

// StringOr returns the environment variable value or defaultVal.
func StringOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// IntOr returns the environment variable parsed as int, or defaultVal.
func IntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// DurationOr returns the environment variable parsed as a duration, or defaultVal.
func DurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// BoolOr returns the environment variable parsed as bool, or defaultVal.
func BoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
