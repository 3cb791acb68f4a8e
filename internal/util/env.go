package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// lookupEnv returns the trimmed value of key and whether it is non-empty.
func lookupEnv(key string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// StringEnv returns the value of key, or current when it is unset or blank.
func StringEnv(key, current string) string {
	if val, ok := lookupEnv(key); ok {
		return val
	}
	return current
}

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseIntEnv parses a base-10 integer variable. Invalid values return default.
func ParseIntEnv(key string, defaultValue int) int {
	val, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("ParseIntEnv: invalid integer value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}

// ParseFloatEnv parses a float variable. Invalid values return default.
func ParseFloatEnv(key string, defaultValue float64) float64 {
	if f, ok := LookupFloatEnv(key); ok {
		return f
	}
	return defaultValue
}

// LookupFloatEnv parses a float variable and reports whether it held a valid
// number, so an explicit zero can be told apart from an unset variable.
func LookupFloatEnv(key string) (float64, bool) {
	val, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		slog.Warn("LookupFloatEnv: invalid float value, ignoring", "key", key, "value", val)
		return 0, false
	}
	return f, true
}
