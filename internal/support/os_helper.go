package support

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const deviceHashLength = 16

func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration strings ("90s") or plain seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	value = strings.TrimSpace(value)
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

// HashDevice turns a client-supplied device identifier into a short stable token so raw
// identifiers never reach storage or logs. Empty input stays empty.
func HashDevice(deviceID string) string {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])[:deviceHashLength]
}
