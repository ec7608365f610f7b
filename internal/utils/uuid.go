package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID generates a new UUID string
func GenerateUUID() string {
	return uuid.New().String()
}

// ShortID returns the first 8 hex characters of a fresh UUID, safe to embed in table names.
func ShortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// IsValidUUID checks if a string is a valid UUID
func IsValidUUID(u string) bool {
	_, err := uuid.Parse(u)
	return err == nil
}
