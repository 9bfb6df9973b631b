package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32-char hex id, safe for Redis keys and headers.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
