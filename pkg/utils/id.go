package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexically sortable, monotonic ULID string.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// GenerateID returns prefix_<ULID>, e.g. don_01J9Z....
func GenerateID(prefix string) string {
	return prefix + "_" + NewULID()
}

// NewEventID identifies outbound events for consumer-side deduplication.
func NewEventID() string {
	return uuid.NewString()
}
