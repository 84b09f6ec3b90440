package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var taskSeq atomic.Uint64

// TaskID returns a short process-local identifier for a pipeline task,
// like "reply-17". Tasks are not persisted, so a monotonic counter is enough.
func TaskID() string {
	return fmt.Sprintf("reply-%d", taskSeq.Add(1))
}
