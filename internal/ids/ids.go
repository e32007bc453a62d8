package ids

import (
	"crypto/rand"
	"encoding/base64"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewRequestID returns a lexicographically sortable identifier used to
// correlate log lines, audit events and upstream calls.
func NewRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewTabID generates the opaque identifier naming one browser tab's session.
func NewTabID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return NewRequestID()
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
