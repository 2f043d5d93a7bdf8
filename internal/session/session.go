package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the server-side state for one live connection. LastPlacedAt
// stays zero until the first accepted placement.
type Session struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"addr"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastPlacedAt time.Time `json:"lastPlacedAt,omitempty"`
}

// NewSession creates a session with a generated, non-client-supplied id.
func NewSession(remoteAddr string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}
