package tunnel

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/matst80/httptun/internal/proto"
)

// Session is the relay-side identity of one accepted local connection.
type Session struct {
	ID          string
	URL         string
	Destination string
}

// NewSession draws a random v4 UUID and derives the session URL from base.
func NewSession(base, destination string) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	return &Session{
		ID:          id.String(),
		URL:         proto.SessionURL(base, id.String()),
		Destination: destination,
	}, nil
}
