// Package registry tracks the tunnel sessions this process is relaying.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateSession is returned by Register when the id is already known.
var ErrDuplicateSession = errors.New("session id already registered")

// Record describes one active tunnel session.
type Record struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	LocalAddr   string    `json:"local_addr"`
	Started     time.Time `json:"started"`
	BytesUp     int64     `json:"bytes_up"`
	BytesDown   int64     `json:"bytes_down"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Active    int   `json:"active"`
	Total     int64 `json:"total"`
	Failures  int64 `json:"failures"`
	BytesUp   int64 `json:"bytes_up"`
	BytesDown int64 `json:"bytes_down"`
}

// Store abstracts session bookkeeping so several client processes can share
// one view through Redis.
type Store interface {
	Register(ctx context.Context, rec Record) error
	Unregister(ctx context.Context, id string)
	AddBytes(id string, up, down int64)
	RecordFailure()
	Active() []Record
	Stats() Stats
	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
}
