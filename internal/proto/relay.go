// Package proto names the HTTP vocabulary spoken with the relay server.
//
// Every tunnel session is addressed by a single URL, {base}/{session id}:
//
//	POST   announce the destination (body = destination string)
//	GET    fetch bytes the relay buffered from the destination
//	PUT    push bytes read from the local socket
//	DELETE tell the relay the local side is gone
package proto

import (
	"fmt"
	"net/http"
)

const (
	MethodAnnounce = http.MethodPost
	MethodFetch    = http.MethodGet
	MethodPush     = http.MethodPut
	MethodClose    = http.MethodDelete
)

// ContentType is sent on every request carrying a body.
const ContentType = "application/octet-stream"

// SessionURL joins base and id with a single slash. base is used verbatim.
func SessionURL(base, id string) string {
	return base + "/" + id
}

// FetchResult classifies a fetch response status.
type FetchResult int

const (
	FetchData   FetchResult = iota // body carries downstream bytes (may be empty)
	FetchEmpty                     // nothing buffered yet
	FetchGone                      // relay closed the destination side
	FetchFailed                    // any other status
)

func ClassifyFetch(code int) FetchResult {
	switch code {
	case http.StatusOK:
		return FetchData
	case http.StatusNoContent:
		return FetchEmpty
	case http.StatusGone:
		return FetchGone
	default:
		return FetchFailed
	}
}

// Success reports whether code is 2xx.
func Success(code int) bool { return code >= 200 && code < 300 }

// StatusError is returned when the relay answers with an unexpected status.
type StatusError struct {
	Method string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s: unexpected status %d %s", e.Method, e.Code, http.StatusText(e.Code))
}
