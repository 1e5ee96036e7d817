package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/matst80/httptun/internal/obs"
	"github.com/matst80/httptun/internal/proto"
)

var (
	// ErrSessionGone means the relay lost or closed the destination side.
	ErrSessionGone = errors.New("relay closed the session")
	// ErrLocalWrite wraps failures writing fetched bytes to the local socket.
	ErrLocalWrite = errors.New("write to local connection failed")
	// ErrTruncatedFetch means a fetch body broke off after bytes were delivered.
	ErrTruncatedFetch = errors.New("fetch body truncated")
)

// Relay issues the session verbs over a shared *http.Client.
type Relay struct {
	client *http.Client
}

func NewRelay(client *http.Client) *Relay {
	if client == nil {
		client = http.DefaultClient
	}
	return &Relay{client: client}
}

func (r *Relay) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", proto.ContentType)
	}
	res, err := r.client.Do(req)
	if err != nil {
		obs.RelayRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}
	obs.RelayRequestsTotal.WithLabelValues(method, strconv.Itoa(res.StatusCode)).Inc()
	return res, nil
}

// discard drains a little of the body so the connection can be reused.
func discard(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	_ = res.Body.Close()
}

// Announce tells the relay which destination the session connects to.
func (r *Relay) Announce(ctx context.Context, s *Session) error {
	res, err := r.do(ctx, proto.MethodAnnounce, s.URL, []byte(s.Destination))
	if err != nil {
		return err
	}
	defer discard(res)
	if !proto.Success(res.StatusCode) {
		return &proto.StatusError{Method: proto.MethodAnnounce, Code: res.StatusCode}
	}
	return nil
}

// Push uploads one chunk read from the local socket.
func (r *Relay) Push(ctx context.Context, s *Session, p []byte) error {
	res, err := r.do(ctx, proto.MethodPush, s.URL, p)
	if err != nil {
		return err
	}
	defer discard(res)
	if !proto.Success(res.StatusCode) {
		return &proto.StatusError{Method: proto.MethodPush, Code: res.StatusCode}
	}
	return nil
}

// Fetch performs one fetch cycle, copying the response body to w. An empty
// body or 204 is not an error. Transport errors are returned unwrapped so the
// caller can retry them; the typed and sentinel errors are final.
func (r *Relay) Fetch(ctx context.Context, s *Session, w io.Writer) (int64, error) {
	res, err := r.do(ctx, proto.MethodFetch, s.URL, nil)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	switch proto.ClassifyFetch(res.StatusCode) {
	case proto.FetchEmpty:
		return 0, nil
	case proto.FetchGone:
		return 0, ErrSessionGone
	case proto.FetchFailed:
		return 0, &proto.StatusError{Method: proto.MethodFetch, Code: res.StatusCode}
	}
	lw := &localWriter{w: w}
	n, err := io.Copy(lw, res.Body)
	if lw.err != nil {
		return n, fmt.Errorf("%w: %w", ErrLocalWrite, lw.err)
	}
	if err != nil {
		if n > 0 {
			return n, fmt.Errorf("%w after %d bytes: %w", ErrTruncatedFetch, n, err)
		}
		return 0, err
	}
	return n, nil
}

// Close tells the relay the local side of the session is finished.
func (r *Relay) Close(ctx context.Context, s *Session) error {
	res, err := r.do(ctx, proto.MethodClose, s.URL, nil)
	if err != nil {
		return err
	}
	defer discard(res)
	if !proto.Success(res.StatusCode) {
		return &proto.StatusError{Method: proto.MethodClose, Code: res.StatusCode}
	}
	return nil
}

// localWriter remembers write errors so they can be told apart from body read errors.
type localWriter struct {
	w   io.Writer
	err error
}

func (l *localWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	if err != nil {
		l.err = err
	}
	return n, err
}
