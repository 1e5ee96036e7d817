package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matst80/httptun/internal/obs"
	"github.com/matst80/httptun/internal/proto"
	"github.com/matst80/httptun/internal/ratelimit"
)

// poller moves downstream bytes from the relay to the local socket.
type poller struct {
	relay       *Relay
	sess        *Session
	dst         io.Writer
	interval    time.Duration
	maxFailures int
	limiter     *ratelimit.RateLimiter
	onBytes     func(n int64)
}

func (p *poller) run(ctx context.Context) error {
	failures := 0
	var backoff time.Duration
	for {
		if err := p.limiter.WaitFetch(ctx, p.sess.ID); err != nil {
			return nil
		}
		n, err := p.relay.Fetch(ctx, p.sess, p.dst)
		if n > 0 && p.onBytes != nil {
			p.onBytes(n)
		}
		// The local side may have gone away while the fetch was in flight.
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if fatalFetch(err) {
				return err
			}
			failures++
			obs.ErrorsTotal.WithLabelValues("fetch").Inc()
			if failures > p.maxFailures {
				return fmt.Errorf("fetch failed %d times in a row: %w", failures, err)
			}
			backoff = nextDelay(backoff)
			obs.Debug("fetch.retry", obs.Fields{"id": p.sess.ID, "failures": failures, "retry_ms": backoff.Milliseconds(), "err": err.Error()})
		} else {
			failures = 0
			backoff = 0
		}
		if !sleepCtx(ctx, max(p.interval, backoff)) {
			return nil
		}
	}
}

func fatalFetch(err error) bool {
	var se *proto.StatusError
	return errors.Is(err, ErrSessionGone) ||
		errors.Is(err, ErrLocalWrite) ||
		errors.Is(err, ErrTruncatedFetch) ||
		errors.As(err, &se)
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
