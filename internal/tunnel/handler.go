package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matst80/httptun/internal/obs"
	"github.com/matst80/httptun/internal/ratelimit"
	"github.com/matst80/httptun/internal/registry"
	"golang.org/x/sync/errgroup"
)

const maxIDAttempts = 3

// Handler runs one tunnel session per local connection.
type Handler struct {
	relay   *Relay
	args    Args
	cfg     Config
	store   registry.Store
	limiter *ratelimit.RateLimiter
}

// NewHandler wires a handler around the process-wide relay client. store and
// limiter may be nil.
func NewHandler(client *http.Client, args Args, cfg Config, store registry.Store, limiter *ratelimit.RateLimiter) *Handler {
	if store == nil {
		store = registry.NewMemoryStore()
	}
	return &Handler{
		relay:   NewRelay(client),
		args:    args,
		cfg:     cfg.withDefaults(),
		store:   store,
		limiter: limiter,
	}
}

// Serve owns conn until the session ends and always closes it. The relay
// loops start only after the relay accepted the announcement.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	sess, err := h.register(ctx, conn)
	if err != nil {
		h.store.RecordFailure()
		return err
	}
	start := time.Now()
	defer func() {
		h.store.Unregister(context.WithoutCancel(ctx), sess.ID)
		h.limiter.Forget(sess.ID)
		obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	obs.Info("session.announce", obs.Fields{"id": sess.ID, "destination": sess.Destination, "local": conn.RemoteAddr().String()})
	if err := h.relay.Announce(ctx, sess); err != nil {
		h.store.RecordFailure()
		obs.ErrorsTotal.WithLabelValues("announce").Inc()
		return fmt.Errorf("session %s: announce: %w", sess.ID, err)
	}
	obs.SessionsTotal.Inc()
	obs.ActiveSessions.Inc()
	defer obs.ActiveSessions.Dec()

	err = h.relayLoops(ctx, conn, sess)
	if errors.Is(err, ErrSessionGone) {
		// end-of-stream from the relay; nothing left to close there
		obs.Info("session.remote_closed", obs.Fields{"id": sess.ID})
		err = nil
	} else if h.cfg.CloseSession {
		h.closeRemote(ctx, sess)
	}
	obs.Info("session.closed", obs.Fields{"id": sess.ID, "duration_ms": time.Since(start).Milliseconds()})
	if err != nil {
		h.store.RecordFailure()
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return nil
}

func (h *Handler) register(ctx context.Context, conn net.Conn) (*Session, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		sess, err := NewSession(h.args.ServerURL, h.args.Destination)
		if err != nil {
			return nil, err
		}
		err = h.store.Register(ctx, registry.Record{
			ID:          sess.ID,
			Destination: sess.Destination,
			LocalAddr:   conn.RemoteAddr().String(),
			Started:     time.Now(),
		})
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, registry.ErrDuplicateSession) {
			return nil, fmt.Errorf("register session: %w", err)
		}
		obs.Error("session.duplicate_id", obs.Fields{"id": sess.ID})
	}
	return nil, fmt.Errorf("register session: %w after %d attempts", registry.ErrDuplicateSession, maxIDAttempts)
}

// relayLoops runs the poller and the pusher as one group. Whichever stops
// first cancels the other; closing conn unblocks a pending local read and the
// context aborts an in-flight relay request.
func (h *Handler) relayLoops(ctx context.Context, conn net.Conn, sess *Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	p := &poller{
		relay:       h.relay,
		sess:        sess,
		dst:         conn,
		interval:    h.cfg.FetchInterval,
		maxFailures: h.cfg.MaxFetchFailures,
		limiter:     h.limiter,
		onBytes: func(n int64) {
			h.store.AddBytes(sess.ID, 0, n)
			obs.BytesTotal.WithLabelValues("down").Add(float64(n))
		},
	}
	u := &pusher{
		relay:     h.relay,
		sess:      sess,
		src:       conn,
		chunkSize: h.cfg.ChunkSize,
		onBytes: func(n int64) {
			h.store.AddBytes(sess.ID, n, 0)
			obs.BytesTotal.WithLabelValues("up").Add(float64(n))
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := p.run(gctx); err != nil {
			obs.ErrorsTotal.WithLabelValues("downstream").Inc()
			return fmt.Errorf("downstream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if err := u.run(gctx); err != nil {
			obs.ErrorsTotal.WithLabelValues("upstream").Inc()
			return fmt.Errorf("upstream: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (h *Handler) closeRemote(ctx context.Context, sess *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.CloseTimeout)
	defer cancel()
	if err := h.relay.Close(ctx, sess); err != nil {
		obs.Debug("session.close_remote", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
}
