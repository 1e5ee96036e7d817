// Package tunnel relays local TCP connections through an HTTP relay server.
// Each accepted connection gets its own session: an announcement, then a
// fetch loop and a push loop running until either side closes.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/httptun/internal/obs"
	"github.com/matst80/httptun/internal/ratelimit"
)

// Listen binds the loopback listener for port.
func Listen(port uint16) (*net.TCPListener, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("listen on local port %d: %w", port, err)
	}
	return ln, nil
}

// Acceptor hands every accepted connection to its own Handler.Serve goroutine.
type Acceptor struct {
	ln        *net.TCPListener
	handler   *Handler
	limiter   *ratelimit.RateLimiter
	keepAlive time.Duration

	wg sync.WaitGroup
}

func NewAcceptor(ln *net.TCPListener, handler *Handler, limiter *ratelimit.RateLimiter) *Acceptor {
	return &Acceptor{ln: ln, handler: handler, limiter: limiter, keepAlive: handler.cfg.KeepAlivePeriod}
}

// Addr is the bound local address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Serve accepts until ctx is done, then closes the listener and waits for
// every session to finish. Accept and setup failures are logged and the loop
// carries on.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = a.ln.Close() })
	defer stop()
	defer a.wg.Wait()

	var delay time.Duration
	for {
		conn, err := a.ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			delay = nextDelay(delay)
			obs.Error("accept.error", obs.Fields{"err": err.Error(), "retry_ms": delay.Milliseconds()})
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		delay = 0
		if !a.limiter.AllowConnection() {
			obs.RejectedConnections.Inc()
			obs.Error("accept.rate_limited", obs.Fields{"remote": conn.RemoteAddr().String()})
			_ = conn.Close()
			continue
		}
		a.setup(conn)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.handler.Serve(ctx, conn); err != nil {
				obs.Error("session.error", obs.Fields{"err": err.Error()})
			}
		}()
	}
}

// keepAliver is the part of *net.TCPConn that setup tunes.
type keepAliver interface {
	SetKeepAlive(keepalive bool) error
	SetKeepAlivePeriod(d time.Duration) error
}

func (a *Acceptor) setup(conn keepAliver) {
	if err := conn.SetKeepAlive(true); err != nil {
		obs.Error("accept.keepalive", obs.Fields{"err": err.Error()})
		return
	}
	if a.keepAlive > 0 {
		if err := conn.SetKeepAlivePeriod(a.keepAlive); err != nil {
			obs.Error("accept.keepalive_period", obs.Fields{"err": err.Error()})
		}
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
