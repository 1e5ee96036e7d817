package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// pusher moves upstream bytes from the local socket to the relay. Each chunk
// is pushed before the next read, so the relay sees bytes in socket order.
type pusher struct {
	relay     *Relay
	sess      *Session
	src       io.Reader
	chunkSize int
	onBytes   func(n int64)
}

func (p *pusher) run(ctx context.Context) error {
	buf := make([]byte, p.chunkSize)
	for {
		n, rerr := p.src.Read(buf)
		if n > 0 {
			if err := p.relay.Push(ctx, p.sess, buf[:n]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("push: %w", err)
			}
			if p.onBytes != nil {
				p.onBytes(int64(n))
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read local: %w", rerr)
		}
		if n == 0 {
			return nil
		}
	}
}
