package registry

import (
	"context"

	"github.com/matst80/httptun/internal/obs"
)

// Options selects the registry backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New creates either an in-memory or Redis-backed store. The returned close
// func stops Redis maintenance and removes this instance's keys; call it once
// every session has unregistered.
func New(ctx context.Context, opts Options) (Store, func(), error) {
	if opts.RedisAddr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), func() {}, nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	rs, err := newRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		rs.runMaintenance(mctx)
	}()
	return rs, func() {
		cancel()
		<-done
		rs.purgeInstance()
	}, nil
}
