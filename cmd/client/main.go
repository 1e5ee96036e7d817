package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/httptun/internal/httpx"
	"github.com/matst80/httptun/internal/obs"
	"github.com/matst80/httptun/internal/ratelimit"
	"github.com/matst80/httptun/internal/registry"
	"github.com/matst80/httptun/internal/tunnel"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newCommand(run).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newCommand(runFn func(context.Context, Config) error) *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:   "httptun <local_port> <server_base_url> <destination>",
		Short: "Relay local TCP connections through an HTTP relay server",
		Long: "httptun listens on 127.0.0.1:<local_port> and tunnels every accepted connection\n" +
			"through <server_base_url>, asking the relay to connect to <destination>.",
		Args: func(cmd *cobra.Command, args []string) error {
			a, err := tunnel.ParseArgs(args)
			if err != nil {
				return err
			}
			cfg.Args = a
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFn(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd.Flags(), &cfg)
	return cmd
}

func run(ctx context.Context, cfg Config) error {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("client.start", obs.Fields{"port": cfg.Args.LocalPort, "relay": cfg.Args.ServerURL, "destination": cfg.Args.Destination})
	if cfg.Insecure {
		obs.Warn("tls.insecure", obs.Fields{"relay": cfg.Args.ServerURL, "note": "relay certificate is not verified"})
	}

	client, err := httpx.NewClient(cfg.clientConfig())
	if err != nil {
		obs.Error("client.http", obs.Fields{"err": err.Error()})
		return err
	}
	store, closeStore, err := registry.New(ctx, cfg.registryOptions())
	if err != nil {
		obs.Error("client.registry", obs.Fields{"err": err.Error()})
		return err
	}
	// runs after acceptor.Serve has drained every session
	defer closeStore()
	limiter := ratelimit.NewRateLimiter(cfg.MaxConnRate, cfg.MaxFetchRate, cfg.Burst)

	ln, err := tunnel.Listen(cfg.Args.LocalPort)
	if err != nil {
		obs.Error("listen.local", obs.Fields{"err": err.Error(), "port": cfg.Args.LocalPort})
		return err
	}
	handler := tunnel.NewHandler(client, cfg.Args, cfg.tunnelConfig(), store, limiter)
	acceptor := tunnel.NewAcceptor(ln, handler, limiter)

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg, store)
	}
	go runCleanupLoop(ctx, store, limiter, cfg.CleanupInterval)
	go func() {
		<-ctx.Done()
		obs.Info("client.shutdown.signal", obs.Fields{})
		store.SetClosing(true)
	}()

	store.SetReady(true)
	obs.Info("client.ready", obs.Fields{"addr": acceptor.Addr().String()})
	err = acceptor.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("client.acceptor", obs.Fields{"err": err.Error()})
		return err
	}
	obs.Info("client.shutdown.complete", obs.Fields{"sessions": store.Stats().Total})
	return nil
}

// runCleanupLoop drops rate limiter buckets whose sessions are gone.
func runCleanupLoop(ctx context.Context, store registry.Store, limiter *ratelimit.RateLimiter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			active := make(map[string]bool)
			for _, rec := range store.Active() {
				active[rec.ID] = true
			}
			if n := limiter.CleanupExpiredSessions(active); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}
