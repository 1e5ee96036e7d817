package main

import (
	"time"

	"github.com/matst80/httptun/internal/httpx"
	"github.com/matst80/httptun/internal/registry"
	"github.com/matst80/httptun/internal/tunnel"
	"github.com/spf13/pflag"
)

// Config holds client runtime configuration: the three positional arguments
// plus tuning flags.
type Config struct {
	Args tunnel.Args

	FetchInterval    time.Duration
	ChunkSize        int
	MaxFetchFailures int
	CloseSession     bool
	KeepAlive        time.Duration

	RequestTimeout time.Duration
	Insecure       bool // accept any relay certificate
	CAFile         string
	HTTP2          bool

	MaxConnRate     int
	MaxFetchRate    int
	Burst           int
	CleanupInterval time.Duration

	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Debug         bool
}

// registerFlags binds every optional flag onto fs.
func registerFlags(fs *pflag.FlagSet, cfg *Config) {
	td := tunnel.DefaultConfig()
	hd := httpx.DefaultClientConfig()
	fs.DurationVar(&cfg.FetchInterval, "fetch-interval", td.FetchInterval, "delay between fetch cycles (0 = rely on the relay's pacing)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", td.ChunkSize, "upstream read buffer size in bytes; one PUT carries at most this much")
	fs.IntVar(&cfg.MaxFetchFailures, "max-fetch-failures", td.MaxFetchFailures, "consecutive failed fetch requests tolerated; one more ends the session")
	fs.BoolVar(&cfg.CloseSession, "close-session", td.CloseSession, "send DELETE to the session URL when the local connection ends")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", td.KeepAlivePeriod, "TCP keep-alive period for accepted connections")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", hd.Timeout, "overall timeout of one relay request, must outlast the relay's long-poll")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "accept any relay TLS certificate (only for relays you operate)")
	fs.StringVar(&cfg.CAFile, "ca-file", "", "PEM file with certificates trusted for the relay")
	fs.BoolVar(&cfg.HTTP2, "http2", hd.HTTP2, "negotiate HTTP/2 with the relay")
	fs.IntVar(&cfg.MaxConnRate, "max-conn-rate", 0, "accepted local connections per second (0 = unlimited)")
	fs.IntVar(&cfg.MaxFetchRate, "max-fetch-rate", 0, "fetch requests per second per session (0 = unlimited)")
	fs.IntVar(&cfg.Burst, "burst", 10, "burst size for the rate limits")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", 30*time.Second, "interval for sweeping rate limiter state of finished sessions")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics, health and dashboard listen address (empty = disabled)")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the shared session registry (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func (c Config) tunnelConfig() tunnel.Config {
	tc := tunnel.DefaultConfig()
	tc.FetchInterval = c.FetchInterval
	tc.ChunkSize = c.ChunkSize
	tc.MaxFetchFailures = c.MaxFetchFailures
	tc.CloseSession = c.CloseSession
	tc.KeepAlivePeriod = c.KeepAlive
	return tc
}

func (c Config) clientConfig() httpx.ClientConfig {
	hc := httpx.DefaultClientConfig()
	hc.Timeout = c.RequestTimeout
	hc.Insecure = c.Insecure
	hc.CAFile = c.CAFile
	hc.HTTP2 = c.HTTP2
	return hc
}

func (c Config) registryOptions() registry.Options {
	return registry.Options{RedisAddr: c.RedisAddr, RedisPassword: c.RedisPassword, RedisDB: c.RedisDB}
}
