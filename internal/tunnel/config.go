package tunnel

import "time"

// Config tunes the per-connection relay loops.
type Config struct {
	// FetchInterval is slept between fetch cycles. Zero relies on the relay's
	// own pacing (busy-poll or long-poll).
	FetchInterval time.Duration
	// ChunkSize is the upstream read buffer; one push carries at most this much.
	ChunkSize int
	// MaxFetchFailures is how many consecutive transport failures a fetch loop
	// tolerates; the next one ends the session. Retries back off from 5ms up
	// to 1s.
	MaxFetchFailures int
	// CloseSession sends DELETE to the session URL when the local side ends.
	CloseSession bool
	CloseTimeout time.Duration
	// KeepAlivePeriod applies to accepted sockets; zero keeps the OS default.
	KeepAlivePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:        640 * 1024,
		MaxFetchFailures: 5,
		CloseSession:     true,
		CloseTimeout:     5 * time.Second,
		KeepAlivePeriod:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxFetchFailures < 0 {
		c.MaxFetchFailures = 0
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	return c
}
