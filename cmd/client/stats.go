package main

import (
	"time"

	"github.com/matst80/httptun/internal/registry"
)

// Stats represents current client stats for dashboards & API.
type Stats struct {
	registry.Stats
	Port        uint16            `json:"port"`
	Relay       string            `json:"relay"`
	Destination string            `json:"destination"`
	Sessions    []registry.Record `json:"sessions"`
	Now         string            `json:"now"`
}

func collectStats(cfg Config, s registry.Store) Stats {
	return Stats{
		Stats:       s.Stats(),
		Port:        cfg.Args.LocalPort,
		Relay:       cfg.Args.ServerURL,
		Destination: cfg.Args.Destination,
		Sessions:    s.Active(),
		Now:         time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":       "sessions",
		"Port":        s.Port,
		"Relay":       s.Relay,
		"Destination": s.Destination,
		"Active":      s.Active,
		"Total":       s.Total,
		"Failures":    s.Failures,
		"BytesUp":     s.BytesUp,
		"BytesDown":   s.BytesDown,
		"Sessions":    s.Sessions,
	}
}
