// Package storage persists the subscriber registry. Backends only load and
// save whole snapshots; the registry owns mutation and ordering.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/noahxzhu/webpush-notify/internal/model"
)

// Persister loads and saves the full destination set.
type Persister interface {
	Load(ctx context.Context) ([]model.Destination, error)
	Save(ctx context.Context, dests []model.Destination) error
}

type Config struct {
	Driver   string // json | sqlite
	FilePath string
	// Seed is a JSON array of subscriptions (SUBSCRIPTIONS_DATA). When set it
	// wins over whatever the backend has on first load.
	Seed string
}

// Open builds the configured backend, wrapped with the env seed when present.
func Open(cfg Config) (Persister, error) {
	var p Persister
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "json":
		p = NewStore(cfg.FilePath)
	case "sqlite":
		s, err := OpenSQLite(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		p = s
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if strings.TrimSpace(cfg.Seed) != "" {
		p = &seeded{Persister: p, seed: cfg.Seed}
	}
	return p, nil
}

// seeded answers the first Load from the env-var seed, falling back to the
// wrapped backend when the seed does not parse or is empty.
type seeded struct {
	Persister
	seed string
	used bool
}

func (s *seeded) Load(ctx context.Context) ([]model.Destination, error) {
	if !s.used {
		s.used = true
		var dests []model.Destination
		if err := json.Unmarshal([]byte(s.seed), &dests); err != nil {
			slog.Warn("Failed to parse SUBSCRIPTIONS_DATA, falling back to storage", "error", err)
		} else if len(dests) > 0 {
			slog.Info("Loaded subscriptions from SUBSCRIPTIONS_DATA", "count", len(dests))
			return dests, nil
		}
	}
	return s.Persister.Load(ctx)
}

// Close releases the backend when it holds resources.
func Close(p Persister) error {
	if s, ok := p.(*seeded); ok {
		p = s.Persister
	}
	if c, ok := p.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
