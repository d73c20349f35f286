// Package registry is the in-memory set of push destinations. Every mutation,
// whether it comes from the HTTP layer or from the dispatcher, goes through
// the same lock and is followed by a persist.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/noahxzhu/webpush-notify/internal/model"
	"github.com/noahxzhu/webpush-notify/internal/storage"
)

var ErrNotFound = errors.New("registry: destination not found")

type Registry struct {
	mu      sync.RWMutex
	dests   []*model.Destination
	version uint64

	// saveMu orders writes to the persister; savedVersion keeps an older
	// snapshot from overwriting a newer one.
	saveMu       sync.Mutex
	savedVersion uint64

	persister storage.Persister
	log       *slog.Logger
	now       func() time.Time
	onRemove  []func(endpoint string)
}

func New(persister storage.Persister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		persister: persister,
		log:       logger,
		now:       time.Now,
	}
}

// OnRemove registers a callback run after a destination leaves the registry.
func (r *Registry) OnRemove(fn func(endpoint string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Load replaces the in-memory set with the persisted one. Malformed records
// and duplicate endpoints are dropped with a warning.
func (r *Registry) Load(ctx context.Context) error {
	loaded, err := r.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	seen := make(map[string]bool, len(loaded))
	dests := make([]*model.Destination, 0, len(loaded))
	for i := range loaded {
		d := loaded[i].Clone()
		if d.FailCount < 0 {
			d.FailCount = 0
		}
		if err := d.Validate(); err != nil {
			r.log.Warn("Skipping malformed subscription", "index", i, "error", err)
			continue
		}
		if seen[d.Endpoint] {
			r.log.Warn("Skipping duplicate subscription", "endpoint", d.ShortEndpoint())
			continue
		}
		seen[d.Endpoint] = true
		dests = append(dests, &d)
	}

	r.mu.Lock()
	r.dests = dests
	r.version++
	r.mu.Unlock()

	registrySize.Set(float64(len(dests)))
	r.log.Info("Loaded subscriptions", "count", len(dests))
	return nil
}

// Add registers d. Re-subscribing an existing endpoint refreshes its
// credentials and timezone metadata and reports added=false.
func (r *Registry) Add(ctx context.Context, d model.Destination) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	d = d.Clone()
	d.FailCount = 0

	r.mu.Lock()
	if existing := r.find(d.Endpoint); existing != nil {
		changed := existing.Keys != d.Keys ||
			existing.Timezone != d.Timezone ||
			!sameOffset(existing.TimezoneOffset, d.TimezoneOffset) ||
			existing.FailCount != 0
		if !changed {
			r.mu.Unlock()
			return false, nil
		}
		existing.Keys = d.Keys
		existing.Timezone = d.Timezone
		existing.TimezoneOffset = d.TimezoneOffset
		existing.ExpirationTime = d.ExpirationTime
		existing.FailCount = 0
		r.version++
		r.mu.Unlock()
		r.persist(ctx)
		return false, nil
	}

	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now().UTC()
	}
	r.dests = append(r.dests, &d)
	r.version++
	total := len(r.dests)
	r.mu.Unlock()

	registrySize.Set(float64(total))
	r.log.Info("Saved new subscription", "endpoint", d.ShortEndpoint(), "total", total)
	r.persist(ctx)
	return true, nil
}

// Remove drops the destination with endpoint. It reports false when the
// endpoint was not registered.
func (r *Registry) Remove(ctx context.Context, endpoint string) bool {
	r.mu.Lock()
	idx := r.indexOf(endpoint)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.dests = append(r.dests[:idx], r.dests[idx+1:]...)
	r.version++
	total := len(r.dests)
	hooks := append([]func(string){}, r.onRemove...)
	r.mu.Unlock()

	registrySize.Set(float64(total))
	r.log.Info("Removed subscription", "endpoint", short(endpoint), "total", total)
	r.persist(ctx)

	for _, fn := range hooks {
		fn(endpoint)
	}
	return true
}

// IncrementFailureCount bumps the auth-failure counter and persists it.
func (r *Registry) IncrementFailureCount(ctx context.Context, endpoint string) (int, error) {
	r.mu.Lock()
	d := r.find(endpoint)
	if d == nil {
		r.mu.Unlock()
		return 0, ErrNotFound
	}
	d.FailCount++
	count := d.FailCount
	r.version++
	r.mu.Unlock()

	r.persist(ctx)
	return count, nil
}

// ResetFailureCount zeroes the counter after a successful send. It only
// persists when the counter actually changed.
func (r *Registry) ResetFailureCount(ctx context.Context, endpoint string) {
	r.mu.Lock()
	d := r.find(endpoint)
	if d == nil || d.FailCount == 0 {
		r.mu.Unlock()
		return
	}
	d.FailCount = 0
	r.version++
	r.mu.Unlock()

	r.persist(ctx)
}

func (r *Registry) Get(endpoint string) (model.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d := r.find(endpoint); d != nil {
		return d.Clone(), true
	}
	return model.Destination{}, false
}

// List returns copies of every destination in registration order.
func (r *Registry) List() []model.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Destination, len(r.dests))
	for i, d := range r.dests {
		out[i] = d.Clone()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dests)
}

// persist writes the current snapshot. Failures are logged and counted; the
// in-memory set stays authoritative until the next successful write.
func (r *Registry) persist(ctx context.Context) {
	r.mu.RLock()
	version := r.version
	snapshot := make([]model.Destination, len(r.dests))
	for i, d := range r.dests {
		snapshot[i] = d.Clone()
	}
	r.mu.RUnlock()

	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if version <= r.savedVersion {
		return
	}
	if err := r.persister.Save(ctx, snapshot); err != nil {
		persistFailures.Inc()
		r.log.Error("Failed to save subscriptions", "error", err, "count", len(snapshot))
		return
	}
	r.savedVersion = version
	r.log.Debug("Saved subscriptions", "count", len(snapshot))
}

// must be called with mu held
func (r *Registry) find(endpoint string) *model.Destination {
	if i := r.indexOf(endpoint); i >= 0 {
		return r.dests[i]
	}
	return nil
}

// must be called with mu held
func (r *Registry) indexOf(endpoint string) int {
	for i, d := range r.dests {
		if d.Endpoint == endpoint {
			return i
		}
	}
	return -1
}

func sameOffset(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func short(endpoint string) string {
	return model.Destination{Endpoint: endpoint}.ShortEndpoint()
}
