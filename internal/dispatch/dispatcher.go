// Package dispatch drives the retry and destination-invalidation policy
// around the push delivery primitive.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noahxzhu/webpush-notify/internal/model"
)

var errEncodePayload = errors.New("encode payload")

// Sender is the delivery primitive.
type Sender interface {
	Send(ctx context.Context, dest model.Destination, payload []byte, opts model.DeliveryOptions) error
}

// Registry is the serialized mutation entry point the dispatcher prunes through.
type Registry interface {
	Remove(ctx context.Context, endpoint string) bool
	IncrementFailureCount(ctx context.Context, endpoint string) (int, error)
	ResetFailureCount(ctx context.Context, endpoint string)
}

type Config struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	AttemptTimeout   time.Duration
	AuthFailureLimit int
	RatePerSec       int // 0 disables outbound rate limiting
}

// DefaultConfig returns the 3-attempt, 2-second policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		RetryDelay:       2 * time.Second,
		AttemptTimeout:   30 * time.Second,
		AuthFailureLimit: 3,
	}
}

// Result is the outcome of one Deliver call.
type Result struct {
	Endpoint string
	Attempts int
	Class    Class
	Removed  bool
	Err      error
}

func (r Result) OK() bool { return r.Class == ClassNone && r.Err == nil }

type Dispatcher struct {
	cfg      Config
	sender   Sender
	registry Registry
	limiter  *rate.Limiter
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender Sender, registry Registry, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.AuthFailureLimit <= 0 {
		cfg.AuthFailureLimit = def.AuthFailureLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:      cfg,
		sender:   sender,
		registry: registry,
		log:      logger,
		sleep:    sleepCtx,
	}
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return d
}

// Deliver sends msg to dest, retrying transient failures up to the attempt
// budget. Gone destinations are removed at once; auth failures are counted
// and remove the destination when the count reaches the limit.
func (d *Dispatcher) Deliver(ctx context.Context, dest model.Destination, msg model.Message) Result {
	start := time.Now()
	res := Result{Endpoint: dest.Endpoint}
	defer func() {
		recordDelivery(string(msg.Kind), res.Class.String(), time.Since(start))
	}()

	payload, err := msg.Payload()
	if err != nil {
		res.Class = ClassMalformed
		res.Err = fmt.Errorf("%w: %v", errEncodePayload, err)
		return res
	}

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		d.log.Debug("Sending push", "endpoint", dest.ShortEndpoint(), "kind", msg.Kind, "attempt", attempt, "max", d.cfg.MaxAttempts)

		err := d.attempt(ctx, dest, payload, msg.Options)
		class := Classify(err)
		recordAttempt(class.String())
		res.Class, res.Err = class, err

		if class == ClassNone {
			d.registry.ResetFailureCount(ctx, dest.Endpoint)
			d.log.Debug("Push sent", "endpoint", dest.ShortEndpoint(), "kind", msg.Kind, "attempt", attempt)
			return res
		}

		d.log.Warn("Push failed",
			"endpoint", dest.ShortEndpoint(),
			"kind", msg.Kind,
			"attempt", attempt,
			"class", class.String(),
			"error", err,
		)

		switch class {
		case ClassGone:
			res.Removed = d.registry.Remove(ctx, dest.Endpoint)
			if res.Removed {
				recordRemoval("gone")
				d.log.Info("Removed gone subscription", "endpoint", dest.ShortEndpoint())
			}
			return res
		case ClassMalformed:
			return res
		case ClassAuth:
			res.Removed = d.countAuthFailure(ctx, dest)
			return res
		}

		if attempt == d.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		d.log.Info("Retrying push", "endpoint", dest.ShortEndpoint(), "in", d.cfg.RetryDelay, "next_attempt", attempt+1)
		if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
			res.Err = err
			break
		}
	}
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, dest model.Destination, payload []byte, opts model.DeliveryOptions) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return d.sender.Send(attemptCtx, dest, payload, opts)
}

// countAuthFailure records one auth failure and prunes at the limit. It
// reports whether the destination was removed.
func (d *Dispatcher) countAuthFailure(ctx context.Context, dest model.Destination) bool {
	count, err := d.registry.IncrementFailureCount(ctx, dest.Endpoint)
	if err != nil {
		// already gone, e.g. a concurrent unsubscribe
		d.log.Debug("Auth failure for unknown subscription", "endpoint", dest.ShortEndpoint(), "error", err)
		return false
	}
	d.log.Info("Subscription auth failure", "endpoint", dest.ShortEndpoint(), "count", count, "limit", d.cfg.AuthFailureLimit)
	if count < d.cfg.AuthFailureLimit {
		return false
	}
	removed := d.registry.Remove(ctx, dest.Endpoint)
	if removed {
		recordRemoval("auth")
		d.log.Info("Removed subscription after repeated auth failures", "endpoint", dest.ShortEndpoint(), "count", count)
	}
	return removed
}

// Job is one destination/message pair.
type Job struct {
	Dest model.Destination
	Msg  model.Message
}

// Summary aggregates a fan-out for observability.
type Summary struct {
	Total   int
	Sent    int
	Failed  int
	Removed int
}

// DeliverAll runs every job on its own goroutine and waits for all of them.
// onDone, when set, is called once per job as it finishes.
func (d *Dispatcher) DeliverAll(ctx context.Context, jobs []Job, onDone func(Job, Result)) Summary {
	var (
		mu  sync.Mutex
		sum = Summary{Total: len(jobs)}
		wg  sync.WaitGroup
	)
	for _, j := range jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			res := d.Deliver(ctx, j.Dest, j.Msg)
			if onDone != nil {
				onDone(j, res)
			}
			mu.Lock()
			defer mu.Unlock()
			if res.OK() {
				sum.Sent++
			} else {
				sum.Failed++
			}
			if res.Removed {
				sum.Removed++
			}
		}(j)
	}
	wg.Wait()
	return sum
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
