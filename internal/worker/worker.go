package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/noahxzhu/webpush-notify/internal/dispatch"
	"github.com/noahxzhu/webpush-notify/internal/model"
	"github.com/noahxzhu/webpush-notify/internal/registry"
	"github.com/noahxzhu/webpush-notify/internal/schedule"
)

// DefaultTickSpec fires on every wall-clock minute boundary.
const DefaultTickSpec = "* * * * *"

var (
	ErrNoFixedMessage = errors.New("no scheduled message for that hour")
	ErrDisabled       = errors.New("delivery is not configured")
)

type Config struct {
	// TickSpec is a robfig/cron spec evaluated in UTC. "@every 20s" gives a
	// fast test loop; the minute guard still drops repeats within a minute.
	TickSpec       string
	Title          string
	WelcomeOptions model.DeliveryOptions
	// Enabled is false when the delivery primitive has no credentials; every
	// tick is then logged and skipped.
	Enabled bool
}

type Worker struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	policy     *schedule.Policy
	table      *schedule.Table
	filler     *schedule.Pool
	welcome    *schedule.Pool
	state      *schedule.State
	now        func() time.Time
	log        *slog.Logger

	mu            sync.Mutex
	lastMinuteKey int
	lastTick      time.Time
	lastReport    TickReport
	inflight      sync.WaitGroup
}

// Deps groups the collaborators a Worker drives.
type Deps struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Policy     *schedule.Policy
	Table      *schedule.Table
	Filler     *schedule.Pool
	Welcome    *schedule.Pool
	State      *schedule.State
	Logger     *slog.Logger
}

func NewWorker(cfg Config, deps Deps) *Worker {
	if cfg.TickSpec == "" {
		cfg.TickSpec = DefaultTickSpec
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		cfg:           cfg,
		registry:      deps.Registry,
		dispatcher:    deps.Dispatcher,
		policy:        deps.Policy,
		table:         deps.Table,
		filler:        deps.Filler,
		welcome:       deps.Welcome,
		state:         deps.State,
		now:           time.Now,
		log:           logger,
		lastMinuteKey: -1,
	}
	// Bookkeeping for destinations that leave the registry is dropped so a
	// re-subscription starts fresh.
	deps.Registry.OnRemove(deps.State.Forget)
	return w
}

// Start drives Tick from a cron schedule until ctx is done. With the default
// tick spec the first tick lands on the next minute boundary after start.
func (w *Worker) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(w.cfg.TickSpec, func() { w.Tick(ctx, w.now()) }); err != nil {
		return fmt.Errorf("invalid tick spec %q: %w", w.cfg.TickSpec, err)
	}

	w.log.Info("Worker started", "tick_spec", w.cfg.TickSpec, "enabled", w.cfg.Enabled, "scheduled_hours", w.table.Len())
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	w.log.Info("Worker stopped")
	return nil
}

// Wait blocks until every delivery started by the worker has finished.
func (w *Worker) Wait() {
	w.inflight.Wait()
}

// TickReport describes what one tick selected. Sent and Failed are filled in
// once the tick's deliveries settle.
type TickReport struct {
	BatchID      string    `json:"batch_id"`
	At           time.Time `json:"at"`
	MinuteKey    int       `json:"minute_key"`
	Duplicate    bool      `json:"duplicate,omitempty"`
	Skipped      string    `json:"skipped,omitempty"`
	Destinations int       `json:"destinations"`
	Fixed        int       `json:"fixed"`
	Filler       int       `json:"filler"`
	Sent         int       `json:"sent"`
	Failed       int       `json:"failed"`
	Removed      int       `json:"removed"`
	Settled      bool      `json:"settled"`
}

// Tick evaluates the policy for every registered destination at now and
// hands selected messages to the dispatcher without waiting for them.
// A second call within the same minute is dropped.
func (w *Worker) Tick(ctx context.Context, now time.Time) TickReport {
	now = now.UTC().Truncate(time.Minute)
	key := now.Hour()*60 + now.Minute()
	report := TickReport{BatchID: uuid.NewString(), At: now, MinuteKey: key}

	w.mu.Lock()
	if key == w.lastMinuteKey {
		w.mu.Unlock()
		report.Duplicate = true
		recordTick("duplicate")
		w.log.Debug("Already processed this minute, skipping duplicate", "minute_key", key)
		return report
	}
	w.lastMinuteKey = key
	w.lastTick = now
	w.mu.Unlock()

	if !w.cfg.Enabled {
		report.Skipped = "delivery not configured"
		recordTick("disabled")
		w.log.Warn("VAPID keys not configured, skipping tick", "at", now.Format("15:04"))
		w.storeReport(report)
		return report
	}

	dests := w.registry.List()
	report.Destinations = len(dests)
	if len(dests) == 0 {
		report.Skipped = "no subscriptions"
		recordTick("empty")
		w.storeReport(report)
		return report
	}

	var jobs []dispatch.Job
	for _, d := range dests {
		dec := w.policy.Select(now, d)
		switch dec.Action {
		case schedule.ActionFixed:
			report.Fixed++
		case schedule.ActionFiller:
			report.Filler++
		default:
			continue
		}
		w.log.Debug("Selected message", "batch", report.BatchID, "endpoint", d.ShortEndpoint(), "action", dec.Action.String(), "local", fmt.Sprintf("%02d:%02d", dec.Hour, dec.Minute), "reason", dec.Reason)
		jobs = append(jobs, dispatch.Job{Dest: d, Msg: dec.Message})
	}
	recordTick("processed")
	recordSelections(report.Fixed, report.Filler)

	if len(jobs) == 0 {
		report.Settled = true
		w.storeReport(report)
		return report
	}

	w.log.Info("Dispatching tick",
		"batch", report.BatchID,
		"at", now.Format("15:04"),
		"destinations", report.Destinations,
		"fixed", report.Fixed,
		"filler", report.Filler,
	)
	w.storeReport(report)

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		sum := w.dispatcher.DeliverAll(ctx, jobs, func(j dispatch.Job, res dispatch.Result) {
			if !res.OK() {
				return
			}
			switch j.Msg.Kind {
			case model.KindFixed:
				w.state.MarkFixed(j.Dest.Endpoint, now)
			case model.KindFiller:
				w.state.MarkFiller(j.Dest.Endpoint, now)
			}
		})
		w.settle(report.BatchID, sum)
	}()

	return report
}

// TriggerImmediateFiller sends one random filler message to every current
// destination, bypassing the policy. Last-sent bookkeeping and the minute
// guard are left alone. It returns the number of recipients; deliveries run
// in the background.
func (w *Worker) TriggerImmediateFiller(ctx context.Context) (int, error) {
	if !w.cfg.Enabled {
		w.log.Warn("VAPID keys not configured, skipping manual send")
		return 0, ErrDisabled
	}
	dests := w.registry.List()
	if len(dests) == 0 {
		w.log.Info("No subscriptions registered")
		return 0, nil
	}

	jobs := make([]dispatch.Job, 0, len(dests))
	for _, d := range dests {
		msg := w.policy.FillerMessage()
		msg.Kind = model.KindManual
		jobs = append(jobs, dispatch.Job{Dest: d, Msg: msg})
	}
	w.log.Info("Manual send triggered", "recipients", len(jobs))
	w.runDetached(ctx, "manual", jobs)
	return len(jobs), nil
}

// TriggerWelcome sends one welcome message to dest only.
func (w *Worker) TriggerWelcome(ctx context.Context, dest model.Destination) error {
	if !w.cfg.Enabled {
		return ErrDisabled
	}
	msg := model.Message{
		Kind:    model.KindWelcome,
		Title:   w.cfg.Title,
		Body:    w.welcome.Pick(),
		Options: w.cfg.WelcomeOptions,
	}
	w.log.Info("Sending welcome notification", "endpoint", dest.ShortEndpoint())
	w.runDetached(ctx, "welcome", []dispatch.Job{{Dest: dest, Msg: msg}})
	return nil
}

// ForceFixed sends the fixed message for utcHour to every destination right
// away. It is out-of-band: no bookkeeping is recorded.
func (w *Worker) ForceFixed(ctx context.Context, utcHour int) (int, error) {
	body, ok := w.table.Lookup(utcHour)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoFixedMessage, utcHour)
	}
	if !w.cfg.Enabled {
		return 0, ErrDisabled
	}
	dests := w.registry.List()
	jobs := make([]dispatch.Job, 0, len(dests))
	for _, d := range dests {
		jobs = append(jobs, dispatch.Job{Dest: d, Msg: w.policy.FixedMessage(body)})
	}
	w.log.Info("Forcing scheduled message", "utc_hour", utcHour, "recipients", len(jobs))
	w.runDetached(ctx, "forced", jobs)
	return len(jobs), nil
}

// runDetached delivers jobs in the background on a context that outlives
// the caller's request.
func (w *Worker) runDetached(ctx context.Context, label string, jobs []dispatch.Job) {
	if len(jobs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		sum := w.dispatcher.DeliverAll(ctx, jobs, nil)
		w.log.Info("Out-of-band send finished", "kind", label, "total", sum.Total, "sent", sum.Sent, "failed", sum.Failed, "removed", sum.Removed)
	}()
}

func (w *Worker) settle(batchID string, sum dispatch.Summary) {
	recordTickOutcome(sum.Sent, sum.Failed)
	fields := []any{"batch", batchID, "total", sum.Total, "sent", sum.Sent, "failed", sum.Failed, "removed", sum.Removed}
	if sum.Failed > 0 {
		w.log.Warn("Tick finished with failures", fields...)
	} else {
		w.log.Info("Tick finished", fields...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastReport.BatchID == batchID {
		w.lastReport.Sent = sum.Sent
		w.lastReport.Failed = sum.Failed
		w.lastReport.Removed = sum.Removed
		w.lastReport.Settled = true
	}
}

func (w *Worker) storeReport(r TickReport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastReport = r
}

// ScheduleSnapshot is the diagnostic view of the schedule table.
type ScheduleSnapshot struct {
	OffsetHours    int            `json:"offset_hours"`
	UTC            map[int]string `json:"utc"`
	Local          map[int]string `json:"local"`
	ScheduledHours []int          `json:"scheduled_hours"`
	FillerPool     []string       `json:"filler_pool"`
}

func (w *Worker) ScheduleSnapshot() ScheduleSnapshot {
	utc := w.table.UTC()
	hours := make([]int, 0, len(utc))
	for h := range utc {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return ScheduleSnapshot{
		OffsetHours:    w.table.Offset(),
		UTC:            utc,
		Local:          w.table.Local(),
		ScheduledHours: hours,
		FillerPool:     w.filler.Items(),
	}
}

// StateSnapshot is the diagnostic view of the scheduler bookkeeping.
type StateSnapshot struct {
	Enabled       bool                        `json:"enabled"`
	Subscriptions int                         `json:"subscriptions"`
	LastMinuteKey int                         `json:"last_minute_key"`
	LastTick      time.Time                   `json:"last_tick"`
	LastReport    TickReport                  `json:"last_report"`
	CurrentHour   int                         `json:"current_hour"`
	CurrentMinute int                         `json:"current_minute"`
	Destinations  []schedule.DestinationState `json:"destinations"`
}

func (w *Worker) SchedulerState() StateSnapshot {
	now := w.now().UTC()
	w.mu.Lock()
	snap := StateSnapshot{
		Enabled:       w.cfg.Enabled,
		LastMinuteKey: w.lastMinuteKey,
		LastTick:      w.lastTick,
		LastReport:    w.lastReport,
	}
	w.mu.Unlock()

	snap.Subscriptions = w.registry.Len()
	snap.CurrentHour = now.Hour()
	snap.CurrentMinute = now.Minute()
	snap.Destinations = w.state.Snapshot()
	return snap
}

// NextSend previews the next half-hour slot on the server clock that carries
// a message.
type NextSend struct {
	At           time.Time `json:"at"`
	Kind         string    `json:"kind"`
	MinutesUntil int       `json:"minutes_until"`
}

func (w *Worker) NextMessage(now time.Time) NextSend {
	now = now.UTC()
	slot := now.Truncate(30 * time.Minute).Add(30 * time.Minute)
	// a full day of half-hour slots always reaches a fixed or filler slot
	for i := 0; i < 48; i++ {
		dec := w.policy.Preview(slot)
		if dec.Action != schedule.ActionNone {
			return NextSend{
				At:           slot,
				Kind:         dec.Action.String(),
				MinutesUntil: int(slot.Sub(now).Round(time.Minute) / time.Minute),
			}
		}
		slot = slot.Add(30 * time.Minute)
	}
	return NextSend{}
}
