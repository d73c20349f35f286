package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noahxzhu/webpush-notify/internal/dispatch"
	"github.com/noahxzhu/webpush-notify/internal/model"
	"github.com/noahxzhu/webpush-notify/internal/registry"
	"github.com/noahxzhu/webpush-notify/internal/schedule"
	"github.com/noahxzhu/webpush-notify/internal/webpush"
)

type memPersister struct {
	mu    sync.Mutex
	dests []model.Destination
}

func (m *memPersister) Load(_ context.Context) ([]model.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dests, nil
}

func (m *memPersister) Save(_ context.Context, dests []model.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dests = dests
	return nil
}

type sentPush struct {
	Endpoint string
	Title    string
	Body     string
	Options  model.DeliveryOptions
}

// mockSender records every push and fails endpoints listed in errs.
type mockSender struct {
	mu   sync.Mutex
	sent []sentPush
	errs map[string]error
}

func (m *mockSender) Send(_ context.Context, dest model.Destination, payload []byte, opts model.DeliveryOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[dest.Endpoint]; err != nil {
		return err
	}
	var p struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	_ = json.Unmarshal(payload, &p)
	m.sent = append(m.sent, sentPush{Endpoint: dest.Endpoint, Title: p.Title, Body: p.Body, Options: opts})
	return nil
}

func (m *mockSender) pushes() []sentPush {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentPush(nil), m.sent...)
}

type fixture struct {
	w      *Worker
	reg    *registry.Registry
	sender *mockSender
	state  *schedule.State
}

func newFixture(t *testing.T, enabled bool, dests ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.New(&memPersister{}, nil)
	for _, id := range dests {
		_, err := reg.Add(ctx, model.Destination{
			Endpoint: endpoint(id),
			Keys:     model.Keys{P256dh: "p", Auth: "a"},
		})
		require.NoError(t, err)
	}

	sender := &mockSender{errs: map[string]error{}}
	cfg := dispatch.DefaultConfig()
	cfg.RetryDelay = 0
	disp := dispatch.New(cfg, sender, reg, nil)

	table, err := schedule.NewTable(map[int]string{9: "morning"}, 8)
	require.NoError(t, err)
	filler, err := schedule.NewPool([]string{"thinking of you"})
	require.NoError(t, err)
	welcome, err := schedule.NewPool([]string{"welcome aboard"})
	require.NoError(t, err)
	state := schedule.NewState()
	policy := schedule.NewPolicy(schedule.PolicyConfig{
		Title:         "Reminder",
		FixedOptions:  model.DeliveryOptions{TTL: 3600, Urgency: model.UrgencyHigh},
		FillerOptions: model.DeliveryOptions{TTL: 30, Urgency: model.UrgencyNormal},
	}, table, filler, state)

	w := NewWorker(Config{
		Title:          "Reminder",
		WelcomeOptions: model.DeliveryOptions{TTL: 3600, Urgency: model.UrgencyHigh},
		Enabled:        enabled,
	}, Deps{
		Registry:   reg,
		Dispatcher: disp,
		Policy:     policy,
		Table:      table,
		Filler:     filler,
		Welcome:    welcome,
		State:      state,
	})
	return &fixture{w: w, reg: reg, sender: sender, state: state}
}

func endpoint(id string) string {
	return "https://push.example.com/" + id
}

func at(hour, minute, second int) time.Time {
	return time.Date(2024, 3, 10, hour, minute, second, 0, time.UTC)
}

func TestTick_FixedMessage(t *testing.T) {
	f := newFixture(t, true, "a", "b")

	report := f.w.Tick(context.Background(), at(1, 0, 5))
	f.w.Wait()

	assert.Equal(t, 60, report.MinuteKey)
	assert.Equal(t, 2, report.Destinations)
	assert.Equal(t, 2, report.Fixed)
	assert.NotEmpty(t, report.BatchID)

	pushes := f.sender.pushes()
	require.Len(t, pushes, 2)
	for _, p := range pushes {
		assert.Equal(t, "morning", p.Body)
		assert.Equal(t, "Reminder", p.Title)
		assert.Equal(t, model.DeliveryOptions{TTL: 3600, Urgency: model.UrgencyHigh}, p.Options)
	}

	assert.Equal(t, at(1, 0, 0), f.state.Get(endpoint("a")).LastFixedSent)

	snap := f.w.SchedulerState()
	assert.True(t, snap.LastReport.Settled)
	assert.Equal(t, 2, snap.LastReport.Sent)
	assert.Equal(t, 60, snap.LastMinuteKey)
	assert.Len(t, snap.Destinations, 2)
}

func TestTick_FillerHalfHourBeforeFixed(t *testing.T) {
	f := newFixture(t, true, "a")

	report := f.w.Tick(context.Background(), at(0, 30, 0))
	f.w.Wait()

	assert.Equal(t, 1, report.Filler)
	pushes := f.sender.pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, "thinking of you", pushes[0].Body)
	assert.Equal(t, 30, pushes[0].Options.TTL)
	assert.Equal(t, at(0, 30, 0), f.state.Get(endpoint("a")).LastFillerSent)
}

func TestTick_DuplicateMinuteDropped(t *testing.T) {
	f := newFixture(t, true, "a")

	first := f.w.Tick(context.Background(), at(1, 0, 0))
	second := f.w.Tick(context.Background(), at(1, 0, 40))
	f.w.Wait()

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Len(t, f.sender.pushes(), 1)
}

func TestTick_FixedNotRepeatedWithinHour(t *testing.T) {
	f := newFixture(t, true, "a")

	f.w.Tick(context.Background(), at(1, 0, 0))
	f.w.Wait()

	// a restarted guard must not let the hour fire twice
	f.w.mu.Lock()
	f.w.lastMinuteKey = -1
	f.w.mu.Unlock()

	report := f.w.Tick(context.Background(), at(1, 0, 30))
	f.w.Wait()

	assert.Equal(t, 0, report.Fixed)
	assert.Equal(t, 0, report.Filler)
	assert.Len(t, f.sender.pushes(), 1)
}

func TestTick_GoneDestinationRemoved(t *testing.T) {
	f := newFixture(t, true, "a", "b")
	f.sender.errs[endpoint("a")] = &webpush.StatusError{Code: http.StatusGone}

	f.w.Tick(context.Background(), at(1, 0, 0))
	f.w.Wait()

	assert.Equal(t, 1, f.reg.Len())
	_, ok := f.reg.Get(endpoint("a"))
	assert.False(t, ok)

	snap := f.w.SchedulerState()
	assert.Equal(t, 1, snap.LastReport.Sent)
	assert.Equal(t, 1, snap.LastReport.Failed)
	assert.Equal(t, 1, snap.LastReport.Removed)
	assert.True(t, f.state.Get(endpoint("a")).LastFixedSent.IsZero())
}

func TestTick_FailedDeliveryKeepsEligibility(t *testing.T) {
	f := newFixture(t, true, "a")
	f.sender.errs[endpoint("a")] = &webpush.StatusError{Code: http.StatusInternalServerError}

	f.w.Tick(context.Background(), at(1, 0, 0))
	f.w.Wait()

	assert.True(t, f.state.Get(endpoint("a")).LastFixedSent.IsZero())
	assert.Equal(t, 1, f.reg.Len())
}

func TestTick_Disabled(t *testing.T) {
	f := newFixture(t, false, "a")

	report := f.w.Tick(context.Background(), at(1, 0, 0))
	f.w.Wait()

	assert.Equal(t, "delivery not configured", report.Skipped)
	assert.Empty(t, f.sender.pushes())
}

func TestTick_NoSubscriptions(t *testing.T) {
	f := newFixture(t, true)

	report := f.w.Tick(context.Background(), at(1, 0, 0))

	assert.Equal(t, "no subscriptions", report.Skipped)
	assert.Equal(t, 0, report.Destinations)
}

func TestTick_NothingSelected(t *testing.T) {
	f := newFixture(t, true, "a")

	report := f.w.Tick(context.Background(), at(4, 17, 0))
	f.w.Wait()

	assert.True(t, report.Settled)
	assert.Empty(t, f.sender.pushes())
}

func TestTriggerImmediateFiller(t *testing.T) {
	f := newFixture(t, true, "a", "b")

	n, err := f.w.TriggerImmediateFiller(context.Background())
	require.NoError(t, err)
	f.w.Wait()

	assert.Equal(t, 2, n)
	pushes := f.sender.pushes()
	require.Len(t, pushes, 2)
	assert.Equal(t, "thinking of you", pushes[0].Body)
	assert.Equal(t, 30, pushes[0].Options.TTL)

	// out-of-band sends leave the scheduler bookkeeping alone
	assert.Empty(t, f.state.Snapshot())
	assert.Equal(t, -1, f.w.SchedulerState().LastMinuteKey)
}

func TestTriggerImmediateFiller_Disabled(t *testing.T) {
	f := newFixture(t, false, "a")

	_, err := f.w.TriggerImmediateFiller(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestTriggerImmediateFiller_OutlivesRequestContext(t *testing.T) {
	f := newFixture(t, true, "a")
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.w.TriggerImmediateFiller(ctx)
	require.NoError(t, err)
	cancel()
	f.w.Wait()

	assert.Len(t, f.sender.pushes(), 1)
}

func TestTriggerWelcome(t *testing.T) {
	f := newFixture(t, true, "a", "b")
	dest, _ := f.reg.Get(endpoint("b"))

	require.NoError(t, f.w.TriggerWelcome(context.Background(), dest))
	f.w.Wait()

	pushes := f.sender.pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, endpoint("b"), pushes[0].Endpoint)
	assert.Equal(t, "welcome aboard", pushes[0].Body)
	assert.Equal(t, model.UrgencyHigh, pushes[0].Options.Urgency)
}

func TestForceFixed(t *testing.T) {
	f := newFixture(t, true, "a", "b")

	n, err := f.w.ForceFixed(context.Background(), 1)
	require.NoError(t, err)
	f.w.Wait()
	assert.Equal(t, 2, n)
	for _, p := range f.sender.pushes() {
		assert.Equal(t, "morning", p.Body)
	}
	assert.Empty(t, f.state.Snapshot())

	_, err = f.w.ForceFixed(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNoFixedMessage)
}

func TestNextMessage(t *testing.T) {
	f := newFixture(t, true)

	next := f.w.NextMessage(at(0, 10, 0))
	assert.Equal(t, "filler", next.Kind)
	assert.Equal(t, at(0, 30, 0), next.At)
	assert.Equal(t, 20, next.MinutesUntil)

	next = f.w.NextMessage(at(0, 40, 0))
	assert.Equal(t, "fixed", next.Kind)
	assert.Equal(t, at(1, 0, 0), next.At)
	assert.Equal(t, 20, next.MinutesUntil)
}

func TestScheduleSnapshot(t *testing.T) {
	f := newFixture(t, true)

	snap := f.w.ScheduleSnapshot()

	assert.Equal(t, 8, snap.OffsetHours)
	assert.Equal(t, []int{1}, snap.ScheduledHours)
	assert.Equal(t, map[int]string{1: "morning"}, snap.UTC)
	assert.Equal(t, map[int]string{9: "morning"}, snap.Local)
	assert.Equal(t, []string{"thinking of you"}, snap.FillerPool)
}

func TestStart(t *testing.T) {
	f := newFixture(t, true)
	f.w.cfg.TickSpec = "not a spec"
	assert.Error(t, f.w.Start(context.Background()))

	f.w.cfg.TickSpec = DefaultTickSpec
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.w.Start(ctx))
}
