package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noahxzhu/webpush-notify/internal/model"
)

const testEndpoint = "https://push.example.com/send/abc"

func newTestPolicy(t *testing.T, local map[int]string, offset int) (*Policy, *State) {
	t.Helper()
	table, err := NewTable(local, offset)
	require.NoError(t, err)
	filler, err := NewPool([]string{"thinking of you"})
	require.NoError(t, err)
	state := NewState()
	p := NewPolicy(PolicyConfig{
		Title:         "Reminder",
		FixedOptions:  model.DeliveryOptions{TTL: 3600, Urgency: model.UrgencyHigh},
		FillerOptions: model.DeliveryOptions{TTL: 30, Urgency: model.UrgencyNormal},
	}, table, filler, state)
	return p, state
}

func utc(hour, minute int) time.Time {
	return time.Date(2024, 3, 10, hour, minute, 0, 0, time.UTC)
}

func testDest() model.Destination {
	return model.Destination{
		Endpoint: testEndpoint,
		Keys:     model.Keys{P256dh: "p", Auth: "a"},
	}
}

func TestPolicy_Select_FixedAtScheduledUTCHour(t *testing.T) {
	p, _ := newTestPolicy(t, map[int]string{9: "morning"}, 8)

	d := p.Select(utc(1, 0), testDest())

	require.Equal(t, ActionFixed, d.Action)
	assert.Equal(t, model.KindFixed, d.Message.Kind)
	assert.Equal(t, "morning", d.Message.Body)
	assert.Equal(t, "Reminder", d.Message.Title)
	assert.Equal(t, 3600, d.Message.Options.TTL)
	assert.Equal(t, model.UrgencyHigh, d.Message.Options.Urgency)
}

func TestPolicy_Select_FillerHalfHourBeforeFixed(t *testing.T) {
	p, _ := newTestPolicy(t, map[int]string{9: "morning"}, 8)

	// 00:30 UTC is 30 minutes ahead of the 01:00 fixed event: not suppressed.
	d := p.Select(utc(0, 30), testDest())

	require.Equal(t, ActionFiller, d.Action)
	assert.Equal(t, model.KindFiller, d.Message.Kind)
	assert.Equal(t, "thinking of you", d.Message.Body)
	assert.Equal(t, 30, d.Message.Options.TTL)
	assert.Equal(t, model.UrgencyNormal, d.Message.Options.Urgency)
}

func TestPolicy_Select_AtMostOneFixedPerHour(t *testing.T) {
	p, state := newTestPolicy(t, map[int]string{9: "morning"}, 8)
	dest := testDest()

	first := p.Select(utc(1, 0), dest)
	require.Equal(t, ActionFixed, first.Action)
	state.MarkFixed(dest.Endpoint, utc(1, 0))

	second := p.Select(utc(1, 0).Add(20*time.Second), dest)
	assert.Equal(t, ActionNone, second.Action)
	assert.Equal(t, "fixed already sent this hour", second.Reason)
}

func TestPolicy_Select_ConsecutiveFixedHours(t *testing.T) {
	p, state := newTestPolicy(t, map[int]string{22: "late", 23: "night"}, 0)
	dest := testDest()

	state.MarkFixed(dest.Endpoint, utc(22, 0))

	d := p.Select(utc(23, 0), dest)
	require.Equal(t, ActionFixed, d.Action)
	assert.Equal(t, "night", d.Message.Body)
}

func TestPolicy_Select_SuppressedNearFixed(t *testing.T) {
	p, _ := newTestPolicy(t, map[int]string{9: "morning"}, 8)

	for minute := 31; minute <= 59; minute++ {
		d := p.Select(utc(0, minute), testDest())
		assert.Equal(t, ActionNone, d.Action, "minute %d", minute)
		assert.Equal(t, "suppressed near fixed event", d.Reason, "minute %d", minute)
	}
}

func TestPolicy_Select_NoFillerOnFixedMinute(t *testing.T) {
	p, state := newTestPolicy(t, map[int]string{9: "morning"}, 8)
	dest := testDest()
	state.MarkFixed(dest.Endpoint, utc(1, 0))

	d := p.Select(utc(1, 0), dest)
	assert.Equal(t, ActionNone, d.Action)
}

func TestPolicy_Select_FillerOncePerBucket(t *testing.T) {
	p, state := newTestPolicy(t, map[int]string{9: "morning"}, 8)
	dest := testDest()

	d := p.Select(utc(5, 0), dest)
	require.Equal(t, ActionFiller, d.Action)
	state.MarkFiller(dest.Endpoint, utc(5, 0))

	again := p.Select(utc(5, 0).Add(30*time.Second), dest)
	assert.Equal(t, ActionNone, again.Action)
	assert.Equal(t, "filler already sent this bucket", again.Reason)

	next := p.Select(utc(5, 30), dest)
	assert.Equal(t, ActionFiller, next.Action)
}

func TestPolicy_Select_NotASendMinute(t *testing.T) {
	p, _ := newTestPolicy(t, map[int]string{9: "morning"}, 8)

	d := p.Select(utc(5, 17), testDest())
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, "not a send minute", d.Reason)
}

func TestPolicy_Select_EmptyTableOnlyFillers(t *testing.T) {
	p, _ := newTestPolicy(t, nil, 0)

	assert.Equal(t, ActionFiller, p.Select(utc(1, 0), testDest()).Action)
	assert.Equal(t, ActionFiller, p.Select(utc(13, 30), testDest()).Action)
	assert.Equal(t, ActionNone, p.Select(utc(13, 31), testDest()).Action)
}

func TestPolicy_Select_DestinationTimezone(t *testing.T) {
	p, _ := newTestPolicy(t, map[int]string{9: "morning"}, 8)

	tests := []struct {
		name string
		dest func(d *model.Destination)
		at   time.Time
		want Action
	}{
		{
			name: "iana zone matching the schedule offset",
			dest: func(d *model.Destination) { d.Timezone = "Asia/Makassar" },
			at:   utc(1, 0),
			want: ActionFixed,
		},
		{
			name: "browser offset for UTC+8",
			dest: func(d *model.Destination) { off := -480; d.TimezoneOffset = &off },
			at:   utc(1, 0),
			want: ActionFixed,
		},
		{
			name: "UTC+7 gets the fixed message at its own 09:00",
			dest: func(d *model.Destination) { off := -420; d.TimezoneOffset = &off },
			at:   utc(2, 0),
			want: ActionFixed,
		},
		{
			name: "UTC+7 is in the filler window at 01:00 UTC",
			dest: func(d *model.Destination) { off := -420; d.TimezoneOffset = &off },
			at:   utc(1, 0),
			want: ActionFiller,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := testDest()
			tt.dest(&dest)

			d := p.Select(tt.at, dest)
			require.Equal(t, tt.want, d.Action, d.Reason)
			if tt.want == ActionFixed {
				assert.Equal(t, "morning", d.Message.Body)
				assert.Equal(t, 9, d.Hour)
			}
		})
	}
}

func TestPolicy_Preview(t *testing.T) {
	p, state := newTestPolicy(t, map[int]string{9: "morning"}, 8)
	state.MarkFixed(testEndpoint, utc(1, 0))

	d := p.Preview(utc(1, 0))
	assert.Equal(t, ActionFixed, d.Action)
	assert.Empty(t, d.Message.Body)

	assert.Equal(t, ActionFiller, p.Preview(utc(3, 30)).Action)
	assert.Equal(t, ActionNone, p.Preview(utc(3, 31)).Action)
}

func TestState_MarkAndForget(t *testing.T) {
	s := NewState()
	assert.True(t, s.Get("a").LastFixedSent.IsZero())

	s.MarkFixed("b", utc(1, 0))
	s.MarkFiller("a", utc(2, 30))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Endpoint)
	assert.Equal(t, utc(2, 30), snap[0].LastFillerSent)
	assert.Equal(t, utc(1, 0), s.Get("b").LastFixedSent)

	s.Forget("b")
	assert.True(t, s.Get("b").LastFixedSent.IsZero())
	assert.Len(t, s.Snapshot(), 1)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "fixed", ActionFixed.String())
	assert.Equal(t, "filler", ActionFiller.String())
	assert.Equal(t, "none", ActionNone.String())
}
