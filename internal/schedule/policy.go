package schedule

import (
	"time"

	"github.com/noahxzhu/webpush-notify/internal/model"
)

type Action int

const (
	ActionNone Action = iota
	ActionFixed
	ActionFiller
)

func (a Action) String() string {
	switch a {
	case ActionFixed:
		return "fixed"
	case ActionFiller:
		return "filler"
	default:
		return "none"
	}
}

// Decision is the policy's verdict for one destination on one tick.
type Decision struct {
	Action  Action
	Message model.Message
	Reason  string
	// Hour and Minute are on the clock the decision was taken on: UTC for
	// destinations without timezone metadata, their wall clock otherwise.
	Hour   int
	Minute int
}

// suppressBefore is how far ahead of a fixed event filler sends are skipped.
const suppressBefore = 29

// PolicyConfig carries the message shapes the policy hands out.
type PolicyConfig struct {
	Title         string
	FixedOptions  model.DeliveryOptions
	FillerOptions model.DeliveryOptions
}

// Policy decides, per destination and tick, between a fixed message, a filler
// message or nothing. It reads State but never writes it: the caller records
// a send once delivery is confirmed.
type Policy struct {
	cfg    PolicyConfig
	table  *Table
	filler *Pool
	state  *State
}

func NewPolicy(cfg PolicyConfig, table *Table, filler *Pool, state *State) *Policy {
	return &Policy{cfg: cfg, table: table, filler: filler, state: state}
}

// Select evaluates the fixed, suppression and filler rules in that order.
func (p *Policy) Select(now time.Time, dest model.Destination) Decision {
	clock, utcClock := destinationClock(now, dest)
	d := p.decide(clock, utcClock, p.state.Get(dest.Endpoint))
	switch d.Action {
	case ActionFixed:
		body := p.table.entries(utcClock)[d.Hour]
		d.Message = p.FixedMessage(body)
	case ActionFiller:
		d.Message = p.FillerMessage()
	}
	return d
}

// Preview reports what a destination without timezone metadata and without
// send history would get at the given time. No filler body is drawn.
func (p *Policy) Preview(at time.Time) Decision {
	return p.decide(at.UTC(), true, DestinationState{})
}

func (p *Policy) decide(clock time.Time, utcClock bool, st DestinationState) Decision {
	entries := p.table.entries(utcClock)
	hour, minute := clock.Hour(), clock.Minute()
	d := Decision{Hour: hour, Minute: minute}

	if minute == 0 {
		if _, ok := entries[hour]; ok {
			if st.LastFixedSent.IsZero() || clock.Sub(st.LastFixedSent) >= time.Hour {
				d.Action = ActionFixed
				d.Reason = "fixed window"
				return d
			}
			d.Reason = "fixed already sent this hour"
			return d
		}
	}

	if dist, ok := minutesUntilNext(entries, hour, minute); ok && dist <= suppressBefore {
		d.Reason = "suppressed near fixed event"
		return d
	}

	if minute == 0 || minute == 30 {
		if !st.LastFillerSent.IsZero() && sameBucket(st.LastFillerSent.In(clock.Location()), clock) {
			d.Reason = "filler already sent this bucket"
			return d
		}
		d.Action = ActionFiller
		d.Reason = "filler window"
		return d
	}

	d.Reason = "not a send minute"
	return d
}

// FixedMessage wraps a scheduled body with the long-TTL, high-urgency options.
func (p *Policy) FixedMessage(body string) model.Message {
	return model.Message{Kind: model.KindFixed, Title: p.cfg.Title, Body: body, Options: p.cfg.FixedOptions}
}

// FillerMessage draws from the filler pool with the short-TTL options.
func (p *Policy) FillerMessage() model.Message {
	return model.Message{Kind: model.KindFiller, Title: p.cfg.Title, Body: p.filler.Pick(), Options: p.cfg.FillerOptions}
}

// destinationClock returns now on the clock used for dest and whether that
// clock is UTC.
func destinationClock(now time.Time, dest model.Destination) (time.Time, bool) {
	if loc := dest.Location(); loc != nil {
		return now.In(loc), false
	}
	return now.UTC(), true
}

// sameBucket reports whether a and b fall in the same half hour of the same
// wall-clock day.
func sameBucket(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by || am != bm || ad != bd {
		return false
	}
	return a.Hour()*2+a.Minute()/30 == b.Hour()*2+b.Minute()/30
}
