// Package schedule holds the fixed daily schedule, the filler pools and the
// selection policy that decides what each destination receives on a tick.
package schedule

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidOffset = errors.New("schedule: offset must be within [0,23]")
	ErrInvalidHour   = errors.New("schedule: hour must be within [0,23]")
	ErrEmptyBody     = errors.New("schedule: message body is empty")
)

// Table maps hours of the day to fixed message bodies. It is built once at
// startup and never mutated afterwards.
type Table struct {
	offset int
	local  map[int]string
	utc    map[int]string
}

// NewTable converts a local-hour schedule into UTC hour keys using
// utc = (local - offset + 24) mod 24. Collisions resolve last-write-wins in
// ascending local-hour order.
func NewTable(local map[int]string, offset int) (*Table, error) {
	if offset < 0 || offset > 23 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidOffset, offset)
	}

	t := &Table{
		offset: offset,
		local:  make(map[int]string, len(local)),
		utc:    make(map[int]string, len(local)),
	}
	for _, h := range sortedHours(local) {
		body := local[h]
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidHour, h)
		}
		if body == "" {
			return nil, fmt.Errorf("%w: local hour %d", ErrEmptyBody, h)
		}
		t.local[h] = body
		t.utc[ToUTCHour(h, offset)] = body
	}
	return t, nil
}

// ToUTCHour converts a local hour to its UTC hour for a whole-hour offset.
func ToUTCHour(local, offset int) int {
	return ((local-offset)%24 + 24) % 24
}

// ToLocalHour is the inverse of ToUTCHour.
func ToLocalHour(utc, offset int) int {
	return (utc + offset) % 24
}

func (t *Table) Offset() int { return t.offset }

// Lookup returns the fixed body for a UTC hour.
func (t *Table) Lookup(utcHour int) (string, bool) {
	body, ok := t.utc[utcHour]
	return body, ok
}

// LookupLocal returns the fixed body for a local hour.
func (t *Table) LookupLocal(localHour int) (string, bool) {
	body, ok := t.local[localHour]
	return body, ok
}

// UTC returns a copy of the UTC-keyed table.
func (t *Table) UTC() map[int]string {
	return copyHours(t.utc)
}

// Local returns a copy of the table as it was configured.
func (t *Table) Local() map[int]string {
	return copyHours(t.local)
}

func (t *Table) Len() int { return len(t.utc) }

// entries picks the UTC table when the clock is UTC and the local table when
// the clock is a destination's own wall clock.
func (t *Table) entries(utcClock bool) map[int]string {
	if utcClock {
		return t.utc
	}
	return t.local
}

// minutesUntilNext returns the distance in minutes from hour:minute to the
// next fixed event in entries, wrapping past midnight. An event at exactly
// hour:00 when minute is 0 yields 0. ok is false when the table is empty.
func minutesUntilNext(entries map[int]string, hour, minute int) (int, bool) {
	if len(entries) == 0 {
		return 0, false
	}
	cur := hour*60 + minute
	best := -1
	for h := range entries {
		d := (h*60 - cur + 24*60) % (24 * 60)
		if best < 0 || d < best {
			best = d
		}
	}
	return best, true
}

func sortedHours(m map[int]string) []int {
	hours := make([]int, 0, len(m))
	for h := range m {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours
}

func copyHours(m map[int]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
