package schedule

import (
	"sort"
	"sync"
	"time"
)

// DestinationState is the last-sent bookkeeping for one destination.
type DestinationState struct {
	Endpoint       string    `json:"endpoint"`
	LastFixedSent  time.Time `json:"last_fixed_sent"`
	LastFillerSent time.Time `json:"last_filler_sent"`
}

// State holds last-sent bookkeeping keyed by endpoint. A destination with no
// entry has never been sent anything and is eligible for the next window.
type State struct {
	mu   sync.RWMutex
	dest map[string]*DestinationState
}

func NewState() *State {
	return &State{dest: make(map[string]*DestinationState)}
}

// Get returns a copy of the bookkeeping for endpoint; the zero value when unset.
func (s *State) Get(endpoint string) DestinationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.dest[endpoint]; ok {
		return *st
	}
	return DestinationState{Endpoint: endpoint}
}

func (s *State) MarkFixed(endpoint string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(endpoint).LastFixedSent = at
}

func (s *State) MarkFiller(endpoint string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(endpoint).LastFillerSent = at
}

// Forget drops bookkeeping for a destination that left the registry.
func (s *State) Forget(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dest, endpoint)
}

// Snapshot returns all entries sorted by endpoint.
func (s *State) Snapshot() []DestinationState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DestinationState, 0, len(s.dest))
	for _, st := range s.dest {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// must be called with mu held
func (s *State) entry(endpoint string) *DestinationState {
	st, ok := s.dest[endpoint]
	if !ok {
		st = &DestinationState{Endpoint: endpoint}
		s.dest[endpoint] = st
	}
	return st
}
