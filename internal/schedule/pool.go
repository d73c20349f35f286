package schedule

import (
	"errors"
	"math/rand/v2"
)

var ErrEmptyPool = errors.New("schedule: message pool is empty")

// Pool is an ordered, non-empty set of candidate bodies picked uniformly at
// random.
type Pool struct {
	items []string
	intn  func(n int) int
}

func NewPool(items []string) (*Pool, error) {
	var kept []string
	for _, it := range items {
		if it != "" {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{items: kept, intn: rand.IntN}, nil
}

// Pick returns one body drawn uniformly at random.
func (p *Pool) Pick() string {
	return p.items[p.intn(len(p.items))]
}

func (p *Pool) Items() []string {
	out := make([]string, len(p.items))
	copy(out, p.items)
	return out
}

func (p *Pool) Len() int { return len(p.items) }
