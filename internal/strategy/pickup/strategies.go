package pickup

import (
	"math/rand/v2"
	"sync"
)

// RoundRobin hands out candidates in turn, continuing after the worker it
// picked last.
type RoundRobin struct {
	Base

	mu   sync.Mutex
	last int
}

func NewRoundRobin(base Base) *RoundRobin {
	return &RoundRobin{Base: base}
}

func (s *RoundRobin) Pickup(possibleGroups, possibleWorkers, ignoredWorkers []int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := 0
	for c := range s.Candidates(possibleGroups, possibleWorkers, ignoredWorkers) {
		if first == 0 {
			first = c.ID
		}
		if c.ID > s.last {
			s.last = c.ID
			return c.ID, nil
		}
	}
	if first == 0 {
		return 0, s.noWorkers(possibleGroups)
	}
	// wrap around
	s.last = first
	return first, nil
}

// LeastJobs picks the candidate with the fewest in-flight jobs; ties go to
// the lowest id.
type LeastJobs struct {
	Base
}

func NewLeastJobs(base Base) *LeastJobs {
	return &LeastJobs{Base: base}
}

func (s *LeastJobs) Pickup(possibleGroups, possibleWorkers, ignoredWorkers []int) (int, error) {
	best, bestJobs := 0, 0
	for c := range s.Candidates(possibleGroups, possibleWorkers, ignoredWorkers) {
		if best == 0 || c.JobCount < bestJobs {
			best, bestJobs = c.ID, c.JobCount
		}
		if bestJobs == 0 {
			break
		}
	}
	if best == 0 {
		return 0, s.noWorkers(possibleGroups)
	}
	return best, nil
}

// Random picks uniformly among the candidates.
type Random struct {
	Base
}

func NewRandom(base Base) *Random {
	return &Random{Base: base}
}

func (s *Random) Pickup(possibleGroups, possibleWorkers, ignoredWorkers []int) (int, error) {
	// reservoir sampling, one pass over the walk
	chosen, seen := 0, 0
	for c := range s.Candidates(possibleGroups, possibleWorkers, ignoredWorkers) {
		seen++
		if rand.IntN(seen) == 0 {
			chosen = c.ID
		}
	}
	if chosen == 0 {
		return 0, s.noWorkers(possibleGroups)
	}
	return chosen, nil
}
