// Package pickup chooses the worker a job is sent to, based on the shared
// state published by the pool.
package pickup

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/ChuLiYu/procpool/internal/state"
)

// ErrNoWorkersAvailable 表示候選集合中沒有任何可用的 worker，呼叫端可以稍後重試
var ErrNoWorkersAvailable = errors.New("pickup: no workers available")

// NoWorkersAvailableError names the groups that had no candidate.
type NoWorkersAvailableError struct {
	GroupIDs []int
}

func (e *NoWorkersAvailableError) Error() string {
	if len(e.GroupIDs) == 1 {
		return fmt.Sprintf("No available workers in group %d", e.GroupIDs[0])
	}
	return fmt.Sprintf("No available workers in groups %v", e.GroupIDs)
}

func (e *NoWorkersAvailableError) Is(target error) bool {
	return target == ErrNoWorkersAvailable
}

// Strategy picks one worker id.
//
// Parameters:
//   - possibleGroups: only workers of these groups; empty means every group
//   - possibleWorkers: only these worker ids; empty means no restriction
//   - ignoredWorkers: never these worker ids
//
// Returns:
//   - the chosen worker id
//   - *NoWorkersAvailableError when no candidate is ready
type Strategy interface {
	Pickup(possibleGroups, possibleWorkers, ignoredWorkers []int) (int, error)
}

// Candidate is a ready worker seen during the walk.
type Candidate struct {
	ID       int
	GroupID  int
	JobCount int
}

// Base holds what every strategy needs: the state to read, the id of the
// worker doing the picking and the heartbeat staleness threshold.
type Base struct {
	reader     state.Reader
	selfID     int
	staleAfter time.Duration
	now        func() time.Time
}

// NewBase creates the shared candidate walk. selfID is excluded from every
// walk; pass 0 from the supervisor. staleAfter of 0 disables staleness.
func NewBase(reader state.Reader, selfID int, staleAfter time.Duration) Base {
	return Base{reader: reader, selfID: selfID, staleAfter: staleAfter, now: time.Now}
}

// Candidates yields every ready worker matching the filters, ascending by
// group id then worker id.
func (b Base) Candidates(possibleGroups, possibleWorkers, ignoredWorkers []int) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		ranges, err := b.reader.ReadPoolRanges()
		if err != nil {
			return
		}
		now := b.now()

		for _, groupID := range state.SortedGroupIDs(ranges) {
			if len(possibleGroups) > 0 && !slices.Contains(possibleGroups, groupID) {
				continue
			}
			r := ranges[groupID]
			for id := r.Low; id <= r.High; id++ {
				if id == b.selfID {
					continue
				}
				if len(possibleWorkers) > 0 && !slices.Contains(possibleWorkers, id) {
					continue
				}
				if slices.Contains(ignoredWorkers, id) {
					continue
				}
				view, err := b.reader.Worker(id)
				if err != nil || !view.Available(now, b.staleAfter) {
					continue
				}
				if !yield(Candidate{ID: id, GroupID: groupID, JobCount: view.JobCount}) {
					return
				}
			}
		}
	}
}

func (b Base) noWorkers(possibleGroups []int) error {
	groups := possibleGroups
	if len(groups) == 0 {
		if ranges, err := b.reader.ReadPoolRanges(); err == nil {
			groups = state.SortedGroupIDs(ranges)
		}
	}
	return &NoWorkersAvailableError{GroupIDs: slices.Clone(groups)}
}

// New returns the strategy registered under name: "round-robin" (default),
// "least-jobs" or "random".
func New(name string, base Base) (Strategy, error) {
	switch name {
	case "", "round-robin":
		return NewRoundRobin(base), nil
	case "least-jobs":
		return NewLeastJobs(base), nil
	case "random":
		return NewRandom(base), nil
	}
	return nil, fmt.Errorf("pickup: unknown strategy %q", name)
}
