package pickup

import (
	"testing"
	"time"

	"github.com/ChuLiYu/procpool/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestState publishes group 1 = workers 1..3, group 2 = workers 4..5 and
// marks the given workers ready.
func newTestState(t *testing.T, ready ...int) *state.Store {
	t.Helper()

	s, err := state.NewMemory(state.Layout{MaxWorkers: 8, MaxGroups: 2})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SetPoolRange(1, state.Range{Low: 1, High: 3}))
	require.NoError(t, s.SetPoolRange(2, state.Range{Low: 4, High: 5}))

	for _, id := range ready {
		rec, err := s.Record(id)
		require.NoError(t, err)
		require.NoError(t, rec.SetReady(true))
	}
	return s
}

func setJobs(t *testing.T, s *state.Store, id, jobs int) {
	t.Helper()
	rec, err := s.Record(id)
	require.NoError(t, err)
	require.NoError(t, rec.AddJobs(jobs))
}

func collect(b Base, groups, workers, ignored []int) []int {
	var ids []int
	for c := range b.Candidates(groups, workers, ignored) {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestCandidatesFilters(t *testing.T) {
	s := newTestState(t, 1, 2, 3, 4, 5)

	tests := []struct {
		name    string
		selfID  int
		groups  []int
		workers []int
		ignored []int
		want    []int
	}{
		{"all groups", 0, nil, nil, nil, []int{1, 2, 3, 4, 5}},
		{"one group", 0, []int{2}, nil, nil, []int{4, 5}},
		{"excludes self", 2, []int{1}, nil, nil, []int{1, 3}},
		{"possible workers", 0, nil, []int{3, 4}, nil, []int{3, 4}},
		{"ignored workers", 0, []int{1}, nil, []int{1, 3}, []int{2}},
		{"unknown group", 0, []int{9}, nil, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBase(s, tt.selfID, 0)
			assert.Equal(t, tt.want, collect(b, tt.groups, tt.workers, tt.ignored))
		})
	}
}

func TestCandidatesSkipsNotReadyAndStale(t *testing.T) {
	s := newTestState(t, 1, 3)
	b := NewBase(s, 0, time.Second)

	assert.Equal(t, []int{1, 3}, collect(b, []int{1}, nil, nil), "worker 2 never became ready")

	_, err := NewLeastJobs(b).Pickup([]int{1}, []int{2}, nil)
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)

	rec, err := s.Record(2)
	require.NoError(t, err)
	require.NoError(t, rec.SetReady(true))

	id, err := NewLeastJobs(b).Pickup([]int{1}, []int{2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, id, "a worker becomes eligible once it reports ready")
	assert.Equal(t, []int{1, 2, 3}, collect(b, []int{1}, nil, nil))

	b.now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Empty(t, collect(b, []int{1}, nil, nil), "heartbeats older than the threshold are skipped")
}

func TestCandidatesClosedState(t *testing.T) {
	s := newTestState(t, 1)
	require.NoError(t, s.Close())

	b := NewBase(s, 0, 0)
	assert.Empty(t, collect(b, nil, nil, nil))

	_, err := NewRoundRobin(b).Pickup([]int{1}, nil, nil)
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestRoundRobinCycles(t *testing.T) {
	s := newTestState(t, 1, 2, 3)
	rr := NewRoundRobin(NewBase(s, 0, 0))

	var picked []int
	for i := 0; i < 5; i++ {
		id, err := rr.Pickup([]int{1}, nil, nil)
		require.NoError(t, err)
		picked = append(picked, id)
	}
	assert.Equal(t, []int{1, 2, 3, 1, 2}, picked)
}

func TestRoundRobinExcludesOwnWorker(t *testing.T) {
	s := newTestState(t, 1, 2, 3)
	rr := NewRoundRobin(NewBase(s, 2, 0))

	for i := 0; i < 6; i++ {
		id, err := rr.Pickup([]int{1}, nil, nil)
		require.NoError(t, err)
		assert.NotEqual(t, 2, id, "a worker never picks itself")
	}
}

func TestLeastJobs(t *testing.T) {
	s := newTestState(t, 1, 2, 3)
	setJobs(t, s, 1, 4)
	setJobs(t, s, 2, 1)
	setJobs(t, s, 3, 2)

	lj := NewLeastJobs(NewBase(s, 0, 0))

	id, err := lj.Pickup([]int{1}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	id, err = lj.Pickup([]int{1}, nil, []int{2})
	require.NoError(t, err)
	assert.Equal(t, 3, id)
}

func TestRandomStaysInCandidates(t *testing.T) {
	s := newTestState(t, 4, 5)
	r := NewRandom(NewBase(s, 0, 0))

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		id, err := r.Pickup([]int{2}, nil, nil)
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Equal(t, map[int]bool{4: true, 5: true}, seen)
}

func TestNoWorkersAvailable(t *testing.T) {
	s := newTestState(t, 1, 2, 3)

	strategies := map[string]Strategy{
		"round-robin": NewRoundRobin(NewBase(s, 0, 0)),
		"least-jobs":  NewLeastJobs(NewBase(s, 0, 0)),
		"random":      NewRandom(NewBase(s, 0, 0)),
	}

	for name, strategy := range strategies {
		t.Run(name, func(t *testing.T) {
			_, err := strategy.Pickup([]int{1}, nil, []int{1, 2, 3})
			require.ErrorIs(t, err, ErrNoWorkersAvailable)

			var noWorkers *NoWorkersAvailableError
			require.ErrorAs(t, err, &noWorkers)
			assert.Equal(t, []int{1}, noWorkers.GroupIDs)
			assert.Equal(t, "No available workers in group 1", err.Error())
		})
	}
}

func TestNewByName(t *testing.T) {
	s := newTestState(t)
	base := NewBase(s, 0, 0)

	for _, name := range []string{"", "round-robin", "least-jobs", "random"} {
		strategy, err := New(name, base)
		require.NoError(t, err, name)
		assert.NotNil(t, strategy)
	}

	_, err := New("fastest", base)
	assert.Error(t, err)
}
