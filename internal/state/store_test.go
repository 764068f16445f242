package state

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSize(t *testing.T) {
	l := Layout{MaxWorkers: 4, MaxGroups: 2}
	assert.Equal(t, headerSize+3*poolEntrySize+5*workerRecordSize, l.Size())
	assert.Zero(t, l.workerOffset()%8, "worker records must stay 8-byte aligned")
}

func TestNewMemoryRejectsEmptyLayout(t *testing.T) {
	_, err := NewMemory(Layout{})
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestPoolRangesUnpopulatedReadsEmpty(t *testing.T) {
	s, err := NewMemory(Layout{MaxWorkers: 8, MaxGroups: 3})
	require.NoError(t, err)
	defer s.Close()

	ranges, err := s.ReadPoolRanges()
	require.NoError(t, err)
	assert.Empty(t, ranges, "no group range has been published yet")

	require.NoError(t, s.SetPoolRange(2, Range{Low: 4, High: 6}))

	ranges, err = s.ReadPoolRanges()
	require.NoError(t, err)
	assert.Equal(t, map[int]Range{2: {Low: 4, High: 6}}, ranges)
}

func TestSetPoolRangeValidation(t *testing.T) {
	s, err := NewMemory(Layout{MaxWorkers: 4, MaxGroups: 1})
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.SetPoolRange(1, Range{Low: 3, High: 2}))
	assert.Error(t, s.SetPoolRange(1, Range{Low: 1, High: 5}))
	assert.ErrorIs(t, s.SetPoolRange(2, Range{Low: 1, High: 2}), ErrStateUnavailable)
}

func TestWorkerStateRoundTrip(t *testing.T) {
	s, err := NewMemory(Layout{MaxWorkers: 4, MaxGroups: 1})
	require.NoError(t, err)
	defer s.Close()

	now := time.Unix(1700000000, 42)
	view := WorkerView{ID: 3, Ready: true, JobCount: 7, UpdatedAt: now, GroupID: 1, PID: 1234}
	require.NoError(t, s.WriteWorkerState(3, EncodeWorkerView(view)))

	got, err := s.Worker(3)
	require.NoError(t, err)
	assert.Equal(t, view.Ready, got.Ready)
	assert.Equal(t, view.JobCount, got.JobCount)
	assert.True(t, view.UpdatedAt.Equal(got.UpdatedAt))
	assert.Equal(t, view.GroupID, got.GroupID)
	assert.Equal(t, view.PID, got.PID)

	other, err := s.Worker(2)
	require.NoError(t, err)
	assert.False(t, other.Ready, "untouched records read as not ready")
}

func TestWorkerStateOutOfRange(t *testing.T) {
	s, err := NewMemory(Layout{MaxWorkers: 2, MaxGroups: 1})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadWorkerState(0)
	assert.ErrorIs(t, err, ErrStateUnavailable)
	_, err = s.ReadWorkerState(3)
	assert.ErrorIs(t, err, ErrStateUnavailable)
	assert.Error(t, s.WriteWorkerState(1, []byte{1, 2, 3}))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s, err := NewMemory(Layout{MaxWorkers: 2, MaxGroups: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	_, err = s.ReadPoolRanges()
	assert.ErrorIs(t, err, ErrStateUnavailable)
	_, err = s.Worker(1)
	assert.ErrorIs(t, err, ErrStateUnavailable)
}

func TestRecordLifecycle(t *testing.T) {
	s, err := NewMemory(Layout{MaxWorkers: 2, MaxGroups: 1})
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Record(1)
	require.NoError(t, err)

	require.NoError(t, rec.Claim(1, 99))
	v, _ := s.Worker(1)
	assert.False(t, v.Ready)
	assert.Equal(t, 99, v.PID)

	require.NoError(t, rec.SetReady(true))
	require.NoError(t, rec.AddJobs(1))
	require.NoError(t, rec.AddJobs(1))
	require.NoError(t, rec.AddJobs(-1))

	v, _ = s.Worker(1)
	assert.True(t, v.Ready)
	assert.Equal(t, 1, v.JobCount)

	require.NoError(t, rec.Reset())
	v, _ = s.Worker(1)
	assert.False(t, v.Ready)
	assert.Zero(t, v.JobCount)
	assert.True(t, v.UpdatedAt.IsZero())

	_, err = s.Record(5)
	assert.ErrorIs(t, err, ErrStateUnavailable)
}

func TestRecordConcurrentJobCount(t *testing.T) {
	s, err := NewMemory(Layout{MaxWorkers: 1, MaxGroups: 1})
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Record(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.AddJobs(1)
			rec.AddJobs(-1)
		}()
	}
	wg.Wait()

	v, _ := s.Worker(1)
	assert.Zero(t, v.JobCount)
}

func TestWorkerViewAvailable(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		view       WorkerView
		staleAfter time.Duration
		want       bool
	}{
		{"not ready", WorkerView{Ready: false, UpdatedAt: now}, time.Second, false},
		{"fresh", WorkerView{Ready: true, UpdatedAt: now.Add(-500 * time.Millisecond)}, time.Second, true},
		{"stale", WorkerView{Ready: true, UpdatedAt: now.Add(-2 * time.Second)}, time.Second, false},
		{"staleness disabled", WorkerView{Ready: true, UpdatedAt: now.Add(-time.Hour)}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.view.Available(now, tt.staleAfter))
		})
	}
}

func TestFileStoreSharedBetweenMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	owner, err := Create(path, Layout{MaxWorkers: 4, MaxGroups: 2})
	require.NoError(t, err)
	defer owner.Close()
	require.NoError(t, owner.SetPoolRange(1, Range{Low: 1, High: 2}))

	reader, err := Open(path)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, owner.Layout(), reader.Layout())

	ranges, err := reader.ReadPoolRanges()
	require.NoError(t, err)
	assert.Equal(t, Range{Low: 1, High: 2}, ranges[1])

	rec, err := reader.Record(2)
	require.NoError(t, err)
	require.NoError(t, rec.Claim(1, 7))
	require.NoError(t, rec.SetReady(true))

	v, err := owner.Worker(2)
	require.NoError(t, err)
	assert.True(t, v.Ready, "writes through one mapping are visible through the other")
	assert.Equal(t, 7, v.PID)
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSortedGroupIDs(t *testing.T) {
	ids := SortedGroupIDs(map[int]Range{3: {}, 1: {}, 2: {}})
	assert.Equal(t, []int{1, 2, 3}, ids)
}
