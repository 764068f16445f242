package state

import (
	"sync/atomic"
	"time"
)

// Record is the write handle a worker holds for its own slot. Only one Record
// per worker id may be live at a time.
type Record struct {
	store *Store
	id    int
	now   func() time.Time
}

// Record returns the write handle for the worker record.
func (s *Store) Record(id int) (*Record, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	if _, ok := s.recordOffset(id); !ok {
		return nil, ErrStateUnavailable
	}
	return &Record{store: s, id: id, now: time.Now}, nil
}

// ID returns the worker id the record belongs to.
func (r *Record) ID() int {
	return r.id
}

func (r *Record) update(fn func(off int)) error {
	if err := r.store.acquire(); err != nil {
		return err
	}
	defer r.store.mu.RUnlock()

	off, _ := r.store.recordOffset(r.id)
	fn(off)
	return nil
}

// Claim marks the record as owned by a freshly started process. The record
// stays not ready until SetReady(true).
func (r *Record) Claim(groupID, pid int) error {
	return r.update(func(off int) {
		atomic.StoreUint32(r.store.u32(off+recReady), 0)
		atomic.StoreUint32(r.store.u32(off+recJobCount), 0)
		atomic.StoreUint32(r.store.u32(off+recGroupID), uint32(groupID))
		atomic.StoreUint32(r.store.u32(off+recPID), uint32(pid))
		atomic.StoreInt64(r.store.i64(off+recUpdatedAt), r.now().UnixNano())
	})
}

// SetReady publishes whether the worker accepts work.
func (r *Record) SetReady(ready bool) error {
	var v uint32
	if ready {
		v = 1
	}
	return r.update(func(off int) {
		atomic.StoreInt64(r.store.i64(off+recUpdatedAt), r.now().UnixNano())
		atomic.StoreUint32(r.store.u32(off+recReady), v)
	})
}

// AddJobs adjusts the in-flight job count by delta.
func (r *Record) AddJobs(delta int) error {
	return r.update(func(off int) {
		atomic.AddUint32(r.store.u32(off+recJobCount), uint32(int32(delta)))
	})
}

// Touch refreshes the heartbeat timestamp.
func (r *Record) Touch() error {
	return r.update(func(off int) {
		atomic.StoreInt64(r.store.i64(off+recUpdatedAt), r.now().UnixNano())
	})
}

// Reset zeroes the record. The supervisor calls it once the owning process
// is gone.
func (r *Record) Reset() error {
	return r.update(func(off int) {
		atomic.StoreUint32(r.store.u32(off+recReady), 0)
		atomic.StoreUint32(r.store.u32(off+recJobCount), 0)
		atomic.StoreInt64(r.store.i64(off+recUpdatedAt), 0)
		atomic.StoreUint32(r.store.u32(off+recPID), 0)
	})
}
