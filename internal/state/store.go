// Package state implements the cross-process shared state: which worker ids
// belong to which group, and each worker's readiness, job count and heartbeat.
//
// The supervisor creates the region and publishes the group ranges. Each worker
// process is the only writer of its own record; everybody else only reads.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	// ErrStateUnavailable 表示共享狀態尚未就緒、已關閉或索引超出範圍
	ErrStateUnavailable = errors.New("state: unavailable")
	// ErrInvalidLayout 表示共享狀態檔案的格式不符
	ErrInvalidLayout = errors.New("state: invalid layout")
)

// Range 是群組擁有的 worker id 區間（含兩端），(0,0) 代表尚未設定
type Range struct {
	Low  int
	High int
}

// Empty reports whether the range is the unpopulated sentinel.
func (r Range) Empty() bool {
	return r.Low == 0 && r.High == 0
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int) bool {
	return !r.Empty() && id >= r.Low && id <= r.High
}

// WorkerView is a decoded snapshot of one worker record.
type WorkerView struct {
	ID        int
	Ready     bool
	JobCount  int
	UpdatedAt time.Time
	GroupID   int
	PID       int
}

// Available reports whether the worker is ready and its heartbeat is not
// older than staleAfter. A zero staleAfter disables the staleness check.
func (v WorkerView) Available(now time.Time, staleAfter time.Duration) bool {
	if !v.Ready {
		return false
	}
	if staleAfter <= 0 {
		return true
	}
	return now.Sub(v.UpdatedAt) <= staleAfter
}

// Reader is the read side of the store used by pickup strategies and status
// reporting.
type Reader interface {
	ReadPoolRanges() (map[int]Range, error)
	Worker(id int) (WorkerView, error)
}

// Store 共享狀態的存取介面
type Store struct {
	mu     sync.RWMutex // 保護 region 在 Close 之後不再被存取
	region Region
	data   []byte
	layout Layout
	closed bool
}

// NewMemory returns a heap backed store, only shared within this process.
func NewMemory(layout Layout) (*Store, error) {
	if !layout.valid() {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidLayout, layout)
	}
	region := newMemoryRegion(layout.Size())
	s := &Store{region: region, data: region.Bytes(), layout: layout}
	s.writeHeader()
	return s, nil
}

// Create 由 supervisor 建立共享狀態檔案
//
// 參數：
//   - path: 檔案路徑，所有 worker 透過同一路徑 Open
//   - layout: 容量
//
// 返回值：
//   - *Store: 已初始化的共享狀態
//   - error: 建立或 mmap 失敗
func Create(path string, layout Layout) (*Store, error) {
	if !layout.valid() {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidLayout, layout)
	}

	region, err := createFileRegion(path, layout.Size())
	if err != nil {
		return nil, err
	}

	s := &Store{region: region, data: region.Bytes(), layout: layout}
	s.writeHeader()

	if err := commitFileRegion(path); err != nil {
		region.Close()
		return nil, err
	}
	return s, nil
}

// Open maps an existing state file created by Create.
func Open(path string) (*Store, error) {
	region, err := openFileRegion(path)
	if err != nil {
		return nil, err
	}

	s := &Store{region: region, data: region.Bytes()}
	if err := s.readHeader(); err != nil {
		region.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) writeHeader() {
	binary.LittleEndian.PutUint32(s.data[hdrMaxWorkers:], uint32(s.layout.MaxWorkers))
	binary.LittleEndian.PutUint32(s.data[hdrMaxGroups:], uint32(s.layout.MaxGroups))
	binary.LittleEndian.PutUint64(s.data[hdrCreatedAt:], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(s.data[hdrVersion:], layoutVersion)
	// magic last: a reader that sees it also sees the rest of the header
	atomic.StoreUint32(s.u32(hdrMagic), layoutMagic)
}

func (s *Store) readHeader() error {
	if magic := atomic.LoadUint32(s.u32(hdrMagic)); magic != layoutMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrInvalidLayout, magic)
	}
	if v := binary.LittleEndian.Uint32(s.data[hdrVersion:]); v != layoutVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidLayout, v)
	}
	s.layout = Layout{
		MaxWorkers: int(binary.LittleEndian.Uint32(s.data[hdrMaxWorkers:])),
		MaxGroups:  int(binary.LittleEndian.Uint32(s.data[hdrMaxGroups:])),
	}
	if !s.layout.valid() || s.layout.Size() > len(s.data) {
		return fmt.Errorf("%w: header %+v does not fit %d bytes", ErrInvalidLayout, s.layout, len(s.data))
	}
	return nil
}

// Layout returns the capacity the store was created with.
func (s *Store) Layout() Layout {
	return s.layout
}

func (s *Store) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

func (s *Store) i64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&s.data[off]))
}

func (s *Store) recordOffset(id int) (int, bool) {
	if id <= 0 || id > s.layout.MaxWorkers {
		return 0, false
	}
	return s.layout.workerOffset() + id*workerRecordSize, true
}

func (s *Store) poolEntryOffset(groupID int) (int, bool) {
	if groupID <= 0 || groupID > s.layout.MaxGroups {
		return 0, false
	}
	return s.layout.poolOffset() + groupID*poolEntrySize, true
}

// acquire takes the read lock and fails when the store is closed.
func (s *Store) acquire() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStateUnavailable
	}
	return nil
}

// ReadWorkerState returns a copy of the serialized record of the worker.
func (s *Store) ReadWorkerState(id int) ([]byte, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	off, ok := s.recordOffset(id)
	if !ok {
		return nil, fmt.Errorf("%w: worker %d out of range", ErrStateUnavailable, id)
	}

	out := make([]byte, workerRecordSize)
	binary.LittleEndian.PutUint32(out[recReady:], atomic.LoadUint32(s.u32(off+recReady)))
	binary.LittleEndian.PutUint32(out[recJobCount:], atomic.LoadUint32(s.u32(off+recJobCount)))
	binary.LittleEndian.PutUint64(out[recUpdatedAt:], uint64(atomic.LoadInt64(s.i64(off+recUpdatedAt))))
	binary.LittleEndian.PutUint32(out[recGroupID:], atomic.LoadUint32(s.u32(off+recGroupID)))
	binary.LittleEndian.PutUint32(out[recPID:], atomic.LoadUint32(s.u32(off+recPID)))
	return out, nil
}

// WriteWorkerState overwrites the record of the worker with a serialized
// record. Only the owner of the record may call it.
func (s *Store) WriteWorkerState(id int, record []byte) error {
	if len(record) != workerRecordSize {
		return fmt.Errorf("state: record must be %d bytes, got %d", workerRecordSize, len(record))
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	off, ok := s.recordOffset(id)
	if !ok {
		return fmt.Errorf("%w: worker %d out of range", ErrStateUnavailable, id)
	}

	atomic.StoreUint32(s.u32(off+recGroupID), binary.LittleEndian.Uint32(record[recGroupID:]))
	atomic.StoreUint32(s.u32(off+recPID), binary.LittleEndian.Uint32(record[recPID:]))
	atomic.StoreUint32(s.u32(off+recJobCount), binary.LittleEndian.Uint32(record[recJobCount:]))
	atomic.StoreInt64(s.i64(off+recUpdatedAt), int64(binary.LittleEndian.Uint64(record[recUpdatedAt:])))
	atomic.StoreUint32(s.u32(off+recReady), binary.LittleEndian.Uint32(record[recReady:]))
	return nil
}

// Worker decodes the record of the worker.
func (s *Store) Worker(id int) (WorkerView, error) {
	raw, err := s.ReadWorkerState(id)
	if err != nil {
		return WorkerView{}, err
	}
	return DecodeWorkerView(id, raw), nil
}

// DecodeWorkerView decodes a serialized worker record.
func DecodeWorkerView(id int, raw []byte) WorkerView {
	v := WorkerView{
		ID:       id,
		Ready:    binary.LittleEndian.Uint32(raw[recReady:]) != 0,
		JobCount: int(int32(binary.LittleEndian.Uint32(raw[recJobCount:]))),
		GroupID:  int(binary.LittleEndian.Uint32(raw[recGroupID:])),
		PID:      int(binary.LittleEndian.Uint32(raw[recPID:])),
	}
	if ts := int64(binary.LittleEndian.Uint64(raw[recUpdatedAt:])); ts != 0 {
		v.UpdatedAt = time.Unix(0, ts)
	}
	return v
}

// EncodeWorkerView serializes a view into the record format.
func EncodeWorkerView(v WorkerView) []byte {
	raw := make([]byte, workerRecordSize)
	if v.Ready {
		binary.LittleEndian.PutUint32(raw[recReady:], 1)
	}
	binary.LittleEndian.PutUint32(raw[recJobCount:], uint32(int32(v.JobCount)))
	if !v.UpdatedAt.IsZero() {
		binary.LittleEndian.PutUint64(raw[recUpdatedAt:], uint64(v.UpdatedAt.UnixNano()))
	}
	binary.LittleEndian.PutUint32(raw[recGroupID:], uint32(v.GroupID))
	binary.LittleEndian.PutUint32(raw[recPID:], uint32(v.PID))
	return raw
}

// ReadPoolRanges returns every populated group range keyed by group id.
func (s *Store) ReadPoolRanges() (map[int]Range, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	ranges := make(map[int]Range)
	for id := 1; id <= s.layout.MaxGroups; id++ {
		off, _ := s.poolEntryOffset(id)
		r := Range{
			Low:  int(atomic.LoadUint32(s.u32(off + poolLow))),
			High: int(atomic.LoadUint32(s.u32(off + poolHigh))),
		}
		if !r.Empty() {
			ranges[id] = r
		}
	}
	return ranges, nil
}

// SetPoolRange publishes the id range of a group. Called by the supervisor only.
func (s *Store) SetPoolRange(groupID int, r Range) error {
	if r.Low < 0 || r.High < r.Low || r.High > s.layout.MaxWorkers {
		return fmt.Errorf("state: invalid range %d..%d", r.Low, r.High)
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	off, ok := s.poolEntryOffset(groupID)
	if !ok {
		return fmt.Errorf("%w: group %d out of range", ErrStateUnavailable, groupID)
	}
	atomic.StoreUint32(s.u32(off+poolLow), uint32(r.Low))
	atomic.StoreUint32(s.u32(off+poolHigh), uint32(r.High))
	return nil
}

// SortedGroupIDs returns the keys of ranges in ascending order.
func SortedGroupIDs(ranges map[int]Range) []int {
	ids := make([]int, 0, len(ranges))
	for id := range ranges {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close unmaps the region. Every later access fails with ErrStateUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.data = nil
	return s.region.Close()
}
