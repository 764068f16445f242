package state

// ============================================================================
// Shared State 佈局
// ============================================================================
//
//   +--------------------+ 0
//   | header (64 bytes)  |   magic, version, maxWorkers, maxGroups, createdAt
//   +--------------------+ poolOffset
//   | pool ranges        |   (maxGroups+1) * 16 bytes, indexed by group id
//   +--------------------+ workerOffset
//   | worker records     |   (maxWorkers+1) * 32 bytes, indexed by worker id
//   +--------------------+ size
//
// Index 0 of both tables is never used: group and worker ids start at 1, so an
// all-zero entry is the "not populated" sentinel.
//
// All multi-byte fields are little endian. Fields accessed concurrently are
// 4 or 8 byte aligned so they can be read and written with sync/atomic.

const (
	layoutMagic   uint32 = 0x54535050 // "PPST"
	layoutVersion uint32 = 1

	headerSize       = 64
	poolEntrySize    = 16
	workerRecordSize = 32

	hdrMagic      = 0
	hdrVersion    = 4
	hdrMaxWorkers = 8
	hdrMaxGroups  = 12
	hdrCreatedAt  = 16

	poolLow  = 0
	poolHigh = 4

	recReady     = 0
	recJobCount  = 4
	recUpdatedAt = 8
	recGroupID   = 16
	recPID       = 20
)

// WorkerRecordSize is the byte length of one serialized worker record.
const WorkerRecordSize = workerRecordSize

// Layout 描述共享狀態的容量
type Layout struct {
	MaxWorkers int // 最大 worker id
	MaxGroups  int // 最大 group id
}

func (l Layout) poolOffset() int {
	return headerSize
}

func (l Layout) workerOffset() int {
	return headerSize + (l.MaxGroups+1)*poolEntrySize
}

// Size returns the number of bytes a region with this layout occupies.
func (l Layout) Size() int {
	return l.workerOffset() + (l.MaxWorkers+1)*workerRecordSize
}

func (l Layout) valid() bool {
	return l.MaxWorkers > 0 && l.MaxGroups > 0
}
