package state

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is the raw byte area a Store is laid over.
type Region interface {
	Bytes() []byte
	Close() error
}

// memoryRegion keeps the state on the heap. Used when every worker lives in
// the supervisor's own process.
type memoryRegion struct {
	words []uint64
	data  []byte
}

func newMemoryRegion(size int) *memoryRegion {
	// backed by uint64 so 64-bit fields stay aligned
	words := make([]uint64, (size+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &memoryRegion{words: words, data: data}
}

func (r *memoryRegion) Bytes() []byte { return r.data }

func (r *memoryRegion) Close() error {
	r.data = nil
	r.words = nil
	return nil
}

// fileRegion is a MAP_SHARED mapping of the state file, visible to every
// process that maps the same path.
type fileRegion struct {
	file *os.File
	data []byte
}

func mapFile(file *os.File, size int) (*fileRegion, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap state file: %w", err)
	}
	return &fileRegion{file: file, data: data}, nil
}

func (r *fileRegion) Bytes() []byte { return r.data }

func (r *fileRegion) Close() error {
	var err error
	if r.data != nil {
		if unmapErr := unix.Munmap(r.data); unmapErr != nil {
			err = unmapErr
		}
		r.data = nil
	}
	if r.file != nil {
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		r.file = nil
	}
	return err
}

// createFileRegion builds the file under a temporary name and renames it into
// place once it has its final size, so a concurrently starting reader never
// maps a truncated file.
func createFileRegion(path string, size int) (*fileRegion, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp state file: %w", err)
	}

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("truncate state file: %w", err)
	}

	region, err := mapFile(file, size)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	return region, nil
}

func commitFileRegion(path string) error {
	if err := os.Rename(path+".tmp", path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func openFileRegion(path string) (*fileRegion, error) {
	file, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat state file: %w", err)
	}
	if info.Size() < headerSize {
		file.Close()
		return nil, fmt.Errorf("%w: file is %d bytes", ErrInvalidLayout, info.Size())
	}

	region, err := mapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, err
	}
	return region, nil
}
