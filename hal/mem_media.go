package hal

import (
	"fmt"
	"os"
	"sync"
)

// MemMedia is memory-backed Media for tests and the in-process demo
// cluster.
type MemMedia struct {
	mu  sync.Mutex
	buf []byte
}

func NewMemMedia(sizeBytes int64) *MemMedia {
	if sizeBytes%SectorBytes != 0 {
		panic("hal: mem media size not sector aligned")
	}
	return &MemMedia{buf: make([]byte, sizeBytes)}
}

func (m *MemMedia) Size() int64           { return int64(len(m.buf)) }
func (m *MemMedia) WriteBlockSize() int64 { return SectorBytes }
func (m *MemMedia) EraseBlockSize() int64 { return SectorBytes }

func (m *MemMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, fmt.Errorf("media read at %d: %w", off, os.ErrInvalid)
	}
	return copy(p, m.buf[off:]), nil
}

func (m *MemMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("media write at %d: %w", off, os.ErrInvalid)
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemMedia) EraseBlocks(start, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := int64(0); i < n; i++ {
		off := (start + i) * SectorBytes
		if off < 0 || off+SectorBytes > int64(len(m.buf)) {
			return fmt.Errorf("media erase sector %d: %w", start+i, os.ErrInvalid)
		}
		clear(m.buf[off : off+SectorBytes])
	}
	return nil
}
