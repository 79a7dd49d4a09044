package hal

import (
	"fmt"
	"os"
	"sync"
)

// SectorBytes is the transfer unit every block driver in the cluster
// works in.
const SectorBytes = 512

// FileMedia is file-backed Media: one sector-addressed image on the host
// filesystem, sized at creation and overwrite-in-place thereafter.
type FileMedia struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenFileMedia opens (or creates) a media image. A zero-length file is
// grown to sizeBytes; an existing image keeps its size.
func OpenFileMedia(path string, sizeBytes int64) (*FileMedia, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("media open %s: %w", path, err)
	}
	size := sizeBytes
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		size = st.Size()
	} else if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("media grow %s: %w", path, err)
	}
	if size%SectorBytes != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("media %s: size %d not sector aligned", path, size)
	}
	return &FileMedia{f: f, size: size}, nil
}

func (m *FileMedia) Size() int64           { return m.size }
func (m *FileMedia) WriteBlockSize() int64 { return SectorBytes }
func (m *FileMedia) EraseBlockSize() int64 { return SectorBytes }

func (m *FileMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("media read at %d: %w", off, os.ErrInvalid)
	}
	if max := m.size - off; int64(len(p)) > max {
		p = p[:max]
	}
	return m.f.ReadAt(p, off)
}

func (m *FileMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("media write at %d: %w", off, os.ErrInvalid)
	}
	return m.f.WriteAt(p, off)
}

func (m *FileMedia) EraseBlocks(start, n int64) error {
	zero := make([]byte, SectorBytes)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := int64(0); i < n; i++ {
		off := (start + i) * SectorBytes
		if off < 0 || off+SectorBytes > m.size {
			return fmt.Errorf("media erase sector %d: %w", start+i, os.ErrInvalid)
		}
		if _, err := m.f.WriteAt(zero, off); err != nil {
			return fmt.Errorf("media erase sector %d: %w", start+i, err)
		}
	}
	return nil
}

func (m *FileMedia) Close() error { return m.f.Close() }
