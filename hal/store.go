package hal

import (
	"encoding/binary"
	"os"
	"sync"
)

// FileStore keeps the persistent word in a tiny file, eight bytes
// little-endian, rewritten whole on every save.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Load() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil || len(b) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (s *FileStore) Save(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return os.WriteFile(s.path, b[:], 0o644)
}

// MemStore is Store for tests.
type MemStore struct {
	mu  sync.Mutex
	v   uint64
	set bool
}

func (s *MemStore) Load() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, s.set
}

func (s *MemStore) Save(v uint64) error {
	s.mu.Lock()
	s.v, s.set = v, true
	s.mu.Unlock()
	return nil
}
