package kernel

// Arena is a fixed-block scratch allocator for directors that need
// per-invocation storage: grab a block at START, release it back at IDLE.
// All blocks are the same size and the arena never grows; exhaustion is the
// caller's ENOMEM.
type Arena struct {
	blocks [][]byte
	free   []int
}

// NewArena builds an arena of n blocks of size bytes each.
func NewArena(n, size int) *Arena {
	a := &Arena{
		blocks: make([][]byte, n),
		free:   make([]int, n),
	}
	for i := range a.blocks {
		a.blocks[i] = make([]byte, size)
		a.free[i] = i
	}
	return a
}

// Alloc hands out a zeroed block, or nil when the arena is exhausted.
func (a *Arena) Alloc() []byte {
	if len(a.free) == 0 {
		return nil
	}
	i := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	b := a.blocks[i]
	for j := range b {
		b[j] = 0
	}
	return b
}

// Release returns a block obtained from Alloc. Foreign slices are ignored.
func (a *Arena) Release(b []byte) {
	for i := range a.blocks {
		if len(b) > 0 && len(a.blocks[i]) > 0 && &a.blocks[i][0] == &b[0] {
			a.free = append(a.free, i)
			return
		}
	}
}

// Free reports how many blocks remain available.
func (a *Arena) Free() int { return len(a.free) }
