package pmm

import (
	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm"
)

// A Builder can build frame allocators.
type Builder struct {
	storage  *physmem.Storage
	reserved int
}

// MakeBuilder returns a Builder that reserves frame 0 only.
func MakeBuilder() Builder {
	return Builder{reserved: 1}
}

// WithStorage sets the physical memory that the frames live in.
func (b Builder) WithStorage(s *physmem.Storage) Builder {
	b.storage = s
	return b
}

// WithReservedFrames keeps the first n frames out of the free list. At
// least frame 0 is always reserved.
func (b Builder) WithReservedFrames(n int) Builder {
	b.reserved = max(n, 1)
	return b
}

// Build creates an allocator that manages every frame of the storage.
func (b Builder) Build() *Allocator {
	if b.storage == nil {
		panic("frame allocator requires a storage")
	}

	n := b.storage.NumFrames()
	if n <= b.reserved {
		panic("storage too small for the reserved frames")
	}

	a := &Allocator{
		storage:  b.storage,
		frames:   make([]frameInfo, n),
		free:     make([]vm.Frame, 0, n-b.reserved),
		reserved: b.reserved,
	}

	for i := n - 1; i >= b.reserved; i-- {
		a.free = append(a.free, vm.Frame(i))
	}

	return a
}
