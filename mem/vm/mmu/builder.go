package mmu

import (
	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/sim"
)

// A Builder can build MMU component
type Builder struct {
	storage    *physmem.Storage
	tlb        tlb.TLB
	ids        sim.IDGenerator
	maxRetries int
}

// MakeBuilder creates a new builder
func MakeBuilder() Builder {
	return Builder{
		maxRetries: 3,
	}
}

// WithStorage sets the physical memory that the MMU reads page tables and
// data from.
func (b Builder) WithStorage(s *physmem.Storage) Builder {
	b.storage = s
	return b
}

// WithTLB sets the translation cache. A 64-entry TLB is used by default.
func (b Builder) WithTLB(t tlb.TLB) Builder {
	b.tlb = t
	return b
}

// WithIDGenerator sets how trap IDs are generated.
func (b Builder) WithIDGenerator(g sim.IDGenerator) Builder {
	b.ids = g
	return b
}

// WithMaxRetries sets how many times an access is retried after its fault
// was resolved before the access is abandoned.
func (b Builder) WithMaxRetries(n int) Builder {
	b.maxRetries = n
	return b
}

// Build returns a newly created MMU
func (b Builder) Build(name string) *Comp {
	if b.storage == nil {
		panic("MMU requires a storage")
	}

	c := &Comp{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		storage:      b.storage,
		tlb:          b.tlb,
		ids:          b.ids,
		maxRetries:   b.maxRetries,
	}

	if c.tlb == nil {
		c.tlb = tlb.MakeBuilder().WithNumWays(64).Build(name + ".TLB")
	}

	if c.ids == nil {
		c.ids = sim.NewSequentialIDGenerator()
	}

	return c
}
