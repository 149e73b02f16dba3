// Package region keeps the regions of an address space.
package region

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
)

// A Region is a contiguous, page-aligned range of virtual addresses with
// uniform attributes.
type Region struct {
	Start   uint32
	End     uint32
	Perm    vm.Perm
	Sharing vm.Sharing
	// File backs the region. Nil means anonymous memory.
	File vm.File
	// Offset is the file offset that Start maps to.
	Offset uint64
}

// Contains tells whether addr lies in [Start, End).
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// Len returns the size of the region in bytes.
func (r *Region) Len() uint32 {
	return r.End - r.Start
}

// Writable tells whether the region allows writes.
func (r *Region) Writable() bool {
	return r.Perm.Writable()
}

// Anonymous tells whether the region has no backing file.
func (r *Region) Anonymous() bool {
	return r.File == nil
}

// FileOffset returns the file offset that backs the page holding va.
func (r *Region) FileOffset(va uint32) uint64 {
	return uint64(vm.AlignDown(va)-r.Start) + r.Offset
}

// Prot returns the protection a populated page of the region gets.
func (r *Region) Prot() pagetable.PTE {
	prot := pagetable.FlagPresent | pagetable.FlagUser
	if r.Writable() {
		prot |= pagetable.FlagWrite
	}

	return prot
}

// ReservationProt returns the entry written for a page that is mapped but
// not populated yet.
func (r *Region) ReservationProt() pagetable.PTE {
	return r.Prot() &^ pagetable.FlagPresent
}

// Clone returns a copy with the same attributes.
func (r *Region) Clone() *Region {
	c := *r
	return &c
}

// Sub returns a copy restricted to [start, end), with the file offset moved
// along with the start.
func (r *Region) Sub(start, end uint32) *Region {
	c := r.Clone()
	c.Start = start
	c.End = end
	c.Offset = r.Offset + uint64(start-r.Start)

	return c
}

func (r *Region) String() string {
	kind := "anon"
	if r.File != nil {
		kind = r.File.Name()
	}

	return fmt.Sprintf("[%08x-%08x) %s %s %s+%x",
		r.Start, r.End, r.Perm, r.Sharing, kind, r.Offset)
}

// A Range is a half-open range of addresses.
type Range struct {
	Start uint32
	End   uint32
}

// Len returns the size of the range.
func (r Range) Len() uint32 {
	return r.End - r.Start
}
