// Package pagetable defines the i386 page-table entry format and the virtual
// memory layout of the simulated machine.
package pagetable

import (
	"fmt"
	"strings"

	"github.com/sarchlab/vmcore/mem/vm"
)

// Tree geometry. Two levels of 1024 four-byte entries.
const (
	Levels          = 2
	LevelBits       = 10
	EntrySize       = 4
	EntriesPerTable = 1 << LevelBits

	// LeafLevel is the level whose entries map data pages.
	LeafLevel = Levels - 1
)

// Shift returns how many low bits of a virtual address lie below the index
// used at level.
func Shift(level int) uint {
	return uint(vm.PageShift + LevelBits*(LeafLevel-level))
}

// Index returns the table index used to translate va at level.
func Index(va uint32, level int) uint32 {
	return (va >> Shift(level)) & (EntriesPerTable - 1)
}

// Span returns the number of bytes translated by one entry at level.
func Span(level int) uint64 {
	return 1 << Shift(level)
}

// A PTE is one 32-bit page-table entry.
type PTE uint32

// Hardware and software bits of an entry. Bits 9 to 11 are ignored by the
// hardware and are used by the kernel.
const (
	FlagPresent      PTE = 1 << 0
	FlagWrite        PTE = 1 << 1
	FlagUser         PTE = 1 << 2
	FlagWriteThrough PTE = 1 << 3
	FlagNoCache      PTE = 1 << 4
	FlagAccessed     PTE = 1 << 5
	FlagDirty        PTE = 1 << 6
	FlagHuge         PTE = 1 << 7
	FlagGlobal       PTE = 1 << 8
	FlagCOW          PTE = 1 << 9
	FlagGuardian     PTE = 1 << 10

	protMask  PTE = 0xfff
	frameMask PTE = ^protMask
)

// Protection classes.
const (
	KernelData PTE = FlagPresent | FlagWrite
	UserData   PTE = FlagPresent | FlagWrite | FlagUser
	SelfRef    PTE = FlagPresent | FlagWrite
)

// Guardian is the entry of a guard page.
const Guardian PTE = FlagGuardian

// Make builds an entry pointing at frame with the given protection.
func Make(frame vm.Frame, prot PTE) PTE {
	return PTE(uint32(frame)<<vm.PageShift) | prot&protMask
}

// Frame returns the frame the entry points to.
func (p PTE) Frame() vm.Frame {
	return vm.Frame(uint32(p&frameMask) >> vm.PageShift)
}

// Prot returns the attribute bits.
func (p PTE) Prot() PTE {
	return p & protMask
}

// Present tells whether the hardware may use the entry.
func (p PTE) Present() bool { return p&FlagPresent != 0 }

// Writable tells whether the entry allows writes.
func (p PTE) Writable() bool { return p&FlagWrite != 0 }

// User tells whether user mode may use the entry.
func (p PTE) User() bool { return p&FlagUser != 0 }

// IsCOW tells whether the entry is a copy-on-write marker.
func (p PTE) IsCOW() bool { return p&FlagCOW != 0 }

// IsGuardian tells whether the entry guards a page against over-runs.
func (p PTE) IsGuardian() bool {
	return p&FlagGuardian != 0 && !p.Present()
}

// IsNull tells whether the page was never populated: no frame, not present
// and not a guardian. A reservation written by mmap only carries protection
// bits and is still null.
func (p PTE) IsNull() bool {
	return p&frameMask == 0 && !p.Present() && !p.IsGuardian()
}

// WithFrame replaces the frame and keeps the attributes.
func (p PTE) WithFrame(frame vm.Frame) PTE {
	return Make(frame, p.Prot())
}

// WithProt replaces the attributes and keeps the frame.
func (p PTE) WithProt(prot PTE) PTE {
	return p&frameMask | prot&protMask
}

// MkWritable sets the write bit and drops the copy-on-write marker.
func (p PTE) MkWritable() PTE {
	return (p | FlagWrite) &^ FlagCOW
}

// MkReadonly clears the write bit.
func (p PTE) MkReadonly() PTE {
	return p &^ FlagWrite
}

// MkCOW marks the entry copy-on-write. Only a present entry gets the marker.
func (p PTE) MkCOW() PTE {
	if !p.Present() {
		return p
	}
	return (p | FlagCOW) &^ FlagWrite
}

func (p PTE) String() string {
	if p == 0 {
		return "null"
	}

	var flags []string
	names := []struct {
		f    PTE
		name string
	}{
		{FlagPresent, "P"}, {FlagWrite, "W"}, {FlagUser, "U"},
		{FlagAccessed, "A"}, {FlagDirty, "D"}, {FlagGlobal, "G"},
		{FlagCOW, "COW"}, {FlagGuardian, "GUARD"},
	}
	for _, n := range names {
		if p&n.f != 0 {
			flags = append(flags, n.name)
		}
	}

	return fmt.Sprintf("%08x[%s]", uint32(p.Frame()), strings.Join(flags, "|"))
}
