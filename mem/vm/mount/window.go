// Package mount exposes page-table trees as ordinary memory through the
// recursive mount windows at the top of the address space.
//
// The last entry of every root points at the root itself. With that entry
// in place, the 4 MiB window translated by a root slot shows every table of
// the tree that slot points to: the leaf entry translating va is at
// window + (va >> 12) * 4, and the root entry at
// window + (1023 << 12) + (va >> 22) * 4.
package mount

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
)

// A Window is one of the mount points.
type Window uint8

// Mount points. Self always shows the active tree. The others are scratch
// windows bound transiently to other trees.
const (
	Self Window = iota
	Mount1
	Mount2
	Mount3

	numWindows
)

// Base returns the first address of the window.
func (w Window) Base() uint32 {
	return pagetable.MountBase + uint32(numWindows-1-w)*pagetable.WindowSize
}

// RootIndex returns the root slot that backs the window.
func (w Window) RootIndex() uint32 {
	return pagetable.Index(w.Base(), 0)
}

func (w Window) String() string {
	switch w {
	case Self:
		return "SELF"
	case Mount1, Mount2, Mount3:
		return fmt.Sprintf("MOUNT%d", w)
	}
	return fmt.Sprintf("window(%d)", uint8(w))
}

// WindowOf returns the window va falls into.
func WindowOf(va uint32) (Window, bool) {
	if !pagetable.InMountRange(va) {
		return 0, false
	}

	return Window(pagetable.SelfIndex - pagetable.Index(va, 0)), true
}

// SlotVA returns the address, inside window w, of the entry that translates
// va at level.
func SlotVA(w Window, va uint32, level int) uint32 {
	idx := va >> vm.PageShift
	for l := pagetable.LeafLevel; l > level; l-- {
		idx = idx>>pagetable.LevelBits |
			pagetable.SelfIndex<<(pagetable.LevelBits*(pagetable.Levels-1))
	}

	return w.Base() + idx*pagetable.EntrySize
}

// PTEPTarget returns the page translated by the entry at ptep. Applied to a
// root slot it yields the window page showing the table that slot points
// to.
func PTEPTarget(ptep uint32) uint32 {
	return (ptep & (pagetable.WindowSize - 1)) / pagetable.EntrySize << vm.PageShift
}
