// Package mm manages address spaces: their regions, their page-table trees,
// duplication on fork, and the mmap/munmap services.
package mm

import (
	"fmt"
	"strings"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/region"
)

// An AddressSpace is the memory of one process: a set of regions and the
// page-table tree that realizes them.
type AddressSpace struct {
	pid     vm.PID
	root    vm.Frame
	regions *region.Set

	// guest is the tree currently mounted in a scratch window while this
	// space is active. Page-table faults in that window resolve against
	// the guest's regions.
	guest *AddressSpace
}

// PID returns the owner of the address space.
func (as *AddressSpace) PID() vm.PID {
	return as.pid
}

// Root returns the root frame of the tree.
func (as *AddressSpace) Root() vm.Frame {
	return as.root
}

// Regions returns the region set.
func (as *AddressSpace) Regions() *region.Set {
	return as.regions
}

// FindRegion returns the region holding va.
func (as *AddressSpace) FindRegion(va uint32) (*region.Region, bool) {
	return as.regions.Find(va)
}

// Guest returns the space whose tree is mounted for inspection, if any.
func (as *AddressSpace) Guest() *AddressSpace {
	return as.guest
}

// Destroyed tells whether the tree was torn down.
func (as *AddressSpace) Destroyed() bool {
	return !as.root.Valid()
}

// Maps lists the regions one per line, the way /proc/<pid>/maps does.
func (as *AddressSpace) Maps() string {
	var b strings.Builder

	as.regions.Ascend(func(r *region.Region) bool {
		share := 'p'
		if r.Sharing != vm.Private {
			share = 's'
		}

		name := ""
		if r.File != nil {
			name = r.File.Name()
		}

		fmt.Fprintf(&b, "%08x-%08x %s%c %08x %s\n",
			r.Start, r.End, r.Perm, share, r.Offset, name)

		return true
	})

	return b.String()
}
