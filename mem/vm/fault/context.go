package fault

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/region"
)

// Outcome flags set by a resolution path.
type Outcome uint8

// Outcomes.
const (
	// Resolved means the resolving entry can be committed.
	Resolved Outcome = 1 << iota
	// NoPrealloc means the path did not use the pre-allocated frame.
	NoPrealloc
)

// Path names the way a fault was classified.
type Path uint8

// Paths.
const (
	PathNone Path = iota
	PathNullPage
	PathGuardian
	PathKernel
	PathVoid
	PathCopyOnWrite
	PathAnonymous
	PathFile
	PathUnpopulated
)

var pathNames = [...]string{
	PathNone:        "none",
	PathNullPage:    "null-page",
	PathGuardian:    "guardian",
	PathKernel:      "kernel",
	PathVoid:        "void",
	PathCopyOnWrite: "copy-on-write",
	PathAnonymous:   "anonymous",
	PathFile:        "file",
	PathUnpopulated: "unpopulated",
}

func (p Path) String() string {
	if int(p) < len(pathNames) {
		return pathNames[p]
	}
	return fmt.Sprintf("path(%d)", uint8(p))
}

// An Info carries one fault through the engine. Hooks receive it by
// pointer and must not keep it after they return.
type Info struct {
	ID   string
	Trap mmu.Trap

	// FaultVA is the address the MMU reported.
	FaultVA uint32
	// SlotVA is where the leaf entry translating FaultVA is visible in the
	// self window.
	SlotVA uint32
	// Prior is the leaf entry as found.
	Prior pagetable.PTE
	// Resolving is the entry Commit installs.
	Resolving pagetable.PTE
	// RefVA is the address the faulting access is about. It differs from
	// FaultVA on page-table slot faults.
	RefVA uint32

	Region *region.Region
	Space  *mm.AddressSpace
	Task   Task

	PtepFault     bool
	RemoteFault   bool
	KernelVMFault bool
	KernelAccess  bool

	// Prealloc is the frame attached to a null slot before classification.
	Prealloc vm.Frame

	Outcome Outcome
	Path    Path
	// Err is why the fault could not be resolved.
	Err error

	masked bool
	tables []preparedTable
}

type preparedTable struct {
	level int
	frame vm.Frame
}

// IsResolved tells whether a path resolved the fault.
func (c *Info) IsResolved() bool {
	return c.Outcome&Resolved != 0
}

// PID returns the process charged with the fault.
func (c *Info) PID() vm.PID {
	if c.Task == nil {
		return vm.KernelPID
	}

	return c.Task.PID()
}

func (c *Info) resolve(pte pagetable.PTE, outcome Outcome) {
	c.Resolving = pte
	c.Outcome |= Resolved | outcome
}

func (c *Info) String() string {
	return fmt.Sprintf("fault %s pid %d va 0x%08x ref 0x%08x %s",
		c.ID, c.PID(), c.FaultVA, c.RefVA, c.Path)
}
