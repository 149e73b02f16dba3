// Package fault resolves the page faults raised by the MMU.
//
// One fault goes through five steps. Gather works out which address the
// faulting access really refers to, which matters when the fault is on a
// page-table slot seen through a mount window. Prepare makes the slot of the
// faulting page reachable and records its prior value. Pre-allocation
// attaches a fresh frame to a null slot. Classification picks the path that
// produces the final entry. Commit installs it, or Fail rolls everything
// back and punishes the faulting task.
package fault

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/sim"
)

// MaxNestedFaults is the deepest fault nesting tolerated before the kernel
// gives up.
const MaxNestedFaults = 10

// Errors produced by the engine.
var (
	ErrFaultStorm              = errors.New("too many nested page faults")
	ErrUnresolvableKernelFault = errors.New("unresolvable page fault in kernel")
	ErrSegmentationFault       = errors.New("segmentation fault")
)

// Reasons a fault cannot be resolved. They end up in Info.Err.
var (
	errNullPage       = errors.New("access to the null page")
	errRegionOverrun  = errors.New("memory region over-running")
	errKernelMapping  = errors.New("kernel address without a mapping")
	errNoRegion       = errors.New("address outside every region")
	errNotCopyOnWrite = errors.New("protection violation on a shared page")
	errReadOnly       = errors.New("write to a read-only region")
	errUnpopulated    = errors.New("entry holds a frame but is not present")
)

// Hook positions of the engine. The item is the *Info of the fault.
var (
	HookPosFaultStart    = &sim.HookPos{Name: "FaultStart"}
	HookPosFaultResolved = &sim.HookPos{Name: "FaultResolved"}
	HookPosFaultFailed   = &sim.HookPos{Name: "FaultFailed"}
)

// A Task is the unit of execution a fault is charged to.
type Task interface {
	PID() vm.PID
	Space() *mm.AddressSpace
}

// A Scheduler knows the running task and can switch to another one.
type Scheduler interface {
	Current() Task
	Schedule()
}

// A Signaler posts signals to tasks.
type Signaler interface {
	Deliver(t Task, sig syscall.Signal)
}

// A Halter stops the kernel. Halt is not expected to return.
type Halter interface {
	Halt(err error)
}

// A KernelPanic is the value PanicHalter panics with.
type KernelPanic struct {
	Err error
}

func (p *KernelPanic) Error() string {
	return fmt.Sprintf("kernel panic: %v", p.Err)
}

func (p *KernelPanic) Unwrap() error {
	return p.Err
}

// PanicHalter halts by panicking with a *KernelPanic.
type PanicHalter struct{}

// Halt panics.
func (PanicHalter) Halt(err error) {
	panic(&KernelPanic{Err: err})
}
