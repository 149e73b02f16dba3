package mmu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/vmcore/sim"
)

// Mode is the privilege level an access is made with.
type Mode uint8

// Privilege levels.
const (
	ModeKernel Mode = iota
	ModeUser
)

func (m Mode) String() string {
	if m == ModeUser {
		return "user"
	}
	return "kernel"
}

// Access is the kind of memory access.
type Access uint8

// Access kinds.
const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}
	return "read"
}

// A Trap describes one page fault as the hardware reports it.
type Trap struct {
	ID     string
	VA     uint32
	Access Access
	Mode   Mode
	// Present is set when the fault is a protection violation on a present
	// entry rather than a missing translation.
	Present bool
	// Depth counts the faults being handled at the time of this one,
	// including itself.
	Depth int
}

func (t Trap) String() string {
	return fmt.Sprintf("#PF(%s %s 0x%08x present=%v depth=%d)",
		t.Mode, t.Access, t.VA, t.Present, t.Depth)
}

// A FaultHandler resolves page faults. Returning nil means the access can
// be retried.
type FaultHandler interface {
	HandleFault(trap Trap) error
}

// A TimerHandler receives timer interrupts.
type TimerHandler interface {
	HandleTimer()
}

// HookPosTrap is triggered before a trap is handed to the fault handler.
// The item is the Trap.
var HookPosTrap = &sim.HookPos{Name: "Trap"}

// Errors reported by memory accesses.
var (
	ErrNoFaultHandler = errors.New("page fault with no fault handler")
	ErrRetryLimit     = errors.New("access still faults after resolution")
)

// An AccessError is returned when an access is abandoned because of a page
// fault.
type AccessError struct {
	Trap Trap
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %v", e.Trap, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}
