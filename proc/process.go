// Package proc keeps the processes of the machine and schedules them round
// robin on its single CPU.
package proc

import (
	"fmt"
	"syscall"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mm"
)

// State is the lifecycle stage of a process.
type State uint8

// Process states.
const (
	StateReady State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// A Process is a task with its own address space.
type Process struct {
	pid      vm.PID
	parent   *Process
	space    *mm.AddressSpace
	state    State
	pending  []syscall.Signal
	exitCode int
}

// PID returns the process ID.
func (p *Process) PID() vm.PID {
	return p.pid
}

// Space returns the address space. It is nil once the process terminated.
func (p *Process) Space() *mm.AddressSpace {
	return p.space
}

// Parent returns the process that forked p, if any.
func (p *Process) Parent() *Process {
	return p.parent
}

// State returns the lifecycle stage.
func (p *Process) State() State {
	return p.state
}

// Pending returns the signals not handled yet.
func (p *Process) Pending() []syscall.Signal {
	return p.pending
}

// ExitCode returns the status the process terminated with.
func (p *Process) ExitCode() int {
	return p.exitCode
}

func (p *Process) String() string {
	return fmt.Sprintf("pid %d (%s)", p.pid, p.state)
}
