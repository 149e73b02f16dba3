package proc

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
)

// Errors of process management.
var (
	ErrNoSuchProcess = errors.New("no such process")
	ErrTerminated    = errors.New("process already terminated")
)

// Disowner takes frames away from a dead owner.
type Disowner interface {
	Disown(owner vm.PID) int
}

// A Table holds every process and runs them one at a time.
type Table struct {
	spaces *mm.Manager
	frames Disowner
	log    logrus.FieldLogger

	procs   *btree.BTreeG[*Process]
	ready   []*Process
	current *Process
	idle    *mm.AddressSpace
	nextPID vm.PID
}

func byPID(a, b *Process) bool {
	return a.pid < b.pid
}

// Idle returns the address space active while no process runs.
func (t *Table) Idle() *mm.AddressSpace {
	return t.idle
}

// Current returns the running process, or nil when the CPU idles.
func (t *Table) Current() fault.Task {
	if t.current == nil {
		return nil
	}

	return t.current
}

// Running returns the running process, or nil.
func (t *Table) Running() *Process {
	return t.current
}

// Lookup finds a process by ID, terminated ones included.
func (t *Table) Lookup(pid vm.PID) (*Process, bool) {
	return t.procs.Get(&Process{pid: pid})
}

// Processes lists every process in PID order.
func (t *Table) Processes() []*Process {
	list := make([]*Process, 0, t.procs.Len())
	t.procs.Ascend(func(p *Process) bool {
		list = append(list, p)
		return true
	})

	return list
}

// Spawn creates a process with an empty address space. It becomes ready.
func (t *Table) Spawn() (*Process, error) {
	pid := t.allocPID()

	space, err := t.spaces.New(pid)
	if err != nil {
		return nil, err
	}

	p := &Process{pid: pid, space: space}
	t.admit(p)

	t.log.WithField("pid", pid).Info("process spawned")

	return p, nil
}

// Fork creates a child of parent with a duplicate of its address space.
func (t *Table) Fork(parent *Process) (*Process, error) {
	if parent.state == StateTerminated {
		return nil, ErrTerminated
	}

	pid := t.allocPID()

	space, err := t.spaces.Duplicate(parent.space, pid)
	if err != nil {
		return nil, fmt.Errorf("fork of pid %d: %w", parent.pid, err)
	}

	p := &Process{pid: pid, parent: parent, space: space}
	t.admit(p)

	t.log.WithFields(logrus.Fields{
		"pid":    pid,
		"parent": parent.pid,
	}).Info("process forked")

	return p, nil
}

func (t *Table) allocPID() vm.PID {
	t.nextPID++
	return t.nextPID
}

func (t *Table) admit(p *Process) {
	p.state = StateReady
	t.procs.ReplaceOrInsert(p)
	t.ready = append(t.ready, p)
}

// Deliver posts sig to the process behind task.
func (t *Table) Deliver(task fault.Task, sig syscall.Signal) {
	p, ok := t.Lookup(task.PID())
	if !ok || p.state == StateTerminated {
		return
	}

	p.pending = append(p.pending, sig)

	t.log.WithFields(logrus.Fields{
		"pid":    p.pid,
		"signal": sig,
	}).Debug("signal delivered")
}

// Schedule switches to the next ready process. A process with SIGSEGV
// pending is terminated instead of being run.
func (t *Table) Schedule() {
	if prev := t.current; prev != nil {
		t.current = nil
		if prev.state == StateRunning {
			prev.state = StateReady
			t.ready = append(t.ready, prev)
		}
	}

	var dead []*Process
	for len(t.ready) > 0 {
		next := t.ready[0]
		t.ready = t.ready[1:]

		if next.segfaulted() {
			dead = append(dead, next)
			continue
		}

		t.run(next)
		break
	}

	if t.current == nil {
		t.mustActivate(t.idle)
	}

	for _, p := range dead {
		t.terminate(p, 128+int(syscall.SIGSEGV))
	}
}

// SwitchTo runs p right away, putting the running process back in line.
func (t *Table) SwitchTo(p *Process) error {
	if p.state == StateTerminated {
		return ErrTerminated
	}

	if p == t.current {
		return nil
	}

	for i, r := range t.ready {
		if r == p {
			t.ready = append(t.ready[:i:i], t.ready[i+1:]...)
			break
		}
	}

	if prev := t.current; prev != nil {
		prev.state = StateReady
		t.ready = append(t.ready, prev)
	}

	t.run(p)

	return nil
}

func (t *Table) run(p *Process) {
	p.state = StateRunning
	t.current = p
	t.mustActivate(p.space)
}

func (t *Table) mustActivate(as *mm.AddressSpace) {
	if err := t.spaces.Activate(as); err != nil {
		panic(fmt.Sprintf("activating pid %d: %v", as.PID(), err))
	}
}

// HandleTimer preempts the running process.
func (t *Table) HandleTimer() {
	t.Schedule()
}

// Exit terminates p with code.
func (t *Table) Exit(p *Process, code int) error {
	if p.state == StateTerminated {
		return ErrTerminated
	}

	if p == t.current {
		t.current = nil
		t.Schedule()
	} else {
		t.unqueue(p)
	}

	t.terminate(p, code)

	return nil
}

func (t *Table) unqueue(p *Process) {
	for i, r := range t.ready {
		if r == p {
			t.ready = append(t.ready[:i], t.ready[i+1:]...)
			return
		}
	}
}

// terminate releases the memory of p. Frames it allocated that a
// descendant still maps are handed to the kernel.
func (t *Table) terminate(p *Process, code int) {
	p.state = StateTerminated
	p.exitCode = code

	err := t.spaces.Destroy(p.space)
	if err != nil {
		t.log.WithError(err).WithField("pid", p.pid).
			Error("destroying address space")
	}

	p.space = nil
	kept := t.frames.Disown(p.pid)

	t.log.WithFields(logrus.Fields{
		"pid":    p.pid,
		"code":   code,
		"shared": kept,
	}).Info("process terminated")
}

func (p *Process) segfaulted() bool {
	for _, sig := range p.pending {
		if sig == syscall.SIGSEGV {
			return true
		}
	}
	return false
}
