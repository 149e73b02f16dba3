package scenario

import (
	"bytes"
	"errors"
	"syscall"

	"github.com/sarchlab/vmcore/fs"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/proc"
)

const segvExit = 128 + int(syscall.SIGSEGV)

func init() {
	register(Scenario{
		Name:        "demand-paging",
		Description: "touch every page of an anonymous mapping once",
		run:         demandPaging,
	})
	register(Scenario{
		Name:        "copy-on-write",
		Description: "fork a process and write to pages shared copy-on-write",
		run:         copyOnWrite,
	})
	register(Scenario{
		Name:        "shared-memory",
		Description: "fork a process and communicate through a write-shared page",
		run:         sharedMemory,
	})
	register(Scenario{
		Name:        "file-mapping",
		Description: "populate a private read-only mapping from a file",
		run:         fileMapping,
	})
	register(Scenario{
		Name:        "segfault",
		Description: "dereference the null page and check the process dies",
		run:         segfault,
	})
	register(Scenario{
		Name:        "guard-page",
		Description: "overrun a mapping into its guard page",
		run:         guardPage,
	})
	register(Scenario{
		Name:        "kernel-halt",
		Description: "touch unmapped kernel memory from the kernel",
		run:         kernelHalt,
	})
	register(Scenario{
		Name:        "teardown",
		Description: "fork and exit processes and check every frame comes back",
		run:         teardown,
	})
	register(Scenario{
		Name:        "preemption",
		Description: "switch between two processes on timer interrupts",
		run:         preemption,
	})
}

func demandPaging(e *env) error {
	const pages = 16

	p, err := e.spawn()
	if err != nil {
		return err
	}

	addr, err := e.mapPages(p, pages, vm.PermRW, vm.Private)
	if err != nil {
		return err
	}

	for i := uint32(0); i < pages; i++ {
		if err := e.store(addr+i*vm.PageSize, i); err != nil {
			return err
		}
	}

	for i := uint32(0); i < pages; i++ {
		if err := e.expectLoad(addr+i*vm.PageSize, i); err != nil {
			return err
		}
	}

	resident, err := e.s.Spaces().Resident(p.Space())
	if err != nil {
		return err
	}

	e.res.note("%d pages resident after touching %d", resident, pages)

	return expect(resident == pages, "%d pages resident, want %d", resident, pages)
}

func copyOnWrite(e *env) error {
	parent, err := e.spawn()
	if err != nil {
		return err
	}

	addr, err := e.mapPages(parent, 4, vm.PermRW, vm.ReadShared)
	if err != nil {
		return err
	}

	for i := uint32(0); i < 4; i++ {
		if err := e.store(addr+i*vm.PageSize, 100+i); err != nil {
			return err
		}
	}

	child, err := e.s.Procs().Fork(parent)
	if err != nil {
		return err
	}

	if err := e.switchTo(child); err != nil {
		return err
	}

	if err := e.expectLoad(addr+vm.PageSize, 101); err != nil {
		return err
	}

	before := e.s.Frames().NumUsed()
	if err := e.store(addr, 7); err != nil {
		return err
	}

	copied := e.s.Frames().NumUsed() - before
	e.res.note("child write copied %d frame(s)", copied)

	if err := e.expectLoad(addr, 7); err != nil {
		return err
	}

	if err := e.switchTo(parent); err != nil {
		return err
	}

	if err := e.expectLoad(addr, 100); err != nil {
		return err
	}

	return expect(copied == 1, "child write copied %d frames, want 1", copied)
}

func sharedMemory(e *env) error {
	parent, err := e.spawn()
	if err != nil {
		return err
	}

	addr, err := e.mapPages(parent, 1, vm.PermRW, vm.WriteShared)
	if err != nil {
		return err
	}

	if err := e.store(addr, 1); err != nil {
		return err
	}

	child, err := e.s.Procs().Fork(parent)
	if err != nil {
		return err
	}

	if err := e.switchTo(child); err != nil {
		return err
	}

	if err := e.store(addr, 2); err != nil {
		return err
	}

	if err := e.switchTo(parent); err != nil {
		return err
	}

	e.res.note("parent sees the child's write through the shared page")

	return e.expectLoad(addr, 2)
}

func fileMapping(e *env) error {
	data := make([]byte, 3*vm.PageSize)
	for i := range data {
		data[i] = byte(i / vm.PageSize)
	}

	file := fs.NewMemFile("lib.so", data)

	p, err := e.spawn()
	if err != nil {
		return err
	}

	addr, err := e.s.Spaces().Map(p.Space(), mm.MapOpts{
		Length:  2 * vm.PageSize,
		Perm:    vm.PermRead | vm.PermExec,
		Sharing: vm.Private,
		File:    file,
		Offset:  vm.PageSize,
	})
	if err != nil {
		return err
	}

	for i := uint32(0); i < 2; i++ {
		got, err := e.s.MMU().Fetch(mmu.ModeUser, addr+i*vm.PageSize, 16)
		if err != nil {
			return err
		}

		want := bytes.Repeat([]byte{byte(i + 1)}, 16)
		if !bytes.Equal(got, want) {
			return expect(false, "page %d holds %v, want %v", i, got, want)
		}
	}

	e.res.note("%s", p.Space().Maps())

	return nil
}

func segfault(e *env) error {
	baseline := e.s.Frames().NumUsed()

	p, err := e.spawn()
	if err != nil {
		return err
	}

	_, err = e.load(0x10)
	if !errors.Is(err, fault.ErrSegmentationFault) {
		return expect(false, "null dereference returned %v", err)
	}

	e.res.note("pid %d exited with %d", p.PID(), p.ExitCode())

	if err := expect(p.State() == proc.StateTerminated && p.ExitCode() == segvExit,
		"pid %d is %s with code %d", p.PID(), p.State(), p.ExitCode()); err != nil {
		return err
	}

	used := e.s.Frames().NumUsed()

	return expect(used == baseline, "%d frames in use, want %d", used, baseline)
}

func guardPage(e *env) error {
	p, err := e.spawn()
	if err != nil {
		return err
	}

	addr, err := e.mapPages(p, 2, vm.PermRW, vm.Private)
	if err != nil {
		return err
	}

	guard := addr + vm.PageSize
	if err := e.s.Spaces().Guard(p.Space(), guard); err != nil {
		return err
	}

	if err := e.store(addr, 1); err != nil {
		return err
	}

	err = e.store(guard, 1)
	if !errors.Is(err, fault.ErrSegmentationFault) {
		return expect(false, "guard page write returned %v", err)
	}

	e.res.note("overrun at 0x%08x killed pid %d", guard, p.PID())

	return expect(p.ExitCode() == segvExit, "exit code %d", p.ExitCode())
}

func kernelHalt(e *env) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		kp, ok := r.(*fault.KernelPanic)
		if !ok {
			panic(r)
		}

		e.res.Halted = true
		e.res.note("%v", kp)

		err = expect(errors.Is(kp, fault.ErrUnresolvableKernelFault),
			"halted with %v", kp)
	}()

	err = e.s.MMU().WriteU32(mmu.ModeKernel, 0xD0000000, 1)
	if errors.Is(err, fault.ErrUnresolvableKernelFault) {
		e.res.Halted = true
		e.res.note("%v", err)

		return nil
	}

	return expect(false, "kernel access to unmapped memory returned %v", err)
}

func teardown(e *env) error {
	const generations = 4

	baseline := e.s.Frames().NumUsed()

	p, err := e.spawn()
	if err != nil {
		return err
	}

	addr, err := e.mapPages(p, 2, vm.PermRW, vm.ReadShared)
	if err != nil {
		return err
	}

	for g := uint32(0); g < generations; g++ {
		if err := e.store(addr, g); err != nil {
			return err
		}

		child, err := e.s.Procs().Fork(p)
		if err != nil {
			return err
		}

		if err := e.s.Procs().Exit(p, 0); err != nil {
			return err
		}

		p = child
		if err := e.switchTo(p); err != nil {
			return err
		}

		if err := e.expectLoad(addr, g); err != nil {
			return err
		}
	}

	if err := e.s.Procs().Exit(p, 0); err != nil {
		return err
	}

	used := e.s.Frames().NumUsed()
	e.res.note("%d generations, %d frames in use at the end", generations, used)

	return expect(used == baseline, "%d frames in use, want %d", used, baseline)
}

func preemption(e *env) error {
	procs := make([]*proc.Process, 2)
	addrs := make([]uint32, 2)

	for i := range procs {
		p, err := e.s.Procs().Spawn()
		if err != nil {
			return err
		}

		procs[i] = p

		addrs[i], err = e.mapPages(p, 1, vm.PermRW, vm.Private)
		if err != nil {
			return err
		}
	}

	e.s.Procs().Schedule()

	for round := uint32(0); round < 4; round++ {
		running := e.s.Procs().Running()
		i := 0
		if running == procs[1] {
			i = 1
		}

		if err := e.store(addrs[i], round); err != nil {
			return err
		}

		e.s.MMU().RaiseTimer()

		if next := e.s.Procs().Running(); next == running {
			return expect(false, "pid %d kept the CPU", running.PID())
		}
	}

	e.res.note("%d timer interrupts", e.s.MMUStats().Timers)

	return nil
}
