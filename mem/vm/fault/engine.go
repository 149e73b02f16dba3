package fault

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
	"github.com/sarchlab/vmcore/sim"
)

var (
	errUnmountedWindow = errors.New("page-table slot in a window with nothing mounted")
	errSlotLoop        = errors.New("page-table slot does not lead out of the mount windows")
)

// CPU is the part of the processor the engine drives.
type CPU interface {
	InvalidatePage(va uint32)
	MaskInterrupts()
	UnmaskInterrupts()
	KernelWriter() vm.PageWriter
}

// Engine is the page-fault handler of the kernel.
type Engine struct {
	*sim.HookableBase

	name      string
	cpu       CPU
	mounts    *mount.Manager
	frames    pmm.FrameAllocator
	scheduler Scheduler
	signaler  Signaler
	halter    Halter
	log       logrus.FieldLogger
	maxDepth  int
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// HandleFault resolves one page fault. A nil return lets the MMU retry the
// access.
func (e *Engine) HandleFault(trap mmu.Trap) error {
	if trap.Depth > e.maxDepth {
		err := fmt.Errorf("%w: depth %d at 0x%08x",
			ErrFaultStorm, trap.Depth, trap.VA)
		e.halter.Halt(err)

		return err
	}

	ctx := &Info{
		ID:           trap.ID,
		Trap:         trap,
		FaultVA:      trap.VA,
		KernelAccess: trap.Mode == mmu.ModeKernel,
	}

	e.invokeHook(HookPosFaultStart, ctx)

	if err := e.gather(ctx); err != nil {
		ctx.Err = err
		return e.fail(ctx)
	}

	if pagetable.IsNullPage(ctx.FaultVA) {
		ctx.Path = PathNullPage
		ctx.Err = errNullPage

		return e.fail(ctx)
	}

	if err := e.prepare(ctx); err != nil {
		ctx.Err = err
		return e.fail(ctx)
	}

	if err := e.preallocate(ctx); err != nil {
		ctx.Err = err
		return e.fail(ctx)
	}

	e.classify(ctx)

	if !ctx.IsResolved() {
		return e.fail(ctx)
	}

	return e.commit(ctx)
}

// gather finds who is charged with the fault and which address the access
// is really about.
func (e *Engine) gather(ctx *Info) error {
	ctx.Task = e.scheduler.Current()
	if ctx.Task != nil {
		ctx.Space = ctx.Task.Space()
	}

	ctx.RefVA = ctx.FaultVA
	ctx.KernelVMFault = pagetable.IsKernel(ctx.FaultVA)
	ctx.SlotVA = mount.SlotVA(mount.Self, ctx.FaultVA, pagetable.LeafLevel)

	w, ok := mount.WindowOf(ctx.FaultVA)
	if !ok {
		return nil
	}

	ctx.PtepFault = true
	ctx.RemoteFault = w != mount.Self

	if ctx.RemoteFault && ctx.Space != nil {
		ctx.Space = ctx.Space.Guest()
	}

	ref := ctx.FaultVA
	for i := 0; i < pagetable.Levels && pagetable.InMountRange(ref); i++ {
		ref = mount.PTEPTarget(ref)
	}

	if pagetable.InMountRange(ref) {
		return errSlotLoop
	}

	ctx.RefVA = ref

	return nil
}

// prepare masks interrupts, makes the leaf slot of the fault address
// reachable through the self window and records its prior value.
func (e *Engine) prepare(ctx *Info) error {
	e.cpu.MaskInterrupts()
	ctx.masked = true

	self := e.mounts.Self()

	tableProt := pagetable.UserData
	if pagetable.IsKernel(ctx.RefVA) {
		tableProt = pagetable.KernelData
	}

	for level := 0; level < pagetable.LeafLevel; level++ {
		pte, err := self.ReadPTE(ctx.FaultVA, level)
		if err != nil {
			return err
		}

		if pte.Present() {
			continue
		}

		if ctx.PtepFault && level == 0 {
			return errUnmountedWindow
		}

		table, err := e.frames.Allocate(ctx.PID(), pmm.AttrPersistent)
		if err != nil {
			return err
		}

		err = self.WritePTE(ctx.FaultVA, level, pagetable.Make(table, tableProt))
		if err != nil {
			e.frames.Free(table)
			return err
		}

		ctx.tables = append(ctx.tables, preparedTable{level: level, frame: table})
	}

	prior, err := self.ReadPTE(ctx.FaultVA, pagetable.LeafLevel)
	if err != nil {
		return err
	}

	ctx.Prior = prior

	provisional := pagetable.KernelData
	if ctx.PtepFault && !pagetable.IsKernel(ctx.RefVA) {
		provisional = pagetable.UserData
	}

	ctx.Resolving = prior.WithProt(provisional)

	return nil
}

// preallocate attaches a fresh frame to a null slot so that every path
// finds a page it can fill.
func (e *Engine) preallocate(ctx *Info) error {
	if !ctx.Prior.IsNull() {
		return nil
	}

	frame, err := e.frames.Allocate(ctx.PID(), 0)
	if err != nil {
		return err
	}

	pte := ctx.Resolving.WithFrame(frame)

	err = e.mounts.Self().WritePTE(ctx.FaultVA, pagetable.LeafLevel, pte)
	if err != nil {
		e.frames.Free(frame)
		return err
	}

	ctx.Resolving = pte
	ctx.Prealloc = frame

	return nil
}

func (e *Engine) commit(ctx *Info) error {
	if ctx.Outcome&NoPrealloc != 0 && ctx.Prealloc.Valid() {
		e.frames.Free(ctx.Prealloc)
		ctx.Prealloc = vm.NoFrame
	}

	err := e.mounts.Self().WritePTE(
		ctx.FaultVA, pagetable.LeafLevel, ctx.Resolving)
	if err != nil {
		ctx.Outcome = 0
		ctx.Err = err

		return e.fail(ctx)
	}

	e.cpu.InvalidatePage(ctx.FaultVA)
	e.cpu.InvalidatePage(ctx.SlotVA)
	e.release(ctx)

	e.invokeHook(HookPosFaultResolved, ctx)

	return nil
}

// fail rolls back what the fault changed and punishes the faulting context:
// a kernel access halts the machine, a user access gets SIGSEGV.
func (e *Engine) fail(ctx *Info) error {
	if ctx.Prealloc.Valid() {
		err := e.mounts.Self().WritePTE(
			ctx.FaultVA, pagetable.LeafLevel, ctx.Prior)
		if err != nil {
			e.log.WithError(err).Error("restoring a faulting slot")
		}

		e.frames.Free(ctx.Prealloc)
		ctx.Prealloc = vm.NoFrame
	}

	e.dropPreparedTables(ctx)
	e.release(ctx)

	e.log.WithFields(logrus.Fields{
		"fault":  ctx.ID,
		"pid":    ctx.PID(),
		"va":     fmt.Sprintf("0x%08x", ctx.FaultVA),
		"access": ctx.Trap.Access,
		"mode":   ctx.Trap.Mode,
		"path":   ctx.Path,
	}).WithError(ctx.Err).Error("segmentation fault")

	e.invokeHook(HookPosFaultFailed, ctx)

	if ctx.KernelAccess {
		err := fmt.Errorf("%w: %s: %v", ErrUnresolvableKernelFault, ctx, ctx.Err)
		e.halter.Halt(err)

		return err
	}

	if ctx.Task != nil {
		e.signaler.Deliver(ctx.Task, unix.SIGSEGV)
	}

	e.scheduler.Schedule()

	return fmt.Errorf("%w: %v", ErrSegmentationFault, ctx.Err)
}

// dropPreparedTables removes the tables prepare created, deepest first.
// Nothing else can have been linked into them yet.
func (e *Engine) dropPreparedTables(ctx *Info) {
	self := e.mounts.Self()

	for i := len(ctx.tables) - 1; i >= 0; i-- {
		t := ctx.tables[i]

		err := self.WritePTE(ctx.FaultVA, t.level, 0)
		if err != nil {
			e.log.WithError(err).Error("removing a prepared table")
			continue
		}

		e.frames.Free(t.frame)
	}

	ctx.tables = nil
}

func (e *Engine) release(ctx *Info) {
	if ctx.masked {
		ctx.masked = false
		e.cpu.UnmaskInterrupts()
	}
}

func (e *Engine) invokeHook(pos *sim.HookPos, ctx *Info) {
	if e.NumHooks() == 0 {
		return
	}

	e.InvokeHook(sim.HookCtx{
		Domain: e,
		Pos:    pos,
		Item:   ctx,
	})
}
