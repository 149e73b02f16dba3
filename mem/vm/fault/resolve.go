package fault

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
)

// classify picks the resolution path. Every path either resolves the
// context or leaves the reason in ctx.Err.
func (e *Engine) classify(ctx *Info) {
	if ctx.Prior.IsGuardian() {
		ctx.Path = PathGuardian
		ctx.Err = errRegionOverrun

		return
	}

	if ctx.KernelVMFault && ctx.KernelAccess {
		e.resolveKernel(ctx)
		return
	}

	if ctx.Space != nil {
		ctx.Region, _ = ctx.Space.FindRegion(ctx.FaultVA)
	}

	if ctx.Region == nil {
		ctx.Path = PathVoid
		ctx.Err = errNoRegion

		return
	}

	switch {
	case ctx.Prior.Present():
		e.resolveConflict(ctx)
	case !ctx.Prior.IsNull():
		ctx.Path = PathUnpopulated
		ctx.Err = errUnpopulated
	case ctx.Region.Anonymous():
		e.resolveAnonymous(ctx)
	default:
		e.resolveFile(ctx)
	}
}

// resolveKernel handles kernel accesses to kernel space. Only page-table
// slots are populated on demand; the new table is persistent.
func (e *Engine) resolveKernel(ctx *Info) {
	ctx.Path = PathKernel

	if !pagetable.InMountRange(ctx.FaultVA) || !ctx.Prealloc.Valid() {
		ctx.Err = errKernelMapping
		return
	}

	ctx.resolve(ctx.Resolving, 0)
	e.frames.SetAttr(ctx.Prealloc, pmm.AttrPersistent)
}

// resolveConflict handles a protection violation on a present entry, which
// is legitimate only for a write to a copy-on-write page of a writable
// region.
func (e *Engine) resolveConflict(ctx *Info) {
	ctx.Path = PathCopyOnWrite

	pte := ctx.Prior
	if !pte.User() || !pte.IsCOW() {
		ctx.Err = errNotCopyOnWrite
		return
	}

	if !ctx.Region.Writable() {
		ctx.Err = errReadOnly
		return
	}

	frame, err := e.frames.Allocate(ctx.PID(), 0)
	if err != nil {
		ctx.Err = err
		return
	}

	err = e.frames.Copy(frame, pte.Frame())
	if err != nil {
		e.frames.Free(frame)
		ctx.Err = err

		return
	}

	e.frames.Free(pte.Frame())

	ctx.resolve(pte.WithFrame(frame).MkWritable(), NoPrealloc)
}

func (e *Engine) resolveAnonymous(ctx *Info) {
	ctx.Path = PathAnonymous
	ctx.resolve(ctx.Resolving.WithProt(ctx.Region.Prot()), 0)
}

// resolveFile fills the pre-allocated frame from the file backing the
// region.
func (e *Engine) resolveFile(ctx *Info) {
	ctx.Path = PathFile

	r := ctx.Region

	reader, ok := r.File.(vm.PageReader)
	if !ok {
		ctx.Err = fmt.Errorf("%s cannot populate pages", r.File.Name())
		return
	}

	page := vm.AlignDown(ctx.FaultVA)

	err := reader.ReadPage(e.cpu.KernelWriter(), page, r.FileOffset(page))
	if err != nil {
		ctx.Err = fmt.Errorf("populating 0x%08x from %s: %w",
			page, r.File.Name(), err)
		return
	}

	ctx.resolve(ctx.Resolving.WithProt(r.Prot()), 0)
}
