// Package mmu simulates the memory management unit of a single i386 core.
package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/sim"
)

// Comp is the MMU of the simulated core. It walks the page-table tree whose
// root is loaded, caches translations in a TLB, and traps into the fault
// handler when a translation is missing or not permitted.
type Comp struct {
	*sim.HookableBase

	name       string
	storage    *physmem.Storage
	tlb        tlb.TLB
	ids        sim.IDGenerator
	maxRetries int

	root    vm.Frame
	handler FaultHandler
	timer   TimerHandler

	depth        int
	accesses     int
	irqMask      int
	pendingTimer bool

	stats Stats
}

// Stats counts MMU events.
type Stats struct {
	Walks  uint64
	Faults uint64
	Timers uint64
}

// Name returns the name of the MMU.
func (c *Comp) Name() string {
	return c.name
}

// Storage returns the physical memory behind the MMU.
func (c *Comp) Storage() *physmem.Storage {
	return c.storage
}

// TLB returns the translation cache.
func (c *Comp) TLB() tlb.TLB {
	return c.tlb
}

// Stats returns the event counters.
func (c *Comp) Stats() Stats {
	return c.stats
}

// RegisterFaultHandler sets who receives page faults.
func (c *Comp) RegisterFaultHandler(h FaultHandler) {
	c.handler = h
}

// RegisterTimerHandler sets who receives timer interrupts.
func (c *Comp) RegisterTimerHandler(h TimerHandler) {
	c.timer = h
}

// Root returns the root frame of the active tree.
func (c *Comp) Root() vm.Frame {
	return c.root
}

// SwitchRoot loads another tree and flushes the TLB.
func (c *Comp) SwitchRoot(root vm.Frame) {
	c.root = root
	c.tlb.Flush()
}

// Depth returns how many faults are being handled right now.
func (c *Comp) Depth() int {
	return c.depth
}

// InvalidatePage drops the cached translation of the page holding va.
func (c *Comp) InvalidatePage(va uint32) {
	c.tlb.Invalidate(va)
}

// InvalidateRange drops the cached translations of every page in
// [va, va+size).
func (c *Comp) InvalidateRange(va, size uint32) {
	start := vm.AlignDown(va)
	for off := uint64(0); off < uint64(size); off += vm.PageSize {
		c.tlb.Invalidate(start + uint32(off))
	}
}

// Translate maps va to a physical address. It returns a non-nil trap when
// the access is not allowed by the active tree.
func (c *Comp) Translate(va uint32, access Access, mode Mode) (uint64, *Trap) {
	if e, ok := c.tlb.Lookup(va); ok && permits(e.Writable, e.User, access, mode) {
		return e.Frame.Addr() + uint64(va&vm.PageMask), nil
	}

	if !c.root.Valid() {
		panic("translating with no page table loaded")
	}

	c.stats.Walks++

	table := c.root
	writable, user := true, true
	var entry pagetable.PTE

	for level := 0; level < pagetable.Levels; level++ {
		slot := table.Addr() + uint64(pagetable.Index(va, level))*pagetable.EntrySize

		raw, err := c.storage.Read32(slot)
		if err != nil {
			panic(fmt.Sprintf("page walk of 0x%08x read %v", va, err))
		}

		entry = pagetable.PTE(raw)
		if !entry.Present() {
			return 0, &Trap{VA: va, Access: access, Mode: mode}
		}

		writable = writable && entry.Writable()
		user = user && entry.User()
		table = entry.Frame()
	}

	if !permits(writable, user, access, mode) {
		return 0, &Trap{VA: va, Access: access, Mode: mode, Present: true}
	}

	c.tlb.Insert(tlb.Translation{
		VPN:      va >> vm.PageShift,
		Frame:    entry.Frame(),
		Writable: writable,
		User:     user,
	})

	return entry.Frame().Addr() + uint64(va&vm.PageMask), nil
}

// permits applies the protection rules with write protection enforced in
// kernel mode as well.
func permits(writable, user bool, access Access, mode Mode) bool {
	if mode == ModeUser && !user {
		return false
	}

	if access == AccessWrite && !writable {
		return false
	}

	return true
}

// Read reads n bytes at va.
func (c *Comp) Read(mode Mode, va uint32, n int) ([]byte, error) {
	buf := make([]byte, n)

	err := c.access(mode, va, n, AccessRead, func(pa uint64, off, n int) error {
		data, err := c.storage.Read(pa, uint64(n))
		if err != nil {
			return err
		}
		copy(buf[off:], data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// Write writes data at va.
func (c *Comp) Write(mode Mode, va uint32, data []byte) error {
	return c.access(mode, va, len(data), AccessWrite,
		func(pa uint64, off, n int) error {
			return c.storage.Write(pa, data[off:off+n])
		})
}

// Fetch reads n bytes at va as an instruction fetch.
func (c *Comp) Fetch(mode Mode, va uint32, n int) ([]byte, error) {
	buf := make([]byte, n)

	err := c.access(mode, va, n, AccessExec, func(pa uint64, off, n int) error {
		data, err := c.storage.Read(pa, uint64(n))
		if err != nil {
			return err
		}
		copy(buf[off:], data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadU32 reads a little-endian word.
func (c *Comp) ReadU32(mode Mode, va uint32) (uint32, error) {
	data, err := c.Read(mode, va, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(data), nil
}

// WriteU32 writes a little-endian word.
func (c *Comp) WriteU32(mode Mode, va uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	return c.Write(mode, va, buf[:])
}

// KernelWriter returns a writer that stores data with kernel privilege.
func (c *Comp) KernelWriter() vm.PageWriter {
	return kernelWriter{c}
}

type kernelWriter struct {
	c *Comp
}

func (w kernelWriter) Write(va uint32, data []byte) error {
	return w.c.Write(ModeKernel, va, data)
}

func (c *Comp) access(
	mode Mode,
	va uint32,
	length int,
	access Access,
	do func(pa uint64, off, n int) error,
) error {
	c.accesses++
	defer c.endAccess()

	off := 0
	for off < length {
		cur := va + uint32(off)
		n := min(length-off, int(vm.PageSize-cur&vm.PageMask))

		pa, err := c.translateOrFault(cur, access, mode)
		if err != nil {
			return err
		}

		err = do(pa, off, n)
		if err != nil {
			return err
		}

		off += n
	}

	return nil
}

// endAccess delivers a timer latched during the access once the outermost
// access is over. A timer never fires between a fault and the retry of the
// access that raised it.
func (c *Comp) endAccess() {
	c.accesses--
	c.deliverPendingTimer()
}

func (c *Comp) deliverPendingTimer() {
	if c.irqMask > 0 || c.accesses > 0 || !c.pendingTimer {
		return
	}

	c.pendingTimer = false
	c.deliverTimer()
}

func (c *Comp) translateOrFault(va uint32, access Access, mode Mode) (uint64, error) {
	for attempt := 0; ; attempt++ {
		pa, trap := c.Translate(va, access, mode)
		if trap == nil {
			return pa, nil
		}

		if attempt >= c.maxRetries {
			return 0, &AccessError{Trap: *trap, Err: ErrRetryLimit}
		}

		err := c.raise(trap)
		if err != nil {
			return 0, &AccessError{Trap: *trap, Err: err}
		}
	}
}

func (c *Comp) raise(trap *Trap) error {
	c.tlb.Invalidate(trap.VA)
	c.stats.Faults++

	if c.handler == nil {
		return ErrNoFaultHandler
	}

	c.depth++
	defer func() { c.depth-- }()

	trap.Depth = c.depth
	trap.ID = c.ids.Generate()

	c.InvokeHook(sim.HookCtx{
		Domain: c,
		Pos:    HookPosTrap,
		Item:   *trap,
	})

	return c.handler.HandleFault(*trap)
}

// MaskInterrupts defers timer interrupts until the matching unmask.
func (c *Comp) MaskInterrupts() {
	c.irqMask++
}

// UnmaskInterrupts releases one mask. A latched timer interrupt is
// delivered once no mask is left and no access is in flight.
func (c *Comp) UnmaskInterrupts() {
	if c.irqMask == 0 {
		panic("unbalanced interrupt unmask")
	}

	c.irqMask--
	c.deliverPendingTimer()
}

// InterruptsMasked tells whether timer interrupts are deferred.
func (c *Comp) InterruptsMasked() bool {
	return c.irqMask > 0
}

// RaiseTimer signals a timer interrupt. It is latched while interrupts are
// masked or a memory access is in flight.
func (c *Comp) RaiseTimer() {
	if c.irqMask > 0 || c.accesses > 0 {
		c.pendingTimer = true
		return
	}

	c.deliverTimer()
}

func (c *Comp) deliverTimer() {
	c.stats.Timers++
	if c.timer != nil {
		c.timer.HandleTimer()
	}
}
