package fault

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"

	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
	"github.com/sarchlab/vmcore/sim"
)

type pageFile struct {
	name    string
	content []byte
	err     error
	onRead  func()
}

func (f *pageFile) Name() string { return f.name }

func (f *pageFile) ReadPage(w vm.PageWriter, va uint32, offset uint64) error {
	if f.onRead != nil {
		f.onRead()
	}

	if f.err != nil {
		return f.err
	}

	page := make([]byte, vm.PageSize)
	if offset < uint64(len(f.content)) {
		copy(page, f.content[offset:])
	}

	return w.Write(va, page)
}

type timerFunc func()

func (f timerFunc) HandleTimer() { f() }

type namedFile string

func (f namedFile) Name() string { return string(f) }

var _ = Describe("Engine", func() {
	var (
		mockCtrl  *gomock.Controller
		storage   *physmem.Storage
		cpu       *mmu.Comp
		frames    *pmm.Allocator
		mounts    *mount.Manager
		spaces    *mm.Manager
		scheduler *MockScheduler
		signaler  *MockSignaler
		halter    *MockHalter
		task      *MockTask
		logHook   *test.Hook
		engine    *Engine
		as        *mm.AddressSpace
	)

	mapAnon := func(length uint32, perm vm.Perm, sharing vm.Sharing) uint32 {
		addr, err := spaces.Map(as, mm.MapOpts{
			Length:  length,
			Perm:    perm,
			Sharing: sharing,
		})
		Expect(err).ToNot(HaveOccurred())

		return addr
	}

	leaf := func(space *mm.AddressSpace, va uint32) pagetable.PTE {
		pte, err := spaces.Translate(space, va)
		Expect(err).ToNot(HaveOccurred())

		return pte
	}

	expectSegfault := func() {
		signaler.EXPECT().Deliver(task, unix.SIGSEGV)
		scheduler.EXPECT().Schedule()
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		scheduler = NewMockScheduler(mockCtrl)
		signaler = NewMockSignaler(mockCtrl)
		halter = NewMockHalter(mockCtrl)
		task = NewMockTask(mockCtrl)

		var logger *logrus.Logger
		logger, logHook = test.NewNullLogger()

		storage = physmem.NewStorage(256 * vm.PageSize)
		frames = pmm.MakeBuilder().WithStorage(storage).Build()
		cpu = mmu.MakeBuilder().WithStorage(storage).Build("CPU")
		mounts = mount.NewManager(cpu)
		spaces = mm.MakeBuilder().
			WithStorage(storage).
			WithCPU(cpu).
			WithMounts(mounts).
			WithFrames(frames).
			WithLogger(logger).
			Build()

		engine = MakeBuilder().
			WithCPU(cpu).
			WithMounts(mounts).
			WithFrames(frames).
			WithScheduler(scheduler).
			WithSignaler(signaler).
			WithHalter(halter).
			WithLogger(logger).
			Build("PageFault")
		cpu.RegisterFaultHandler(engine)

		var err error
		as, err = spaces.New(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(spaces.Activate(as)).To(Succeed())

		task.EXPECT().PID().Return(vm.PID(1)).AnyTimes()
		task.EXPECT().Space().DoAndReturn(func() *mm.AddressSpace {
			return as
		}).AnyTimes()
		scheduler.EXPECT().Current().Return(task).AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should create missing leaf tables for kernel slot writes", func() {
		addr := mapAnon(2*vm.PageSize, vm.PermRW, vm.Private)

		Expect(addr).To(Equal(pagetable.UserStart))
		Expect(leaf(as, addr)).To(Equal(pagetable.FlagUser | pagetable.FlagWrite))

		pde, err := mounts.Self().ReadPTE(addr, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(pde.Present()).To(BeTrue())
		Expect(pde.Prot()).To(Equal(pagetable.UserData))
		Expect(frames.Attr(pde.Frame())).To(Equal(pmm.AttrPersistent))
		Expect(cpu.Depth()).To(Equal(0))
		Expect(cpu.InterruptsMasked()).To(BeFalse())
	})

	It("should populate anonymous pages on first touch", func() {
		addr := mapAnon(2*vm.PageSize, vm.PermRW, vm.Private)
		used := frames.NumUsed()

		Expect(cpu.WriteU32(mmu.ModeUser, addr+0x10, 0xdeadbeef)).To(Succeed())

		v, err := cpu.ReadU32(mmu.ModeUser, addr+0x10)
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint32(0xdeadbeef)))

		pte := leaf(as, addr)
		Expect(pte.Present()).To(BeTrue())
		Expect(pte.Prot()).To(Equal(pagetable.UserData))
		Expect(frames.RefCount(pte.Frame())).To(Equal(uint32(1)))
		Expect(frames.Attr(pte.Frame())).To(Equal(pmm.Attr(0)))
		Expect(frames.NumUsed()).To(Equal(used + 1))
		Expect(leaf(as, addr+vm.PageSize).Present()).To(BeFalse())
	})

	It("should map read-only anonymous pages without write permission", func() {
		addr := mapAnon(vm.PageSize, vm.PermRead, vm.Private)

		data, err := cpu.Read(mmu.ModeUser, addr, 4)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{0, 0, 0, 0}))

		pte := leaf(as, addr)
		Expect(pte.Prot()).To(Equal(pagetable.FlagPresent | pagetable.FlagUser))
	})

	It("should fill file-backed pages from the file offset", func() {
		content := make([]byte, 3*vm.PageSize)
		content[2*vm.PageSize+5] = 0x42
		file := &pageFile{name: "data.bin", content: content}

		addr, err := spaces.Map(as, mm.MapOpts{
			Length: 2 * vm.PageSize,
			Perm:   vm.PermRead,
			File:   file,
			Offset: vm.PageSize,
		})
		Expect(err).ToNot(HaveOccurred())

		data, err := cpu.Read(mmu.ModeUser, addr+vm.PageSize+5, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{0x42}))
		Expect(leaf(as, addr+vm.PageSize).Prot()).
			To(Equal(pagetable.FlagPresent | pagetable.FlagUser))
	})

	It("should defer timer interrupts until the fault is resolved", func() {
		var masked []bool
		ticks := 0
		cpu.RegisterTimerHandler(timerFunc(func() {
			ticks++
		}))

		file := &pageFile{name: "data.bin"}
		file.onRead = func() {
			masked = append(masked, cpu.InterruptsMasked())
			cpu.RaiseTimer()
			masked = append(masked, ticks == 0)
		}

		addr, err := spaces.Map(as, mm.MapOpts{
			Length: vm.PageSize,
			Perm:   vm.PermRead,
			File:   file,
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = cpu.Read(mmu.ModeUser, addr, 1)

		Expect(err).ToNot(HaveOccurred())
		Expect(masked).To(Equal([]bool{true, true}))
		Expect(ticks).To(Equal(1))
	})

	It("should restore the slot when a file cannot be read", func() {
		file := &pageFile{name: "broken", err: errors.New("io error")}
		addr, err := spaces.Map(as, mm.MapOpts{
			Length: vm.PageSize,
			Perm:   vm.PermRead,
			File:   file,
		})
		Expect(err).ToNot(HaveOccurred())
		used := frames.NumUsed()

		expectSegfault()

		_, err = cpu.Read(mmu.ModeUser, addr, 4)

		Expect(err).To(MatchError(ErrSegmentationFault))
		Expect(leaf(as, addr)).To(Equal(pagetable.FlagUser))
		Expect(frames.NumUsed()).To(Equal(used))
		Expect(cpu.InterruptsMasked()).To(BeFalse())
		Expect(logHook.LastEntry().Message).To(Equal("segmentation fault"))
		Expect(logHook.LastEntry().Data["path"]).To(Equal(PathFile))
	})

	It("should reject the null page", func() {
		expectSegfault()

		_, err := cpu.Read(mmu.ModeUser, 0x10, 4)

		Expect(err).To(MatchError(ErrSegmentationFault))
		Expect(logHook.LastEntry().Data["path"]).To(Equal(PathNullPage))
	})

	It("should fail accesses outside every region without leaking tables", func() {
		used := frames.NumUsed()
		expectSegfault()

		_, err := cpu.Read(mmu.ModeUser, 0x10000000, 4)

		Expect(err).To(MatchError(ErrSegmentationFault))
		Expect(frames.NumUsed()).To(Equal(used))
		Expect(logHook.LastEntry().Data["path"]).To(Equal(PathVoid))

		pde, err := mounts.Self().ReadPTE(0x10000000, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(pde).To(Equal(pagetable.PTE(0)))
	})

	It("should stop at guard pages", func() {
		addr := mapAnon(2*vm.PageSize, vm.PermRW, vm.Private)
		Expect(spaces.Guard(as, addr)).To(Succeed())
		expectSegfault()

		err := cpu.Write(mmu.ModeUser, addr, []byte{1})

		Expect(err).To(MatchError(ErrSegmentationFault))
		Expect(leaf(as, addr).IsGuardian()).To(BeTrue())
		Expect(logHook.LastEntry().Data["path"]).To(Equal(PathGuardian))
	})

	It("should refuse writes to read-only regions", func() {
		addr := mapAnon(vm.PageSize, vm.PermRead, vm.Private)
		_, err := cpu.Read(mmu.ModeUser, addr, 1)
		Expect(err).ToNot(HaveOccurred())
		expectSegfault()

		err = cpu.Write(mmu.ModeUser, addr, []byte{1})

		Expect(err).To(MatchError(ErrSegmentationFault))
		Expect(logHook.LastEntry().Data["path"]).To(Equal(PathCopyOnWrite))
	})

	It("should copy read-shared pages on write after fork", func() {
		addr := mapAnon(vm.PageSize, vm.PermRW, vm.ReadShared)
		Expect(cpu.WriteU32(mmu.ModeUser, addr, 7)).To(Succeed())
		shared := leaf(as, addr).Frame()

		child, err := spaces.Duplicate(as, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(leaf(as, addr).IsCOW()).To(BeTrue())
		Expect(frames.RefCount(shared)).To(Equal(uint32(2)))

		Expect(cpu.WriteU32(mmu.ModeUser, addr, 8)).To(Succeed())

		mine := leaf(as, addr)
		Expect(mine.Frame()).ToNot(Equal(shared))
		Expect(mine.Writable()).To(BeTrue())
		Expect(mine.IsCOW()).To(BeFalse())
		Expect(frames.RefCount(shared)).To(Equal(uint32(1)))

		theirs := leaf(child, addr)
		Expect(theirs.Frame()).To(Equal(shared))
		v, err := storage.Read32(shared.Addr())
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint32(7)))
	})

	It("should resolve slot faults of a mounted tree against its guest", func() {
		var remote, ref []uint32
		engine.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
			fc := ctx.Item.(*Info)
			if ctx.Pos == HookPosFaultResolved && fc.RemoteFault {
				remote = append(remote, fc.FaultVA)
				ref = append(ref, fc.RefVA)
			}
		}))

		other, err := spaces.New(2)
		Expect(err).ToNot(HaveOccurred())

		addr, err := spaces.Map(other, mm.MapOpts{
			Addr:   0x08000000,
			Length: vm.PageSize,
			Perm:   vm.PermRW,
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(addr).To(Equal(uint32(0x08000000)))
		Expect(remote).To(HaveLen(1))
		Expect(remote[0]).To(Equal(mount.SlotVA(mount.Mount1, addr, pagetable.LeafLevel)))
		Expect(ref).To(Equal([]uint32{addr}))
		Expect(leaf(other, addr)).To(Equal(pagetable.FlagUser | pagetable.FlagWrite))
		Expect(leaf(as, addr)).To(Equal(pagetable.PTE(0)))
	})

	It("should report each fault to hooks", func() {
		var positions []*sim.HookPos
		var paths []Path
		engine.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
			positions = append(positions, ctx.Pos)
			paths = append(paths, ctx.Item.(*Info).Path)
		}))

		addr := mapAnon(vm.PageSize, vm.PermRW, vm.Private)
		positions, paths = nil, nil

		Expect(cpu.WriteU32(mmu.ModeUser, addr, 1)).To(Succeed())

		Expect(positions).To(Equal([]*sim.HookPos{
			HookPosFaultStart, HookPosFaultResolved,
		}))
		Expect(paths).To(Equal([]Path{PathNone, PathAnonymous}))
	})

	It("should halt on unresolvable kernel faults", func() {
		halter.EXPECT().Halt(gomock.Any()).Do(func(err error) {
			Expect(err).To(MatchError(ErrUnresolvableKernelFault))
		})

		_, err := cpu.Read(mmu.ModeKernel, 0xD0000000, 4)

		Expect(err).To(MatchError(ErrUnresolvableKernelFault))
	})

	It("should still resolve a fault at the deepest tolerated nesting", func() {
		addr := mapAnon(vm.PageSize, vm.PermRW, vm.Private)

		err := engine.HandleFault(mmu.Trap{
			VA:     addr,
			Access: mmu.AccessWrite,
			Mode:   mmu.ModeUser,
			Depth:  MaxNestedFaults,
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(leaf(as, addr).Present()).To(BeTrue())
	})

	It("should halt on fault storms", func() {
		halter.EXPECT().Halt(gomock.Any()).Do(func(err error) {
			Expect(err).To(MatchError(ErrFaultStorm))
		})

		err := engine.HandleFault(mmu.Trap{VA: 0x400000, Depth: MaxNestedFaults + 1})

		Expect(err).To(MatchError(ErrFaultStorm))
	})

	It("should report a missing page reader", func() {
		addr := mapAnon(vm.PageSize, vm.PermRead, vm.Private)
		r, ok := as.FindRegion(addr)
		Expect(ok).To(BeTrue())
		r.File = namedFile("socket")
		expectSegfault()

		_, err := cpu.Read(mmu.ModeUser, addr, 1)

		Expect(err).To(MatchError(ErrSegmentationFault))
		Expect(logHook.LastEntry().Data["path"]).To(Equal(PathFile))
	})
})

var _ = Describe("PanicHalter", func() {
	It("should panic with a kernel panic", func() {
		Expect(func() { PanicHalter{}.Halt(ErrFaultStorm) }).
			To(PanicWith(BeAssignableToTypeOf(&KernelPanic{})))
	})
})
