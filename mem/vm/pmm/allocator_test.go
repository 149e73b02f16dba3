package pmm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
)

var _ = Describe("Allocator", func() {
	var (
		storage   *physmem.Storage
		allocator *pmm.Allocator
	)

	BeforeEach(func() {
		storage = physmem.NewStorage(8 * vm.PageSize)
		allocator = pmm.MakeBuilder().
			WithStorage(storage).
			WithReservedFrames(2).
			Build()
	})

	It("should hand out frames above the reserved ones, lowest first", func() {
		f, err := allocator.Allocate(3, 0)

		Expect(err).ToNot(HaveOccurred())
		Expect(f).To(Equal(vm.Frame(2)))
		Expect(allocator.RefCount(f)).To(Equal(uint32(1)))
		Expect(allocator.Owner(f)).To(Equal(vm.PID(3)))
		Expect(allocator.NumUsed()).To(Equal(1))
		Expect(allocator.NumFree()).To(Equal(5))
		Expect(allocator.NumReserved()).To(Equal(2))
		Expect(allocator.NumUsed() + allocator.NumFree() + allocator.NumReserved()).
			To(Equal(allocator.NumFrames()))
	})

	It("should zero-fill a reused frame", func() {
		f, _ := allocator.Allocate(1, 0)
		Expect(storage.Write(f.Addr(), []byte{1, 2, 3})).To(Succeed())
		allocator.Free(f)

		g, _ := allocator.Allocate(1, 0)
		Expect(g).To(Equal(f))

		data, _ := storage.Read(g.Addr(), 3)
		Expect(data).To(Equal([]byte{0, 0, 0}))
	})

	It("should free exactly when the last reference is dropped", func() {
		f, _ := allocator.Allocate(1, 0)
		allocator.Ref(f)
		allocator.Ref(f)

		Expect(allocator.Free(f)).To(BeFalse())
		Expect(allocator.Free(f)).To(BeFalse())
		Expect(allocator.RefCount(f)).To(Equal(uint32(1)))
		Expect(allocator.Free(f)).To(BeTrue())
		Expect(allocator.RefCount(f)).To(BeZero())
		Expect(allocator.NumUsed()).To(BeZero())
	})

	It("should panic on double free", func() {
		f, _ := allocator.Allocate(1, 0)
		allocator.Free(f)

		Expect(func() { allocator.Free(f) }).To(Panic())
	})

	It("should refuse to touch reserved frames", func() {
		Expect(func() { allocator.Ref(vm.NoFrame) }).To(Panic())
		Expect(func() { allocator.Free(1) }).To(Panic())
	})

	It("should run out of frames", func() {
		for i := 0; i < 6; i++ {
			_, err := allocator.Allocate(1, 0)
			Expect(err).ToNot(HaveOccurred())
		}

		_, err := allocator.Allocate(1, 0)
		Expect(err).To(MatchError(pmm.ErrOutOfFrames))
	})

	It("should keep attributes", func() {
		f, _ := allocator.Allocate(1, 0)
		allocator.SetAttr(f, pmm.AttrPersistent)

		Expect(allocator.Attr(f)).To(Equal(pmm.AttrPersistent))
	})

	It("should copy frame content", func() {
		src, _ := allocator.Allocate(1, 0)
		dst, _ := allocator.Allocate(1, 0)
		Expect(storage.Write(src.Addr()+100, []byte{9})).To(Succeed())

		Expect(allocator.Copy(dst, src)).To(Succeed())

		data, _ := storage.Read(dst.Addr()+100, 1)
		Expect(data).To(Equal([]byte{9}))
	})

	It("should give the frames of a dead owner to the kernel", func() {
		a, _ := allocator.Allocate(4, 0)
		allocator.Allocate(5, 0)
		allocator.Allocate(4, pmm.AttrPersistent)

		Expect(allocator.Disown(4)).To(Equal(2))
		Expect(allocator.Owner(a)).To(Equal(vm.KernelPID))

		owned := allocator.InUse(func(fi pmm.FrameInfo) bool {
			return fi.Owner == 5
		})
		Expect(owned).To(HaveLen(1))
	})
})
