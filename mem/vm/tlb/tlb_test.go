package tlb

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmcore/mem/vm/tlb/internal"
)

var _ = Describe("TLB", func() {
	var (
		mockCtrl *gomock.Controller
		tlb      *Comp
		set      *MockSet
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		set = NewMockSet(mockCtrl)

		tlb = MakeBuilder().Build("TLB")
		tlb.Sets = []internal.Set{set}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("hit", func() {
		It("should visit the way and return the entry", func() {
			entry := Translation{VPN: 0x400, Frame: 7, Writable: true}
			set.EXPECT().Lookup(uint32(0x400)).Return(3, entry, true)
			set.EXPECT().Visit(3)

			got, found := tlb.Lookup(0x400123)

			Expect(found).To(BeTrue())
			Expect(got).To(Equal(entry))
			Expect(tlb.Stats().Hits).To(Equal(uint64(1)))
		})
	})

	Context("miss", func() {
		It("should report a miss", func() {
			set.EXPECT().Lookup(uint32(0x400)).Return(0, Translation{}, false)

			_, found := tlb.Lookup(0x400000)

			Expect(found).To(BeFalse())
			Expect(tlb.Stats().Misses).To(Equal(uint64(1)))
		})
	})

	Context("insert", func() {
		It("should evict a way for a new page", func() {
			entry := Translation{VPN: 0x401, Frame: 9}
			set.EXPECT().Lookup(uint32(0x401)).Return(0, Translation{}, false)
			set.EXPECT().Evict().Return(5, true)
			set.EXPECT().Update(5, entry)
			set.EXPECT().Visit(5)

			tlb.Insert(entry)
		})

		It("should reuse the way of a cached page", func() {
			entry := Translation{VPN: 0x401, Frame: 9}
			set.EXPECT().Lookup(uint32(0x401)).Return(2, Translation{VPN: 0x401}, true)
			set.EXPECT().Update(2, entry)
			set.EXPECT().Visit(2)

			tlb.Insert(entry)
		})
	})

	It("should invalidate by page", func() {
		set.EXPECT().Invalidate(uint32(0xFFC00)).Return(true)

		tlb.Invalidate(0xFFC00FFC)

		Expect(tlb.Stats().Invalidations).To(Equal(uint64(1)))
	})

	It("should flush every set", func() {
		set.EXPECT().Reset()

		tlb.Flush()

		Expect(tlb.Stats().Flushes).To(Equal(uint64(1)))
	})
})

var _ = Describe("TLB with real sets", func() {
	var tlb *Comp

	BeforeEach(func() {
		tlb = MakeBuilder().WithNumSets(2).WithNumWays(2).Build("TLB")
	})

	It("should replace the least recently used entry of a set", func() {
		tlb.Insert(Translation{VPN: 0, Frame: 10})
		tlb.Insert(Translation{VPN: 2, Frame: 12})
		tlb.Lookup(0)
		tlb.Insert(Translation{VPN: 4, Frame: 14})

		_, found := tlb.Lookup(2 << 12)
		Expect(found).To(BeFalse())

		e, found := tlb.Lookup(0)
		Expect(found).To(BeTrue())
		Expect(e.Frame).To(BeEquivalentTo(10))

		_, found = tlb.Lookup(4 << 12)
		Expect(found).To(BeTrue())
	})

	It("should reuse an invalidated way before evicting live entries", func() {
		tlb.Insert(Translation{VPN: 0, Frame: 10})
		tlb.Insert(Translation{VPN: 2, Frame: 12})
		tlb.Invalidate(2 << 12)
		tlb.Insert(Translation{VPN: 4, Frame: 14})

		_, found := tlb.Lookup(0)
		Expect(found).To(BeTrue())
		Expect(tlb.Entries()).To(HaveLen(2))
	})

	It("should forget everything on flush", func() {
		tlb.Insert(Translation{VPN: 1, Frame: 10})
		tlb.Insert(Translation{VPN: 2, Frame: 12})

		tlb.Flush()

		Expect(tlb.Entries()).To(BeEmpty())
		_, found := tlb.Lookup(1 << 12)
		Expect(found).To(BeFalse())
	})
})
