package region_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/region"
)

type namedFile string

func (f namedFile) Name() string { return string(f) }

const page = vm.PageSize

var _ = Describe("Set", func() {
	var set *region.Set

	BeforeEach(func() {
		set = region.NewSet()
	})

	bounds := func() [][2]uint32 {
		var out [][2]uint32
		for _, r := range set.Regions() {
			out = append(out, [2]uint32{r.Start, r.End})
		}
		return out
	}

	Context("find", func() {
		BeforeEach(func() {
			_, err := set.Insert(0x1000, 0x3000, vm.PermRW)
			Expect(err).ToNot(HaveOccurred())
			_, err = set.Insert(0x5000, 0x6000, vm.PermRead)
			Expect(err).ToNot(HaveOccurred())
		})

		DescribeTable("containment",
			func(addr uint32, start uint32, found bool) {
				r, ok := set.Find(addr)
				Expect(ok).To(Equal(found))
				if found {
					Expect(r.Start).To(Equal(start))
				}
			},
			Entry("below every region", uint32(0x0fff), uint32(0), false),
			Entry("first byte", uint32(0x1000), uint32(0x1000), true),
			Entry("last byte", uint32(0x2fff), uint32(0x1000), true),
			Entry("end is exclusive", uint32(0x3000), uint32(0), false),
			Entry("gap", uint32(0x4000), uint32(0), false),
			Entry("second region", uint32(0x5800), uint32(0x5000), true),
			Entry("above every region", uint32(0x7000), uint32(0), false),
		)
	})

	Context("insert", func() {
		BeforeEach(func() {
			_, err := set.Insert(0x2000, 0x4000, vm.PermRW)
			Expect(err).ToNot(HaveOccurred())
		})

		DescribeTable("overlap detection",
			func(start, end uint32, ok bool) {
				_, err := set.Insert(start, end, vm.PermRead)
				if ok {
					Expect(err).ToNot(HaveOccurred())
				} else {
					Expect(err).To(MatchError(region.ErrOverlap))
				}
			},
			Entry("touching below", uint32(0x1000), uint32(0x2000), true),
			Entry("touching above", uint32(0x4000), uint32(0x5000), true),
			Entry("crossing start", uint32(0x1000), uint32(0x3000), false),
			Entry("crossing end", uint32(0x3000), uint32(0x5000), false),
			Entry("same start", uint32(0x2000), uint32(0x3000), false),
			Entry("covering", uint32(0x1000), uint32(0x5000), false),
			Entry("inside", uint32(0x3000), uint32(0x4000), false),
		)

		It("should reject empty and unaligned ranges", func() {
			_, err := set.Insert(0x8000, 0x8000, vm.PermRead)
			Expect(err).To(MatchError(region.ErrInvalidRange))

			_, err = set.Insert(0x8000, 0x8100, vm.PermRead)
			Expect(err).To(MatchError(region.ErrInvalidRange))
		})
	})

	Context("remove range", func() {
		var r *region.Region

		BeforeEach(func() {
			r = &region.Region{
				Start:   0x10000,
				End:     0x20000,
				Perm:    vm.PermRW,
				Sharing: vm.ReadShared,
				File:    namedFile("lib.so"),
				Offset:  0x3000,
			}
			Expect(set.Add(r)).To(Succeed())
		})

		It("should delete a region fully covered", func() {
			removed := set.RemoveRange(0xf000, 0x21000)

			Expect(set.Len()).To(BeZero())
			Expect(removed).To(Equal([]region.Range{{Start: 0x10000, End: 0x20000}}))
		})

		It("should shrink from the front and move the offset", func() {
			set.RemoveRange(0x10000, 0x12000)

			Expect(bounds()).To(Equal([][2]uint32{{0x12000, 0x20000}}))
			Expect(set.Regions()[0].Offset).To(Equal(uint64(0x5000)))
		})

		It("should shrink from the back", func() {
			set.RemoveRange(0x1e000, 0x30000)

			Expect(bounds()).To(Equal([][2]uint32{{0x10000, 0x1e000}}))
			Expect(set.Regions()[0].Offset).To(Equal(uint64(0x3000)))
		})

		It("should split a region strictly containing the range", func() {
			removed := set.RemoveRange(0x14000, 0x16000)

			Expect(removed).To(Equal([]region.Range{{Start: 0x14000, End: 0x16000}}))
			Expect(bounds()).To(Equal([][2]uint32{
				{0x10000, 0x14000},
				{0x16000, 0x20000},
			}))

			left, right := set.Regions()[0], set.Regions()[1]
			Expect(left.Offset).To(Equal(uint64(0x3000)))
			Expect(right.Offset).To(Equal(uint64(0x3000 + 0x6000)))
			Expect(right.Perm).To(Equal(left.Perm))
			Expect(right.Sharing).To(Equal(left.Sharing))
			Expect(right.File).To(Equal(left.File))
		})

		It("should remove across several regions", func() {
			_, err := set.Insert(0x20000, 0x24000, vm.PermRead)
			Expect(err).ToNot(HaveOccurred())
			_, err = set.Insert(0x30000, 0x34000, vm.PermRead)
			Expect(err).ToNot(HaveOccurred())

			removed := set.RemoveRange(0x1f000, 0x32000)

			Expect(removed).To(Equal([]region.Range{
				{Start: 0x1f000, End: 0x20000},
				{Start: 0x20000, End: 0x24000},
				{Start: 0x30000, End: 0x32000},
			}))
			Expect(bounds()).To(Equal([][2]uint32{
				{0x10000, 0x1f000},
				{0x32000, 0x34000},
			}))
		})

		It("should do nothing in a gap", func() {
			Expect(set.RemoveRange(0x40000, 0x50000)).To(BeEmpty())
			Expect(set.Len()).To(Equal(1))
		})
	})

	Context("gaps", func() {
		BeforeEach(func() {
			set.Insert(0x400000, 0x402000, vm.PermRW)
			set.Insert(0x403000, 0x404000, vm.PermRW)
		})

		It("should pick the first gap that fits", func() {
			addr, ok := set.FindGap(0, page, 0x400000, 0x500000)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint32(0x402000)))
		})

		It("should skip gaps too small", func() {
			addr, ok := set.FindGap(0, 2*page, 0x400000, 0x500000)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint32(0x404000)))
		})

		It("should honor a hint inside a gap", func() {
			addr, ok := set.FindGap(0x410000, page, 0x400000, 0x500000)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint32(0x410000)))
		})

		It("should move a hint inside a region past the region", func() {
			addr, ok := set.FindGap(0x401000, page, 0x400000, 0x500000)
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal(uint32(0x402000)))
		})

		It("should fail when nothing fits", func() {
			_, ok := set.FindGap(0, 0x200000, 0x400000, 0x500000)
			Expect(ok).To(BeFalse())
		})
	})

	It("should clone deeply", func() {
		r, _ := set.Insert(0x1000, 0x2000, vm.PermRW)
		c := set.Clone()

		r.Perm = vm.PermRead

		got, ok := c.Find(0x1000)
		Expect(ok).To(BeTrue())
		Expect(got.Perm).To(Equal(vm.PermRW))
	})
})

var _ = Describe("Region", func() {
	It("should derive page protections", func() {
		rw := &region.Region{Start: 0, End: page, Perm: vm.PermRW}
		ro := &region.Region{Start: 0, End: page, Perm: vm.PermRead | vm.PermExec}

		Expect(rw.Prot()).To(Equal(pagetable.UserData))
		Expect(ro.Prot()).To(Equal(pagetable.FlagPresent | pagetable.FlagUser))
		Expect(rw.ReservationProt().Present()).To(BeFalse())
		Expect(rw.ReservationProt().IsNull()).To(BeTrue())
	})

	It("should compute file offsets of pages", func() {
		r := &region.Region{Start: 0x400000, End: 0x410000, Offset: 0x2000}

		Expect(r.FileOffset(0x403abc)).To(Equal(uint64(0x5000)))
	})
})
