package region

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/sarchlab/vmcore/mem/vm"
)

// Errors returned when changing a set.
var (
	ErrOverlap      = errors.New("region overlaps an existing region")
	ErrInvalidRange = errors.New("region range is empty or not page aligned")
)

const treeDegree = 8

// A Set keeps non-overlapping regions ordered by start address.
type Set struct {
	tree *btree.BTreeG[*Region]
}

func byStart(a, b *Region) bool {
	return a.Start < b.Start
}

func pivot(addr uint32) *Region {
	return &Region{Start: addr}
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{tree: btree.NewG(treeDegree, byStart)}
}

// Len returns the number of regions.
func (s *Set) Len() int {
	return s.tree.Len()
}

// Find returns the region containing addr.
func (s *Set) Find(addr uint32) (*Region, bool) {
	r, ok := s.floor(addr)
	if !ok || !r.Contains(addr) {
		return nil, false
	}

	return r, true
}

// floor returns the region with the highest start not above addr.
func (s *Set) floor(addr uint32) (*Region, bool) {
	var found *Region
	s.tree.DescendLessOrEqual(pivot(addr), func(r *Region) bool {
		found = r
		return false
	})

	return found, found != nil
}

// ceil returns the region with the lowest start not below addr.
func (s *Set) ceil(addr uint32) (*Region, bool) {
	var found *Region
	s.tree.AscendGreaterOrEqual(pivot(addr), func(r *Region) bool {
		found = r
		return false
	})

	return found, found != nil
}

// Insert adds an anonymous private region covering [start, end).
func (s *Set) Insert(start, end uint32, perm vm.Perm) (*Region, error) {
	r := &Region{Start: start, End: end, Perm: perm}

	err := s.Add(r)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Add inserts a fully described region.
func (s *Set) Add(r *Region) error {
	if r.Start >= r.End ||
		!vm.IsAligned(uint64(r.Start)) ||
		!vm.IsAligned(uint64(r.End)) {
		return fmt.Errorf("%w: [%08x-%08x)", ErrInvalidRange, r.Start, r.End)
	}

	if s.Overlaps(r.Start, r.End) {
		return fmt.Errorf("%w: %s", ErrOverlap, r)
	}

	s.tree.ReplaceOrInsert(r)

	return nil
}

// Overlaps tells whether any region intersects [start, end).
func (s *Set) Overlaps(start, end uint32) bool {
	if pred, ok := s.floor(start); ok && pred.End > start {
		return true
	}

	if succ, ok := s.ceil(start); ok && succ.Start < end {
		return true
	}

	return false
}

// RemoveRange takes [start, end) out of the set. Regions inside the range
// are deleted, regions crossing an edge shrink, and a region strictly
// containing the range is split in two with the same attributes. It returns
// the pieces that were actually removed, in address order.
func (s *Set) RemoveRange(start, end uint32) []Range {
	if start >= end {
		return nil
	}

	var hit []*Region
	if pred, ok := s.floor(start); ok && pred.End > start {
		hit = append(hit, pred)
	}

	s.tree.AscendRange(pivot(start), pivot(end), func(r *Region) bool {
		if len(hit) == 0 || hit[len(hit)-1] != r {
			hit = append(hit, r)
		}
		return true
	})

	removed := make([]Range, 0, len(hit))
	for _, r := range hit {
		s.tree.Delete(r)

		cutStart := max(r.Start, start)
		cutEnd := min(r.End, end)
		removed = append(removed, Range{Start: cutStart, End: cutEnd})

		if r.End > end {
			s.tree.ReplaceOrInsert(r.Sub(end, r.End))
		}

		if r.Start < start {
			r.End = start
			s.tree.ReplaceOrInsert(r)
		}
	}

	return removed
}

// FindGap returns the lowest address at or above hint, and inside
// [lo, hi), where length bytes fit between regions.
func (s *Set) FindGap(hint, length, lo, hi uint32) (uint32, bool) {
	if length == 0 {
		return 0, false
	}

	gapStart := uint64(lo)
	fits := func(limit uint64) (uint32, bool) {
		candidate := max(gapStart, uint64(hint))
		if candidate+uint64(length) <= limit {
			return uint32(candidate), true
		}
		return 0, false
	}

	var (
		addr  uint32
		found bool
	)

	s.tree.Ascend(func(r *Region) bool {
		if uint64(r.Start) >= uint64(hi) {
			return false
		}

		addr, found = fits(uint64(r.Start))
		if found {
			return false
		}

		gapStart = max(gapStart, uint64(r.End))
		return true
	})

	if found {
		return addr, true
	}

	return fits(uint64(hi))
}

// Ascend calls fn for every region in address order until fn returns
// false.
func (s *Set) Ascend(fn func(r *Region) bool) {
	s.tree.Ascend(fn)
}

// Regions returns the regions in address order.
func (s *Set) Regions() []*Region {
	list := make([]*Region, 0, s.tree.Len())
	s.tree.Ascend(func(r *Region) bool {
		list = append(list, r)
		return true
	})

	return list
}

// Clone returns a deep copy of the set.
func (s *Set) Clone() *Set {
	c := NewSet()
	s.tree.Ascend(func(r *Region) bool {
		c.tree.ReplaceOrInsert(r.Clone())
		return true
	})

	return c
}

// Clear removes every region.
func (s *Set) Clear() {
	s.tree.Clear(false)
}
