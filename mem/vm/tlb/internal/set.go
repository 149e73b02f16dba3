// Package internal provides the definition required for defining TLB.
package internal

import (
	"sort"

	"github.com/sarchlab/vmcore/mem/vm"
)

// An Entry is one cached translation.
type Entry struct {
	VPN      uint32
	Frame    vm.Frame
	Writable bool
	User     bool
}

// A Set holds a certain number of entries.
type Set interface {
	Lookup(vpn uint32) (wayID int, entry Entry, found bool)
	Update(wayID int, entry Entry)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
	Invalidate(vpn uint32) bool
	Reset()
	Entries() []Entry
}

// NewSet creates a new TLB set.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.vpnWayIDMap = make(map[uint32]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	entry     Entry
	valid     bool
	wayID     int
	lastVisit uint64
}

type setImpl struct {
	blocks      []*block
	vpnWayIDMap map[uint32]int
	visitList   []*block
	visitCount  uint64
}

func (s *setImpl) Lookup(vpn uint32) (wayID int, entry Entry, found bool) {
	wayID, ok := s.vpnWayIDMap[vpn]
	if !ok {
		return 0, Entry{}, false
	}

	block := s.blocks[wayID]

	return block.wayID, block.entry, true
}

func (s *setImpl) Update(wayID int, entry Entry) {
	block := s.blocks[wayID]
	if block.valid {
		delete(s.vpnWayIDMap, block.entry.VPN)
	}

	block.entry = entry
	block.valid = true
	s.vpnWayIDMap[entry.VPN] = wayID
}

// Evict picks the least recently visited way. Invalid ways are always
// picked first because they are visited earliest.
func (s *setImpl) Evict() (wayID int, ok bool) {
	if len(s.visitList) == 0 {
		return 0, false
	}

	leastVisited := s.visitList[0]
	wayID = leastVisited.wayID
	s.visitList = s.visitList[1:]

	return wayID, true
}

func (s *setImpl) Visit(wayID int) {
	block := s.blocks[wayID]

	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	s.visitCount++
	block.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > block.lastVisit
	})
	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = block
}

// Invalidate drops the entry of vpn and moves its way to the front of the
// eviction order.
func (s *setImpl) Invalidate(vpn uint32) bool {
	wayID, ok := s.vpnWayIDMap[vpn]
	if !ok {
		return false
	}

	delete(s.vpnWayIDMap, vpn)

	blk := s.blocks[wayID]
	blk.valid = false
	blk.entry = Entry{}

	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	blk.lastVisit = 0
	s.visitList = append([]*block{blk}, s.visitList...)

	return true
}

func (s *setImpl) Reset() {
	for vpn := range s.vpnWayIDMap {
		s.Invalidate(vpn)
	}
}

func (s *setImpl) Entries() []Entry {
	entries := make([]Entry, 0, len(s.vpnWayIDMap))
	for _, b := range s.blocks {
		if b.valid {
			entries = append(entries, b.entry)
		}
	}

	return entries
}
