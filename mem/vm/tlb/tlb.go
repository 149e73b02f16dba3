// Package tlb provides the translation lookaside buffer of the simulated CPU.
package tlb

import (
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/tlb/internal"
)

// A Translation is a cached translation of one virtual page.
type Translation = internal.Entry

// A TLB caches translations of the active page-table tree. It is never
// kept coherent automatically: whoever changes an entry of the active tree
// must invalidate the affected page.
type TLB interface {
	Lookup(va uint32) (Translation, bool)
	Insert(entry Translation)
	Invalidate(va uint32)
	Flush()
}

// Comp is a set-associative TLB with LRU replacement within a set.
type Comp struct {
	name    string
	numSets int
	numWays int
	Sets    []internal.Set

	hits, misses, invalidations, flushes uint64
}

// Stats counts TLB events.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	Flushes       uint64
}

func (c *Comp) reset() {
	c.Sets = make([]internal.Set, c.numSets)
	for i := 0; i < c.numSets; i++ {
		set := internal.NewSet(c.numWays)
		c.Sets[i] = set
	}
}

// Name returns the name of the TLB.
func (c *Comp) Name() string {
	return c.name
}

func (c *Comp) vpnToSetID(vpn uint32) int {
	return int(vpn % uint32(c.numSets))
}

// Lookup returns the translation of the page holding va.
func (c *Comp) Lookup(va uint32) (Translation, bool) {
	vpn := va >> vm.PageShift
	set := c.Sets[c.vpnToSetID(vpn)]

	wayID, entry, found := set.Lookup(vpn)
	if !found {
		c.misses++
		return Translation{}, false
	}

	c.hits++
	set.Visit(wayID)

	return entry, true
}

// Insert caches a translation, evicting the least recently used entry of
// its set.
func (c *Comp) Insert(entry Translation) {
	set := c.Sets[c.vpnToSetID(entry.VPN)]

	wayID, _, found := set.Lookup(entry.VPN)
	if !found {
		var ok bool
		wayID, ok = set.Evict()
		if !ok {
			panic("failed to evict")
		}
	}

	set.Update(wayID, entry)
	set.Visit(wayID)
}

// Invalidate drops the translation of the page holding va.
func (c *Comp) Invalidate(va uint32) {
	vpn := va >> vm.PageShift
	if c.Sets[c.vpnToSetID(vpn)].Invalidate(vpn) {
		c.invalidations++
	}
}

// Flush drops every translation.
func (c *Comp) Flush() {
	for _, set := range c.Sets {
		set.Reset()
	}
	c.flushes++
}

// Entries lists the cached translations.
func (c *Comp) Entries() []Translation {
	var entries []Translation
	for _, set := range c.Sets {
		entries = append(entries, set.Entries()...)
	}

	return entries
}

// Stats returns the event counters.
func (c *Comp) Stats() Stats {
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Flushes:       c.flushes,
	}
}
