package daq

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// odtEntrySlot identifies one allocatable WRITE_DAQ destination.
type odtEntrySlot struct {
	list  int
	odt   int
	entry int
}

// allocator tracks the target's free pool of ODT-entry slots with one
// bit per slot (FREE_DAQ resets the whole pool; each ALLOC_ODT_ENTRY
// claims one bit).
type allocator struct {
	free  *bitset.BitSet
	slots []odtEntrySlot
}

// newAllocator builds the free pool for a freshly FREE_DAQ'd target:
// listODTCounts[i] is the number of ODTs in list i, and
// entriesPerODT(i, j) is the number of entries in ODT j of list i, both
// taken from the caller's own list layout plan.
func newAllocator(listODTCounts []int, entriesPerODT func(list, odt int) int) *allocator {
	var slots []odtEntrySlot
	for list, odtCount := range listODTCounts {
		for odt := 0; odt < odtCount; odt++ {
			for entry := 0; entry < entriesPerODT(list, odt); entry++ {
				slots = append(slots, odtEntrySlot{list: list, odt: odt, entry: entry})
			}
		}
	}
	return &allocator{free: bitset.New(uint(len(slots))), slots: slots}
}

// acquire returns the next unclaimed slot, per nextClear-of-free-pool
// allocation.
func (a *allocator) acquire() (odtEntrySlot, error) {
	idx, ok := a.free.NextClear(0)
	if !ok || int(idx) >= len(a.slots) {
		return odtEntrySlot{}, fmt.Errorf("daq: ODT-entry free pool exhausted")
	}
	a.free.Set(idx)
	return a.slots[idx], nil
}

// release returns slot to the free pool so a later acquire can hand it
// out again.
func (a *allocator) release(slot odtEntrySlot) {
	for i, s := range a.slots {
		if s == slot {
			a.free.Clear(uint(i))
			return
		}
	}
}
