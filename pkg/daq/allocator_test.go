package daq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorAcquireInOrder(t *testing.T) {
	a := newAllocator([]int{2, 1}, func(list, odt int) int {
		if list == 0 && odt == 0 {
			return 2
		}
		if list == 0 && odt == 1 {
			return 1
		}
		return 3
	})

	slot, err := a.acquire()
	require.NoError(t, err)
	assert.Equal(t, odtEntrySlot{list: 0, odt: 0, entry: 0}, slot)

	slot, err = a.acquire()
	require.NoError(t, err)
	assert.Equal(t, odtEntrySlot{list: 0, odt: 0, entry: 1}, slot)

	slot, err = a.acquire()
	require.NoError(t, err)
	assert.Equal(t, odtEntrySlot{list: 0, odt: 1, entry: 0}, slot)
}

func TestAllocatorExhaustion(t *testing.T) {
	a := newAllocator([]int{1}, func(list, odt int) int { return 1 })

	_, err := a.acquire()
	require.NoError(t, err)

	_, err = a.acquire()
	assert.Error(t, err)
}

func TestAllocatorReleaseAllowsReacquire(t *testing.T) {
	a := newAllocator([]int{1}, func(list, odt int) int { return 1 })

	slot, err := a.acquire()
	require.NoError(t, err)

	a.release(slot)

	reacquired, err := a.acquire()
	require.NoError(t, err)
	assert.Equal(t, slot, reacquired)
}
