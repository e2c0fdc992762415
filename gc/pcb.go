// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "golang.org/x/sys/unix"

// Number of generations. Generation 4 is the oldest; objects that
// survive a collection of generation G move to generation G+1, clamped
// at generationCount-1.
const generationCount = 5

// Capacity of the page cache: released page frames parked for reuse
// instead of being returned to the OS.
const pageCacheSize = 32

// Slots in one node of a guardian pointer-page list.
const ptrPageSlots = 510

// ikpage is a node of the page cache. uncachedPages links the free
// nodes, cachedPages the nodes currently holding a parked frame.
type ikpage struct {
	base ikptr
	next *ikpage
}

// memblock references a run of pages, used for the retired nursery
// blocks and for the per-cycle tconc batches.
type memblock struct {
	base ikptr
	size int
	next *memblock
}

// ptrPage is a node of a guardian list: a fixed array of tagged
// pointers with a fill count.
type ptrPage struct {
	count int
	next  *ptrPage
	ptr   [ptrPageSlots]ikptr
}

// callbackLocative is a cell registered by the C-callback machinery;
// its datum is a GC root.
type callbackLocative struct {
	data ikptr
	next *callbackLocative
}

// Slots in one gcAvoidance node.
const gcAvoidanceArrayLen = 32

// gcAvoidance holds words that must not be collected because they are
// referenced from outside the Scheme heap and stack.
type gcAvoidance struct {
	slots [gcAvoidanceArrayLen]ikptr
	next  *gcAvoidance
}

// PCB is the process control block: the per-runtime state record
// shared between the mutator and the collector. There is no process
// singleton; every operation threads an explicit *PCB.
type PCB struct {
	// Nursery. The mutator bump-allocates from allocationPointer and
	// calls Collect when it would cross allocationRedline, which sits
	// two pages below the real end of the heap.
	heapBase          ikptr
	heapSize          int
	heapPages         *memblock // retired nursery blocks, released at the next collection
	allocationPointer ikptr
	allocationRedline ikptr

	// Scheme stack. The collector walks it but never moves it.
	framePointer ikptr
	frameBase    ikptr
	stackBase    ikptr
	stackSize    int

	// Side tables, one uint32 per page in [memoryBase, memoryEnd).
	// Reallocated by growth whenever a mapping falls outside the
	// range; every holder of a derived view must re-read after any
	// call that can map memory.
	memoryBase    ikptr
	memoryEnd     ikptr
	segmentVector []uint32
	dirtyVector   []uint32

	// Roots.
	nextK       ikptr
	symbolTable ikptr
	gensymTable ikptr
	argList     ikptr
	baseRtd     ikptr
	root        [10]*ikptr

	callbacks        *callbackLocative
	notToBeCollected *gcAvoidance

	// Guardian protected lists, one per generation, of (tconc . obj)
	// pairs.
	protectedList [generationCount]*ptrPage

	// Counters.
	collectionID         int
	allocationCountMinor int
	allocationCountMajor int
	collectUtime         unix.Timeval
	collectStime         unix.Timeval
	collectRtime         unix.Timeval

	// Page cache.
	cachedPages   *ikpage
	uncachedPages *ikpage
	cacheNodes    []ikpage

	// Mutator-side weak-pair allocation window, reset by every
	// collection.
	weakPairsAP ikptr
	weakPairsEP ikptr

	collectKey ikptr
}

// segBits returns the segment-vector word for the page holding x.
func (pcb *PCB) segBits(x ikptr) uint32 {
	return pcb.segmentVector[pageIndex(x)-pageIndex(pcb.memoryBase)]
}

func (pcb *PCB) setSegBits(x ikptr, bits uint32) {
	pcb.segmentVector[pageIndex(x)-pageIndex(pcb.memoryBase)] = bits
}

// segSlot gives the segment-vector index for an absolute page number.
func (pcb *PCB) segSlot(pageIdx int) int {
	return pageIdx - pageIndex(pcb.memoryBase)
}

func (pcb *PCB) dirtyBits(x ikptr) uint32 {
	return pcb.dirtyVector[pageIndex(x)-pageIndex(pcb.memoryBase)]
}

func (pcb *PCB) setDirtyBits(x ikptr, bits uint32) {
	pcb.dirtyVector[pageIndex(x)-pageIndex(pcb.memoryBase)] = bits
}

// pageRange returns the absolute page numbers spanned by the side
// tables.
func (pcb *PCB) pageRange() (lo, hi int) {
	return pageIndex(pcb.memoryBase), pageIndex(pcb.memoryEnd)
}

// signalDirt is the write barrier: after storing a pointer into an
// object that may live in an older generation, the mutator marks the
// destination page conservatively dirty.
func (pcb *PCB) signalDirt(x ikptr) {
	pcb.setDirtyBits(x, dirtyWord)
}
