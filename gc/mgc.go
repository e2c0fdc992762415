// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector (GC).
//
// This is a moving, compacting, generational collector in the BIBOP
// tradition of
//
//	R. Kent Dybvig, David Eby, Carl Bruggeman. "Don't Stop the BIBOP:
//	Flexible and Efficient Storage Management for Dynamically Typed
//	Languages". Indiana University CS Department TR #400, March 1994.
//
// It is stop-the-world, single-threaded and cooperative: the mutator
// reaches a safepoint by exhausting its nursery and calling Collect,
// whose frame it promises is dead. A cycle:
//
//	1. picks the collected generation G from the collection counter
//	   (a power-of-two escalator: every 4th cycle reaches gen 1,
//	   every 16th gen 2, and so on);
//	2. scans the roots: dirty cards of older pages, the Scheme stack,
//	   callback locatives, the avoidance cells and the PCB root slots;
//	3. runs the collect loop to quiescence, moving every live object
//	   of generations <= G into freshly tagged to-space pages;
//	4. processes guardians (which traces some more), fixes weak pairs,
//	   releases the from-space pages and the retired nursery blocks;
//	5. clears the new-generation bits, flushes the tconc queues and
//	   rebuilds the nursery with at least the requested headroom plus
//	   two pages.
//
// The heap itself is never a root: an uninitialized word in the
// nursery is harmless because the collector never sees it.

package gc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Nursery sizing. The redline sits two pages below the real end so
// the mutator can always complete a small allocation before invoking
// the collector.
const (
	ikHeapSize       = 32 * pageSize
	ikHeapExtraPages = 2
)

var debugGC = false

// fatalError is the panic payload of ikAbort: the heap is considered
// corrupt and no error is ever propagated to the mutator.
type fatalError string

func (e fatalError) Error() string { return string(e) }

// ikAbort reports a fatal collector error. It never returns.
func ikAbort(format string, args ...any) ikptr {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "vicare gc: %s\n", msg)
	panic(fatalError(msg))
}

// collectionIDToGen converts the collection counter to the oldest
// generation this run inspects.
func collectionIDToGen(id int) int {
	switch {
	case id&255 == 255:
		return 4
	case id&63 == 63:
		return 3
	case id&15 == 15:
		return 2
	case id&3 == 3:
		return 1
	}
	return 0
}

// Collect forces a collection leaving at least memReq bytes of
// nursery headroom.
//
// It is called under the following constraints: the caller's frame is
// dead, so no stack slot of the calling frame is live except its
// return point; the frame pointer of the Scheme caller is saved in the
// PCB; and the stack is never moved. On return the allocation pointer
// is followed by at least memReq bytes and two spare pages, with the
// redline two pages below the real end of the heap.
func (pcb *PCB) Collect(memReq int) {
	if verifyGCIntegrityOption {
		verifyIntegrity(pcb, "entry")
	}
	registerToCollectCount(pcb, int(pcb.allocationPointer-pcb.heapBase))

	var t0, t1 unix.Rusage
	var rt0, rt1 unix.Timeval
	unix.Gettimeofday(&rt0)
	unix.Getrusage(unix.RUSAGE_SELF, &t0)

	pcb.collectKey = falseObject
	gc := gcState{
		pcb:        pcb,
		collectGen: collectionIDToGen(pcb.collectionID),
	}
	gc.collectGenTag = nextGenTag[gc.collectGen]
	pcb.collectionID++
	if debugGC {
		fmt.Fprintf(os.Stderr, "vicare gc: entry req=%d free=%d (gen=%d/id=%d)\n",
			memReq, int(pcb.allocationRedline-pcb.allocationPointer),
			gc.collectGen, pcb.collectionID-1)
	}

	// The old nursery blocks are deleted only after the copying is
	// done.
	oldHeapPages := pcb.heapPages
	pcb.heapPages = nil

	// Scan the GC roots.
	scanDirtyPages(&gc)
	collectStack(&gc, pcb.framePointer, pcb.frameBase-wordSize)
	for loc := pcb.callbacks; loc != nil; loc = loc.next {
		loc.data = gatherLiveObject(&gc, loc.data)
	}
	for c := pcb.notToBeCollected; c != nil; c = c.next {
		for i := range c.slots {
			if c.slots[i] != 0 {
				c.slots[i] = gatherLiveObject(&gc, c.slots[i])
			}
		}
	}
	pcb.nextK = gatherLiveObject(&gc, pcb.nextK)
	pcb.symbolTable = gatherLiveObject(&gc, pcb.symbolTable)
	pcb.gensymTable = gatherLiveObject(&gc, pcb.gensymTable)
	pcb.argList = gatherLiveObject(&gc, pcb.argList)
	pcb.baseRtd = gatherLiveObject(&gc, pcb.baseRtd)
	for _, r := range pcb.root {
		if r != nil {
			*r = gatherLiveObject(&gc, *r)
		}
	}

	// Trace all live objects.
	collectLoop(&gc)

	// Guardians re-enter the collect loop on their own.
	handleGuardians(&gc)
	collectLoop(&gc)

	// Sets dead weak cars to bwp; allocates nothing.
	fixWeakPointers(&gc)

	deallocateUnusedPages(&gc)
	fixNewPages(&gc)
	gcFinalizeGuardians(&gc)

	pcb.allocationPointer = pcb.heapBase
	// Does not allocate.
	gcAddTconcs(&gc)

	pcb.weakPairsAP = 0
	pcb.weakPairsEP = 0

	// Delete the retired nursery blocks; their pages go back to the
	// page cache or the OS.
	for p := oldHeapPages; p != nil; p = p.next {
		pcb.munmapFromSegment(p.base, p.size)
	}

	// Release the old nursery hot block and allocate a larger one if
	// the request does not fit below the redline. The fresh memory is
	// not initialized: nursery contents are invalid until the mutator
	// writes them.
	freeSpace := int(pcb.allocationRedline - pcb.allocationPointer)
	if freeSpace <= memReq || pcb.heapSize < ikHeapSize {
		memSize := memReq
		if memSize < ikHeapSize {
			memSize = ikHeapSize
		}
		memSize = pageAlign(memSize)
		newHeapSize := memSize + ikHeapExtraPages*pageSize
		pcb.munmapFromSegment(pcb.heapBase, pcb.heapSize)
		ap := pcb.mmapMainheap(newHeapSize)
		pcb.allocationPointer = ap
		pcb.allocationRedline = ap + ikptr(memSize)
		pcb.heapBase = ap
		pcb.heapSize = newHeapSize
	}

	if verifyGCIntegrityOption {
		verifyIntegrity(pcb, "exit")
	}

	unix.Getrusage(unix.RUSAGE_SELF, &t1)
	unix.Gettimeofday(&rt1)
	addTimevalDiff(&pcb.collectUtime, t0.Utime, t1.Utime)
	addTimevalDiff(&pcb.collectStime, t0.Stime, t1.Stime)
	addTimevalDiff(&pcb.collectRtime, rt0, rt1)
}

// CollectCheck collects only when fewer than req bytes are available
// below the redline. It returns the Scheme true object when it did
// nothing and the Scheme false object when it collected.
func (pcb *PCB) CollectCheck(req int) ikptr {
	if int(pcb.allocationRedline-pcb.allocationPointer) >= req {
		return trueObject
	}
	pcb.Collect(req)
	return falseObject
}

// deallocateUnusedPages releases every from-space page: marked for
// deallocation, in a collected generation and not re-tagged as
// to-space during this cycle.
func deallocateUnusedPages(gc *gcState) {
	pcb := gc.pcb
	collectGen := gc.collectGen
	loIdx, hiIdx := pcb.pageRange()
	for pageIdx := loIdx; pageIdx < hiIdx; pageIdx++ {
		pageSbits := pcb.segmentVector[pcb.segSlot(pageIdx)]
		if pageSbits&deallocMask == 0 {
			continue
		}
		if int(pageSbits&oldGenMask) > collectGen {
			continue
		}
		if pageSbits&newGenMask != 0 {
			continue
		}
		pcb.munmapFromSegment(ikptr(pageIdx)<<pageShift, pageSize)
	}
}

// fixNewPages drops the new-generation bit across the segment vector:
// what was to-space during this cycle is ordinary old space after it.
func fixNewPages(gc *gcState) {
	pcb := gc.pcb
	loIdx, hiIdx := pcb.pageRange()
	for pageIdx := loIdx; pageIdx < hiIdx; pageIdx++ {
		pcb.segmentVector[pcb.segSlot(pageIdx)] &^= newGenMask
	}
}
