// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Guardians and tconc finalization.
//
// A guardian protects a (tconc . object) pair: when the object would
// otherwise die, it is instead enqueued on the tconc — a tail-conc
// pair chain whose cdr always references the current empty last pair —
// for the program to retrieve. The protected pairs of each generation
// live on the PCB's protected lists.
//
// Within a cycle the protected pairs of the collected generations are
// partitioned into "object still held" and "object to finalize", the
// latter refined to a fixed point because finalizing one object can
// resurrect the tconc (or the guarded object) of another. Survivors
// are promoted to the protected list of the next generation.
//
// The same tconc enqueue protocol serves the hash-table machinery: the
// evacuator batches every tcbucket whose key is about to move on a
// per-cycle queue, flushed at the very end of the cycle when nothing
// allocates anymore.

package gc

// movePtrPage stores p in the first node of list ls, prepending a
// fresh node when ls is empty or full.
func movePtrPage(p ikptr, ls *ptrPage) *ptrPage {
	if ls == nil || ls.count == ptrPageSlots {
		ls = &ptrPage{next: ls}
	}
	ls.ptr[ls.count] = p
	ls.count++
	return ls
}

// isLive reports whether x has already been proven reachable at this
// point of the cycle: immediates always, forwarded objects, pinned
// large objects of the new generation, and objects outside the
// working set.
func isLive(x ikptr, gc *gcState) bool {
	if isFixnum(x) {
		return true
	}
	tag := tagOf(x)
	if tag == immediateTag {
		return true
	}
	if ref(x, -tag) == forwardPtr {
		return true
	}
	return int(gc.pcb.segBits(x)&genMask) > gc.collectGen
}

func nextGen(i int) int {
	if i == generationCount-1 {
		return i
	}
	return i + 1
}

// protectedCarCdr reads the tconc and object of a guardian pair,
// following the forwarding marker if the pair itself has already been
// moved.
func protectedCarCdr(p ikptr) (tc, obj ikptr) {
	tc = ref(p, offCar)
	obj = ref(p, offCdr)
	if tc == forwardPtr {
		np := obj
		tc = ref(np, offCar)
		obj = ref(np, offCdr)
	}
	return tc, obj
}

// handleGuardians partitions and finalizes the guarded pairs of the
// collected generations. It runs its own collect loops: everything it
// decides to keep must be traced to quiescence before the next
// liveness test.
func handleGuardians(gc *gcState) {
	pcb := gc.pcb
	var pendHoldList, pendFinalList *ptrPage

	// Sort the protected pairs into held and finalizable.
	for gen := 0; gen <= gc.collectGen; gen++ {
		protList := pcb.protectedList[gen]
		pcb.protectedList[gen] = nil
		for ; protList != nil; protList = protList.next {
			for i := 0; i < protList.count; i++ {
				p := protList.ptr[i]
				_, obj := protectedCarCdr(p)
				if isLive(obj, gc) {
					pendHoldList = movePtrPage(p, pendHoldList)
				} else {
					pendFinalList = movePtrPage(p, pendFinalList)
				}
			}
		}
	}

	// Move pairs with live tconcs from pendFinalList to a final list,
	// make the finalizable objects live and iterate: resurrecting them
	// can prove further tconcs live.
	gc.forwardList = nil
	for {
		var finalList *ptrPage
		ls := pendFinalList
		pendFinalList = nil
		for ; ls != nil; ls = ls.next {
			for i := 0; i < ls.count; i++ {
				p := ls.ptr[i]
				tc, _ := protectedCarCdr(p)
				if isLive(tc, gc) {
					finalList = movePtrPage(p, finalList)
				} else {
					pendFinalList = movePtrPage(p, pendFinalList)
				}
			}
		}
		if finalList == nil {
			break
		}
		for ls := finalList; ls != nil; ls = ls.next {
			for i := 0; i < ls.count; i++ {
				p := ls.ptr[i]
				gc.forwardList = movePtrPage(gatherLiveObject(gc, p), gc.forwardList)
			}
		}
		collectLoop(gc)
	}
	// What remains in pendFinalList is dead together with its tconcs;
	// drop it.

	// Held pairs with live tconcs are promoted to the protected list
	// of the next generation.
	target := pcb.protectedList[nextGen(gc.collectGen)]
	for ls := pendHoldList; ls != nil; ls = ls.next {
		for i := 0; i < ls.count; i++ {
			p := ls.ptr[i]
			tc, _ := protectedCarCdr(p)
			if isLive(tc, gc) {
				target = movePtrPage(gatherLiveObject(gc, p), target)
			}
		}
	}
	collectLoop(gc)
	pcb.protectedList[nextGen(gc.collectGen)] = target
}

// gcFinalizeGuardians enqueues, on its tconc, every guardian pair
// whose object was finalized this cycle. Runs after tracing is
// entirely finished: it mutates pairs in place and marks the affected
// pages dirty, but allocates nothing.
func gcFinalizeGuardians(gc *gcState) {
	pcb := gc.pcb
	for ls := gc.forwardList; ls != nil; ls = ls.next {
		for i := 0; i < ls.count; i++ {
			p := ls.ptr[i]
			tc := ref(p, offCar)
			obj := ref(p, offCdr)
			lastPair := ref(tc, offCdr)
			setRef(lastPair, offCar, obj)
			setRef(lastPair, offCdr, p)
			setRef(p, offCar, falseObject)
			setRef(p, offCdr, falseObject)
			setRef(tc, offCdr, p)
			pcb.setDirtyBits(tc, dirtyWord)
			pcb.setDirtyBits(lastPair, dirtyWord)
		}
	}
	gc.forwardList = nil
}

// gcTconcPush batches one tcbucket whose key is moving; the bucket
// will be appended to its table's tconc once the cycle is over. The
// batch pairs are preallocated in pages of the target generation: each
// batch slot is itself the pair that will enter the tconc chain.
func gcTconcPush(gc *gcState, tcbucket ikptr) {
	ap := gc.tconcAP
	nap := ap + pairSize
	if nap > gc.tconcEP {
		gcTconcPushExtending(gc, tcbucket)
	} else {
		gc.tconcAP = nap
		setRef(ap, dispCar, tcbucket)
		// The cdr slot is already the fixnum zero: tconc pages are
		// cleared when mapped.
	}
}

func gcTconcPushExtending(gc *gcState, tcbucket ikptr) {
	if gc.tconcBase != 0 {
		gc.tconcQueue = &memblock{
			base: gc.tconcBase,
			size: pageSize,
			next: gc.tconcQueue,
		}
	}
	mem := gc.pcb.mmapTyped(pageSize, metaMT[metaPtrs]|gc.collectGenTag)
	memzero(mem, pageSize)
	registerToCollectCount(gc.pcb, pageSize)
	gc.tconcBase = mem
	gc.tconcAP = mem + pairSize
	gc.tconcEP = mem + pageSize
	setRef(mem, dispCar, tcbucket)
}

// gcAddTconcs flushes the per-cycle tcbucket batches into their
// tconcs.
func gcAddTconcs(gc *gcState) {
	if gc.tconcBase == 0 {
		return
	}
	pcb := gc.pcb
	for p, q := gc.tconcBase, gc.tconcAP; p < q; p += pairSize {
		addOneTconc(pcb, p)
	}
	for blk := gc.tconcQueue; blk != nil; blk = blk.next {
		for p, q := blk.base, blk.base+ikptr(blk.size); p < q; p += pairSize {
			addOneTconc(pcb, p)
		}
	}
	gc.tconcQueue = nil
}

// addOneTconc turns one batch slot into the new last pair of the
// bucket's tconc chain. p is the untagged address of the batch pair;
// its car holds the tcbucket.
func addOneTconc(pcb *PCB, p ikptr) {
	tcbucket := wordAt(p)
	tc := ref(tcbucket, offTcbucketTconc)
	if tagOf(tc) != pairTag {
		ikAbort("corrupt tcbucket %#x: tconc %#x is not a pair", uintptr(tcbucket), uintptr(tc))
	}
	d := ref(tc, offCdr)
	if tagOf(d) != pairTag {
		ikAbort("corrupt tconc %#x: last pair %#x is not a pair", uintptr(tc), uintptr(d))
	}
	newPair := p | pairTag
	setRef(d, offCar, tcbucket)
	setRef(d, offCdr, newPair)
	setRef(newPair, offCar, falseObject)
	setRef(newPair, offCdr, falseObject)
	setRef(tc, offCdr, newPair)
	// Mark the bucket as requeued for the hash-table layer.
	setRef(tcbucket, -vectorTag, tcbucketSize-wordSize)
	pcb.signalDirt(tc)
	pcb.signalDirt(d)
}
