// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// fixWeakPointers re-visits, after tracing has finished, every
// weak-pairs page allocated during this cycle and repairs the cars:
// a car whose referent was evacuated is redirected to the new
// location; a car whose referent was in the working set and did not
// survive is replaced with the bwp sentinel. Cdrs were handled
// strongly when the pairs were gathered.
func fixWeakPointers(gc *gcState) {
	pcb := gc.pcb
	loIdx, hiIdx := pcb.pageRange()
	collectGen := gc.collectGen
	for pageIdx := loIdx; pageIdx < hiIdx; pageIdx++ {
		pageSbits := pcb.segmentVector[pcb.segSlot(pageIdx)]
		if pageSbits&(typeMask|newGenMask) != weakPairsType|newGenTag {
			continue
		}
		p := ikptr(pageIdx) << pageShift
		q := p + pageSize
		for ; p < q; p += pairSize {
			x := wordAt(p)
			if isFixnum(x) {
				continue
			}
			tag := tagOf(x)
			if tag == immediateTag {
				continue
			}
			if ref(x, -tag) == forwardPtr {
				// Still alive: redirect the car.
				setWordAt(p+dispCar, ref(x, wordSize-tag))
			} else if int(pcb.segBits(x)&genMask) <= collectGen {
				// Dead: break the weak pointer.
				setWordAt(p+dispCar, bwpObject)
			}
		}
	}
}
