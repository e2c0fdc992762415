// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Heap integrity verification, behind a flag. The verifier scans every
// page according to its declared type and aborts on the first
// discrepancy: a reference into a hole page, a reference into a page
// still carrying the new-generation bit (none may exist at cycle
// boundaries) or a forwarding marker that survived a cycle.

package gc

var verifyGCIntegrityOption = false

// EnableGCIntegrityChecks makes every collection verify the heap on
// entry and exit.
func EnableGCIntegrityChecks() { verifyGCIntegrityOption = true }

// DisableGCIntegrityChecks turns the verifier back off.
func DisableGCIntegrityChecks() { verifyGCIntegrityOption = false }

func verifyIntegrity(pcb *PCB, when string) {
	loIdx, hiIdx := pcb.pageRange()
	for pageIdx := loIdx; pageIdx < hiIdx; pageIdx++ {
		pageSbits := pcb.segmentVector[pcb.segSlot(pageIdx)]
		base := ikptr(pageIdx) << pageShift
		switch pageSbits & typeMask {
		case pointersType, symbolsType, weakPairsType:
			for p := base; p < base+pageSize; p += wordSize {
				verifyWord(pcb, wordAt(p), p, when)
			}
		case codeType:
			verifyCodePage(pcb, base, when)
		}
		// Hole, raw data, nursery and stack pages carry no words the
		// verifier can classify.
	}
}

func verifyWord(pcb *PCB, x ikptr, at ikptr, when string) {
	// forwardPtr carries the immediate tag, so it is tested first.
	if x == forwardPtr {
		ikAbort("integrity (%s): forward marker survived at %#x", when, uintptr(at))
	}
	if isImmediate(x) {
		return
	}
	if x < pcb.memoryBase || x >= pcb.memoryEnd {
		ikAbort("integrity (%s): %#x at %#x outside the managed space", when, uintptr(x), uintptr(at))
	}
	bits := pcb.segBits(x)
	if bits&typeMask == holeType {
		ikAbort("integrity (%s): %#x at %#x references a hole page", when, uintptr(x), uintptr(at))
	}
	if bits&newGenMask != 0 {
		ikAbort("integrity (%s): %#x at %#x references a new-generation page", when, uintptr(x), uintptr(at))
	}
}

// verifyCodePage walks the code objects of one code page. Large code
// objects continue onto data pages; only their first page is typed as
// code, so the walk is bounded by the object's own size word.
func verifyCodePage(pcb *PCB, base ikptr, when string) {
	p := base
	for p < base+pageSize {
		if wordAt(p) != codeTag {
			// The rest of the page is the zeroed tail of a code meta
			// region.
			return
		}
		relocVec := ref(p, dispCodeRelocVector)
		if tagOf(relocVec) != vectorTag {
			ikAbort("integrity (%s): code %#x has a non-vector relocation vector", when, uintptr(p))
		}
		verifyWord(pcb, relocVec, p+dispCodeRelocVector, when)
		verifyWord(pcb, ref(p, dispCodeAnnotation), p+dispCodeAnnotation, when)
		p += ikptr(ikAlign(dispCodeData + unfix(ref(p, dispCodeCodeSize))))
	}
}
