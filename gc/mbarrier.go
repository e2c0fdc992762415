// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Remembered set.
//
// When the mutator stores a pointer into an object that lives in an
// older generation, the younger referent must survive collections that
// do not examine the older page. The mutator's write barrier
// (PCB.signalDirt) marks the destination page conservatively dirty;
// the collector then scans, for every page older than the collected
// generation, just the cards whose nibbles intersect dirtyMask[G],
// gathers everything they reference and recomputes each card's nibble
// from the meta-dirty bits of the destination pages.
//
// A page's dirty word is finally filtered through cleanupMask keyed by
// the page's own generation, which keeps exactly the bits naming
// generations still younger than the page.

package gc

// Cards per page; a card is the remembered-set granule.
const (
	cardSize     = 512
	cardsPerPage = 8
)

// shiftNibbleAtCardSlot positions a 4-bit card state at the slot of
// the given card inside a dirty-vector word.
func shiftNibbleAtCardSlot(nibble uint32, cardIdx int) uint32 {
	return nibble << (cardIdx * 4)
}

// scanDirtyPages walks the dirty vector and re-scans every dirty card
// of every page in a generation older than the one being collected.
func scanDirtyPages(gc *gcState) {
	pcb := gc.pcb
	loIdx, hiIdx := pcb.pageRange()
	collectGen := gc.collectGen
	mask := dirtyMask[collectGen]
	for pageIdx := loIdx; pageIdx < hiIdx; pageIdx++ {
		if pcb.dirtyVector[pcb.segSlot(pageIdx)]&mask == 0 {
			continue
		}
		pageBits := pcb.segmentVector[pcb.segSlot(pageIdx)]
		if int(pageBits&genMask) <= collectGen {
			// In the working set: the copying pass owns it.
			continue
		}
		switch pageBits & typeMask {
		case pointersType, symbolsType, weakPairsType:
			scanDirtyPointersPage(gc, pageIdx, mask)
		case codeType:
			scanDirtyCodePage(gc, pageIdx)
		default:
			if pageBits&scannableMask != 0 {
				ikAbort("unhandled dirty scan for page with segment bits %#08x", pageBits)
			}
		}
	}
}

// scanDirtyPointersPage scans the dirty cards of a page of tagged
// words. Gathering can remap the side tables, so they are re-read
// through the PCB after every gather.
func scanDirtyPointersPage(gc *gcState, pageIdx int, mask uint32) {
	pcb := gc.pcb
	var newPageDbits uint32
	pageDbits := pcb.dirtyVector[pcb.segSlot(pageIdx)]
	maskedDbits := pageDbits & mask
	wordPtr := ikptr(pageIdx) << pageShift
	for cardIdx := 0; cardIdx < cardsPerPage; cardIdx++ {
		if maskedDbits&shiftNibbleAtCardSlot(0xF, cardIdx) == 0 {
			// Pure card: keep its bits as they are.
			wordPtr += cardSize
			newPageDbits |= pageDbits & shiftNibbleAtCardSlot(0xF, cardIdx)
			continue
		}
		var cardSbits uint32
		cardEnd := wordPtr + cardSize
		for ; wordPtr < cardEnd; wordPtr += wordSize {
			x := wordAt(wordPtr)
			if !isImmediate(x) {
				y := gatherLiveObject(gc, x)
				setWordAt(wordPtr, y)
				cardSbits |= pcb.segBits(y)
			}
		}
		cardSbits = (cardSbits & metaDirtyMask) >> metaDirtyShift
		newPageDbits |= shiftNibbleAtCardSlot(cardSbits, cardIdx)
	}
	pageSbits := pcb.segmentVector[pcb.segSlot(pageIdx)]
	pcb.dirtyVector[pcb.segSlot(pageIdx)] = newPageDbits & cleanupMask[pageSbits&genMask]
}

// scanDirtyCodePage relocates every code object of a dirty code page
// and summarizes, per card, the segment bits of everything the
// relocation vectors reference.
func scanDirtyCodePage(gc *gcState, pageIdx int) {
	pcb := gc.pcb
	var newPageDbits uint32
	pageStart := ikptr(pageIdx) << pageShift
	pageEnd := pageStart + pageSize
	pCode := pageStart
	for pCode < pageEnd {
		if wordAt(pCode) != codeTag {
			break
		}
		cardIdx := int(pCode-pageStart) / cardSize
		relocateNewCode(pCode, gc)
		relocVec := ref(pCode, dispCodeRelocVector)
		relocVecLen := ref(relocVec, offVectorLength)
		codeDbits := pcb.segBits(relocVec)
		for i := ikptr(0); i < relocVecLen; i += wordSize {
			item := ref(relocVec, int(i)+offVectorData)
			if !isImmediate(item) {
				item = gatherLiveObject(gc, item)
				codeDbits |= pcb.segBits(item)
			}
		}
		newPageDbits |= shiftNibbleAtCardSlot((codeDbits&metaDirtyMask)>>metaDirtyShift, cardIdx)
		codeSize := unfix(ref(pCode, dispCodeCodeSize))
		pCode += ikptr(ikAlign(codeSize + dispCodeData))
	}
	pageSbits := pcb.segmentVector[pcb.segSlot(pageIdx)]
	pcb.dirtyVector[pcb.segSlot(pageIdx)] = newPageDbits & cleanupMask[pageSbits&genMask]
}
