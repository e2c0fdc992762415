// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// To-space allocation.
//
// While a collection runs, live objects are copied into per-category
// "meta" pages: a region for pairs, one for weak pairs, one for symbol
// records, one for code, one for objects made of tagged words and one
// for raw data. Each region is a bump allocator (aq..ap..ep); when a
// region fills up, the used part of the old region is queued for
// scanning (raw data excepted: it is never scanned) and a fresh run of
// pages is mapped and tagged with the target generation plus the
// new-generation bit.
//
// Objects too large to share a page get their own freshly mapped (or
// pinned in place) pages and are queued directly.

package gc

// Meta categories.
const (
	metaPtrs = iota
	metaCode
	metaData
	metaWeak
	metaPair
	metaSymbol
	metaCount
)

var metaMT = [metaCount]uint32{
	pointersMT,
	codeMT,
	dataMT,
	weakPairsMT,
	pointersMT,
	symbolsMT,
}

// Pages mapped for an object moving out of a collection of generation
// G are tagged with the next generation, the new-generation bit and
// the meta-dirty nibble a pointer into that generation deserves.
var nextGenTag = [generationCount]uint32{
	4<<metaDirtyShift | 1 | newGenTag,
	2<<metaDirtyShift | 2 | newGenTag,
	1<<metaDirtyShift | 3 | newGenTag,
	0<<metaDirtyShift | 4 | newGenTag,
	0<<metaDirtyShift | 4 | newGenTag,
}

// Masks over the dirty vector, one 4-bit nibble replicated eight
// times. dirtyMask[G] selects the cards that may hold pointers into
// generations <= G; cleanupMask[g] keeps, for a page of generation g,
// the card bits that still name generations younger than g.
var dirtyMask = [generationCount]uint32{
	0x88888888,
	0xCCCCCCCC,
	0xEEEEEEEE,
	0xFFFFFFFF,
	0x00000000,
}

var cleanupMask = [generationCount]uint32{
	0x00000000,
	0x88888888,
	0xCCCCCCCC,
	0xEEEEEEEE,
	0xFFFFFFFF,
}

// qupages is a node of a work queue: a range of to-space memory whose
// words still need scanning.
type qupages struct {
	p    ikptr // scan start
	q    ikptr // scan end
	next *qupages
}

// meta is one category's current bump region. aq marks the first word
// not yet scanned by the collect loop; the region still to scan is
// [aq, ap).
type meta struct {
	ap ikptr // next free word
	aq ikptr // first word not yet scanned
	ep ikptr // one past the end
}

// gcState is the state of one collection cycle.
type gcState struct {
	meta   [metaCount]meta
	queues [metaCount]*qupages

	pcb *PCB

	collectGen    int
	collectGenTag uint32

	// Batched tcbucket->tconc pushes discovered by the evacuator.
	tconcAP    ikptr
	tconcEP    ikptr
	tconcBase  ikptr
	tconcQueue *memblock

	// Guardian pairs whose objects are being finalized this cycle.
	forwardList *ptrPage
}

// metaAlloc reserves alignedSize bytes in the category's current
// region.
func metaAlloc(alignedSize int, gc *gcState, metaID int) ikptr {
	m := &gc.meta[metaID]
	ap := m.ap
	nap := ap + ikptr(alignedSize)
	if nap > m.ep {
		return metaAllocExtending(alignedSize, gc, metaID)
	}
	m.ap = nap
	return ap
}

// metaAllocExtending retires the category's current region and maps a
// fresh one. The used part of a scannable region is queued for the
// collect loop; the unused tail is zeroed so page-walking passes see
// fixnums there.
func metaAllocExtending(alignedSize int, gc *gcState, metaID int) ikptr {
	mapSize := pageAlign(alignedSize)
	if mapSize < pageSize {
		mapSize = pageSize
	}
	m := &gc.meta[metaID]
	if metaID != metaData && m.aq != 0 {
		if m.aq < m.ap {
			gc.queues[metaID] = &qupages{p: m.aq, q: m.ap, next: gc.queues[metaID]}
		}
		memzero(m.ap, int(m.ep-m.ap))
	}
	mem := gc.pcb.mmapTyped(mapSize, metaMT[metaID]|gc.collectGenTag)
	m.ap = mem + ikptr(alignedSize)
	m.aq = mem
	m.ep = mem + ikptr(mapSize)
	return mem
}

func gcAllocNewPtr(alignedSize int, gc *gcState) ikptr {
	return metaAlloc(alignedSize, gc, metaPtrs)
}

func gcAllocNewData(alignedSize int, gc *gcState) ikptr {
	return metaAlloc(alignedSize, gc, metaData)
}

func gcAllocNewSymbolRecord(gc *gcState) ikptr {
	return metaAlloc(ikAlign(symbolRecordSize), gc, metaSymbol)
}

func gcAllocNewPair(gc *gcState) ikptr {
	return metaAlloc(pairSize, gc, metaPair)
}

// gcAllocNewWeakPair reserves a weak pair. Weak pairs are allocated a
// page at a time, outside metaAlloc, because their pages carry a
// distinct tag that the weak fixup pass looks for.
func gcAllocNewWeakPair(gc *gcState) ikptr {
	m := &gc.meta[metaWeak]
	ap := m.ap
	nap := ap + pairSize
	if nap > m.ep {
		mem := gc.pcb.mmapTyped(pageSize, metaMT[metaWeak]|gc.collectGenTag)
		m.ap = mem + pairSize
		m.aq = mem
		m.ep = mem + pageSize
		return mem
	}
	m.ap = nap
	return ap
}

// gcAllocNewLargePtr maps dedicated pages for a large pointers object
// and queues its data area: pages tagged large-object are never moved
// by later collections.
func gcAllocNewLargePtr(numberOfBytes int, gc *gcState) ikptr {
	memreq := pageAlign(numberOfBytes)
	mem := gc.pcb.mmapTyped(memreq, pointersMT|largeObjectTag|gc.collectGenTag)
	memzero(mem+ikptr(numberOfBytes), memreq-numberOfBytes)
	gc.queues[metaPtrs] = &qupages{p: mem, q: mem + ikptr(numberOfBytes), next: gc.queues[metaPtrs]}
	return mem
}

// enqueueLargePtr re-tags the pages of an already pinned large object
// with the target generation and queues its data area for scanning.
// The object does not move.
func enqueueLargePtr(mem ikptr, size int, gc *gcState) {
	pcb := gc.pcb
	last := mem + ikptr(size) - 1
	for p := mem; p <= last; p += pageSize {
		pcb.setSegBits(p, pointersMT|largeObjectTag|gc.collectGenTag)
	}
	gc.queues[metaPtrs] = &qupages{p: mem, q: mem + ikptr(size), next: gc.queues[metaPtrs]}
}

// gcAllocNewCode reserves room for a code object: small ones share the
// code meta region, large ones get dedicated pages (first page code,
// rest data) and are queued here since no meta region tracks them.
func gcAllocNewCode(alignedSize int, gc *gcState) ikptr {
	if alignedSize < pageSize {
		return metaAlloc(alignedSize, gc, metaCode)
	}
	memreq := pageAlign(alignedSize)
	mem := gc.pcb.mmapCode(memreq, gc.collectGenTag)
	memzero(mem+ikptr(alignedSize), memreq-alignedSize)
	gc.queues[metaCode] = &qupages{p: mem, q: mem + ikptr(alignedSize), next: gc.queues[metaCode]}
	return mem
}
