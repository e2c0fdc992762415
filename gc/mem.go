// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page manager.
//
// The address space is partitioned into fixed-size page frames and all
// type information is kept per page, BIBOP style, in two side tables:
//
// Segment vector: one 32-bit word per page holding the page type, the
// generation, a new-generation bit set while a collection is running,
// a dealloc bit, a large-object bit and a meta-dirty nibble. The
// nibble is the value ORed into the remembered set of any card found
// pointing into this page.
//
// Dirty vector: one 32-bit word per page, one 4-bit nibble per
// 512-byte card, recording the youngest generation reached by a
// pointer stored in that card.
//
// Both tables cover [memoryBase, memoryEnd) and are reallocated when a
// mapping falls outside that range.

package gc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment-vector bit layout.
const (
	genMask    uint32 = 0x0000000F
	oldGenMask uint32 = 0x00000007
	newGenMask uint32 = 0x00000008
	newGenTag  uint32 = 0x00000008

	typeMask      uint32 = 0x000000F0
	holeType      uint32 = 0x00000000
	mainheapType  uint32 = 0x00000010
	mainstackType uint32 = 0x00000020
	pointersType  uint32 = 0x00000030
	dataType      uint32 = 0x00000040
	codeType      uint32 = 0x00000050
	weakPairsType uint32 = 0x00000060
	symbolsType   uint32 = 0x00000070

	scannableMask   uint32 = 0x00000100
	deallocMask     uint32 = 0x00000200
	largeObjectMask uint32 = 0x00000400
	largeObjectTag  uint32 = 0x00000400

	metaDirtyShift        = 24
	metaDirtyMask  uint32 = 0x0F000000
)

// Page metatypes: the segment word a fresh page of each kind receives,
// before the generation tag is ORed in.
const (
	holeMT      = holeType
	mainheapMT  = mainheapType | 8<<metaDirtyShift
	mainstackMT = mainstackType
	pointersMT  = pointersType | scannableMask | deallocMask
	symbolsMT   = symbolsType | scannableMask | deallocMask
	weakPairsMT = weakPairsType | scannableMask | deallocMask
	dataMT      = dataType | deallocMask
	codeMT      = codeType | scannableMask | deallocMask
)

// Dirty-vector words for a fully clean and a conservatively dirty
// page.
const (
	pureWord  uint32 = 0x00000000
	dirtyWord uint32 = 0xFFFFFFFF
)

// ikMmap maps size bytes of fresh zero-filled page-aligned memory.
func ikMmap(size int) ikptr {
	n := pageAlign(size)
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0, uintptr(n),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0), 0)
	if errno != 0 {
		ikAbort("mmap failed: %v", errno)
	}
	return ikptr(addr)
}

// ikMunmap returns a page run to the OS. Sub-ranges of earlier
// mappings are fine, which is why the raw syscall is used.
func ikMunmap(base ikptr, size int) {
	n := pageAlign(size)
	if base&(pageSize-1) != 0 {
		ikAbort("munmap of unaligned base %#x", uintptr(base))
	}
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(base), uintptr(n), 0); errno != 0 {
		ikAbort("munmap failed: %v", errno)
	}
}

// extendTables grows the segment and dirty vectors to cover the run
// [base, base+size). New slots read as hole/pure. Existing entries
// keep their absolute page positions.
func (pcb *PCB) extendTables(base ikptr, size int) {
	lo := pageIndex(base)
	hi := pageIndex(base+ikptr(size)-1) + 1
	if pcb.memoryBase == pcb.memoryEnd {
		pcb.memoryBase = ikptr(lo) << pageShift
		pcb.memoryEnd = ikptr(hi) << pageShift
		pcb.segmentVector = make([]uint32, hi-lo)
		pcb.dirtyVector = make([]uint32, hi-lo)
		return
	}
	curLo, curHi := pcb.pageRange()
	if lo >= curLo && hi <= curHi {
		return
	}
	if lo > curLo {
		lo = curLo
	}
	if hi < curHi {
		hi = curHi
	}
	segme := make([]uint32, hi-lo)
	dirty := make([]uint32, hi-lo)
	copy(segme[curLo-lo:], pcb.segmentVector)
	copy(dirty[curLo-lo:], pcb.dirtyVector)
	pcb.segmentVector = segme
	pcb.dirtyVector = dirty
	pcb.memoryBase = ikptr(lo) << pageShift
	pcb.memoryEnd = ikptr(hi) << pageShift
}

// allocatePage returns one page frame, preferring the page cache over
// a fresh mapping. Cached frames are cleared on reuse so typed pages
// always start out zero-filled, like fresh mappings.
func (pcb *PCB) allocatePage() ikptr {
	node := pcb.cachedPages
	if node == nil {
		return ikMmap(pageSize)
	}
	pcb.cachedPages = node.next
	base := node.base
	node.next = pcb.uncachedPages
	pcb.uncachedPages = node
	memzero(base, pageSize)
	return base
}

// mmapTyped maps size bytes and tags every page of the run with bits
// in the segment vector, pure in the dirty vector. Single-page
// requests go through the page cache.
func (pcb *PCB) mmapTyped(size int, bits uint32) ikptr {
	var base ikptr
	if size == pageSize {
		base = pcb.allocatePage()
	} else {
		base = ikMmap(size)
	}
	pcb.extendTables(base, size)
	lo := pcb.segSlot(pageIndex(base))
	hi := lo + pageAlign(size)/pageSize
	for i := lo; i < hi; i++ {
		pcb.segmentVector[i] = bits
		pcb.dirtyVector[i] = pureWord
	}
	return base
}

// mmapMainheap maps a nursery block.
func (pcb *PCB) mmapMainheap(size int) ikptr {
	return pcb.mmapTyped(size, mainheapMT)
}

// mmapCode maps pages for a code object: the first page is tagged as
// code, the rest as raw data, because all the tagged words of a code
// object live in its first page.
func (pcb *PCB) mmapCode(size int, gen uint32) ikptr {
	base := pcb.mmapTyped(size, codeMT|gen)
	for p := base + pageSize; p < base+ikptr(pageAlign(size)); p += pageSize {
		pcb.setSegBits(p, dataMT|gen)
	}
	return base
}

// munmapFromSegment releases a run of pages: each page becomes a hole
// with a pure dirty word, then as many frames as fit are parked in the
// page cache and the leftover is unmapped. Cached frames are not
// cleared here.
func (pcb *PCB) munmapFromSegment(base ikptr, size int) {
	if base < pcb.memoryBase || base+ikptr(size) > pcb.memoryEnd {
		ikAbort("munmapFromSegment outside managed range: %#x+%#x", uintptr(base), size)
	}
	if size != pageAlign(size) {
		ikAbort("munmapFromSegment of unaligned size %#x", size)
	}
	lo := pcb.segSlot(pageIndex(base))
	hi := lo + size/pageSize
	for i := lo; i < hi; i++ {
		if pcb.segmentVector[i] == holeMT {
			ikAbort("page %#x released twice", uintptr(pcb.memoryBase)+uintptr(i)*pageSize)
		}
		pcb.segmentVector[i] = holeMT
		pcb.dirtyVector[i] = pureWord
	}
	free := pcb.uncachedPages
	if free != nil {
		used := pcb.cachedPages
		for free != nil && size > 0 {
			free.base = base
			next := free.next
			free.next = used
			used = free
			free = next
			base += pageSize
			size -= pageSize
		}
		pcb.cachedPages = used
		pcb.uncachedPages = free
	}
	if size > 0 {
		ikMunmap(base, size)
	}
}

// wordAt mirrors ref for raw untagged addresses; used by page-walking
// code that is not following a tagged reference.
func wordAt(p ikptr) ikptr {
	return *(*ikptr)(unsafe.Pointer(p))
}

func setWordAt(p ikptr, v ikptr) {
	*(*ikptr)(unsafe.Pointer(p)) = v
}
