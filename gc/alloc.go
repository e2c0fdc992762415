// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// PCB setup and mutator-side allocation.
//
// The collector never allocates on the mutator's behalf: the mutator
// bumps its own allocation pointer through the nursery and calls
// Collect only when the redline is crossed. The helpers here are the
// slow-path entry points the compiled code and the runtime bindings
// use, plus the object constructors shared with the tests.

package gc

import "math"

// Scheme stack segment size.
const ikStackSize = 16 * pageSize

// NewPCB builds a process control block with a fresh nursery, an
// empty Scheme stack and empty side tables. No process-wide state is
// involved: independent PCBs are independent heaps.
func NewPCB() *PCB {
	pcb := &PCB{}

	pcb.cacheNodes = make([]ikpage, pageCacheSize)
	for i := range pcb.cacheNodes {
		pcb.cacheNodes[i].next = pcb.uncachedPages
		pcb.uncachedPages = &pcb.cacheNodes[i]
	}

	heapSize := ikHeapSize + ikHeapExtraPages*pageSize
	ap := pcb.mmapMainheap(heapSize)
	pcb.heapBase = ap
	pcb.heapSize = heapSize
	pcb.allocationPointer = ap
	pcb.allocationRedline = ap + ikHeapSize

	stackBase := pcb.mmapTyped(ikStackSize, mainstackMT)
	pcb.stackBase = stackBase
	pcb.stackSize = ikStackSize
	pcb.frameBase = stackBase + ikStackSize
	// The word below frameBase belongs to the underflow handler; with
	// no frames pushed the walker sees an empty range.
	pcb.framePointer = pcb.frameBase - wordSize

	pcb.nextK = falseObject
	pcb.symbolTable = falseObject
	pcb.gensymTable = falseObject
	pcb.argList = nullObject
	pcb.baseRtd = falseObject
	pcb.collectKey = falseObject
	return pcb
}

// Delete returns every page of the heap, the stack and the page cache
// to the OS. The PCB is unusable afterwards.
func (pcb *PCB) Delete() {
	loIdx, hiIdx := pcb.pageRange()
	for pageIdx := loIdx; pageIdx < hiIdx; pageIdx++ {
		if pcb.segmentVector[pcb.segSlot(pageIdx)] != holeMT {
			ikMunmap(ikptr(pageIdx)<<pageShift, pageSize)
		}
	}
	for node := pcb.cachedPages; node != nil; node = node.next {
		ikMunmap(node.base, pageSize)
	}
	pcb.cachedPages = nil
	pcb.segmentVector = nil
	pcb.dirtyVector = nil
	pcb.memoryBase = 0
	pcb.memoryEnd = 0
}

// unsafeAlloc bumps the allocation pointer without touching the
// redline; the two pages of headroom past the redline guarantee the
// room. size must be aligned.
func (pcb *PCB) unsafeAlloc(size int) ikptr {
	if size != ikAlign(size) {
		ikAbort("unsafeAlloc of unaligned size %d", size)
	}
	ap := pcb.allocationPointer
	nap := ap + ikptr(size)
	if nap > pcb.heapBase+ikptr(pcb.heapSize) {
		ikAbort("nursery exhausted allocating %d bytes", size)
	}
	pcb.allocationPointer = nap
	return ap
}

// safeAlloc collects first when size does not fit below the redline.
func (pcb *PCB) safeAlloc(size int) ikptr {
	if int(pcb.allocationRedline-pcb.allocationPointer) < size {
		pcb.Collect(size)
	}
	return pcb.unsafeAlloc(size)
}

func (pcb *PCB) cons(car, cdr ikptr) ikptr {
	p := pcb.unsafeAlloc(pairSize) | pairTag
	setRef(p, offCar, car)
	setRef(p, offCdr, cdr)
	return p
}

// weakCons allocates a weak pair. Weak pairs never share nursery
// pages: the weak fixup pass finds them by page tag, so they live in
// dedicated weak-pairs pages reached through the PCB's per-cycle
// allocation window.
func (pcb *PCB) weakCons(car, cdr ikptr) ikptr {
	ap := pcb.weakPairsAP
	if ap == 0 || ap+pairSize > pcb.weakPairsEP {
		mem := pcb.mmapTyped(pageSize, weakPairsMT)
		pcb.weakPairsAP = mem
		pcb.weakPairsEP = mem + pageSize
		ap = mem
	}
	pcb.weakPairsAP = ap + pairSize
	p := ap | pairTag
	setRef(p, offCar, car)
	setRef(p, offCdr, cdr)
	return p
}

func (pcb *PCB) makeVector(n int, fill ikptr) ikptr {
	v := pcb.unsafeAlloc(ikAlign(dispVectorData+n*wordSize)) | vectorTag
	setRef(v, offVectorLength, fix(n))
	for i := 0; i < n; i++ {
		setRef(v, offVectorData+i*wordSize, fill)
	}
	return v
}

func vectorRef(v ikptr, i int) ikptr {
	return ref(v, offVectorData+i*wordSize)
}

func vectorSet(v ikptr, i int, x ikptr) {
	setRef(v, offVectorData+i*wordSize, x)
}

func (pcb *PCB) makeString(s string) ikptr {
	runes := []rune(s)
	str := pcb.unsafeAlloc(ikAlign(dispStringData+len(runes)*stringCharSize)) | stringTag
	setRef(str, offStringLength, fix(len(runes)))
	for i, r := range runes {
		setInt32At(str+ikptr(offStringData+i*stringCharSize), int32(r)<<charShift|charTag)
	}
	return str
}

func (pcb *PCB) makeBytevector(data []byte) ikptr {
	bv := pcb.unsafeAlloc(ikAlign(dispBytevectorData+len(data)+1)) | bytevectorTag
	setRef(bv, offBytevectorLength, fix(len(data)))
	copy(byteSlice(bv+offBytevectorData, len(data)), data)
	byteSlice(bv+offBytevectorData+ikptr(len(data)), 1)[0] = 0
	return bv
}

func (pcb *PCB) makeSymbol(name string) ikptr {
	str := pcb.makeString(name)
	sym := pcb.unsafeAlloc(ikAlign(symbolRecordSize)) | recordTag
	setRef(sym, offSymbolRecordTag, symbolTag)
	setRef(sym, offSymbolRecordString, str)
	setRef(sym, offSymbolRecordUstring, falseObject)
	setRef(sym, offSymbolRecordValue, unboundObject)
	setRef(sym, offSymbolRecordProc, unboundObject)
	setRef(sym, offSymbolRecordPlist, nullObject)
	return sym
}

func (pcb *PCB) makeFlonum(f float64) ikptr {
	fl := pcb.unsafeAlloc(ikAlign(flonumSize)) | vectorTag
	setRef(fl, -vectorTag, flonumTag)
	setRef(fl, offFlonumData, ikptr(math.Float64bits(f)))
	return fl
}

func flonumValue(fl ikptr) float64 {
	return math.Float64frombits(uint64(ref(fl, offFlonumData)))
}

// makeRtd builds a struct-type descriptor; a nil parent makes the
// descriptor its own type, which is how the base rtd is built.
func (pcb *PCB) makeRtd(name ikptr, nfields int, parent ikptr) ikptr {
	rtd := pcb.unsafeAlloc(ikAlign(rtdSize)) | rtdTag
	if parent == 0 {
		parent = rtd
	}
	setRef(rtd, dispRtdRtd-rtdTag, parent)
	setRef(rtd, offRtdName, name)
	setRef(rtd, offRtdLength, fix(nfields))
	setRef(rtd, dispRtdFields-rtdTag, nullObject)
	setRef(rtd, dispRtdPrinter-rtdTag, falseObject)
	setRef(rtd, dispRtdSymbol-rtdTag, falseObject)
	return rtd
}

func (pcb *PCB) makeRecord(rtd ikptr, fields ...ikptr) ikptr {
	nbytes := unfix(ref(rtd, offRtdLength)) * wordSize
	r := pcb.unsafeAlloc(ikAlign(dispRecordData+nbytes)) | recordTag
	setRef(r, offRecordRtd, rtd)
	for i, f := range fields {
		setRef(r, offRecordData+i*wordSize, f)
	}
	return r
}

func recordField(r ikptr, i int) ikptr {
	return ref(r, offRecordData+i*wordSize)
}

func (pcb *PCB) makeTcbucket(tconc, key, val, next ikptr) ikptr {
	b := pcb.unsafeAlloc(ikAlign(tcbucketSize)) | vectorTag
	setRef(b, offTcbucketTconc, tconc)
	setRef(b, offTcbucketKey, key)
	setRef(b, offTcbucketVal, val)
	setRef(b, offTcbucketNext, next)
	return b
}

// makeCode maps a code object of binarySize bytes of zeroed binary
// code onto fresh code pages of generation 0. relocVec must be a
// Scheme vector; nfree is the free-variable count closures over this
// code will carry.
func (pcb *PCB) makeCode(binarySize int, relocVec, annotation ikptr, nfree int) ikptr {
	memreq := pageAlign(ikAlign(dispCodeData + binarySize))
	mem := pcb.mmapCode(memreq, 0)
	setRef(mem, dispCodeTag, codeTag)
	setRef(mem, dispCodeCodeSize, fix(binarySize))
	setRef(mem, dispCodeRelocVector, relocVec)
	setRef(mem, dispCodeFreevars, fix(nfree))
	setRef(mem, dispCodeAnnotation, annotation)
	setRef(mem, dispCodeUnused, fix(0))
	return mem | vectorTag
}

func codeEntryPoint(code ikptr) ikptr {
	return code + offCodeData
}

func (pcb *PCB) makeClosure(entry ikptr, freevars ...ikptr) ikptr {
	size := dispClosureData + len(freevars)*wordSize
	c := pcb.unsafeAlloc(ikAlign(size)) | closureTag
	setRef(c, offClosureCode, entry)
	for i, fv := range freevars {
		setRef(c, offClosureData+i*wordSize, fv)
	}
	return c
}

func (pcb *PCB) makeBignum(limbs []uint64, negative bool) ikptr {
	first := ikptr(len(limbs))<<bignumNlimbsShift | bignumTag
	if negative {
		first |= bignumSignMask
	}
	bn := pcb.unsafeAlloc(ikAlign(dispBignumData+len(limbs)*wordSize)) | vectorTag
	setRef(bn, -vectorTag, first)
	for i, l := range limbs {
		setRef(bn, offBignumData+i*wordSize, ikptr(l))
	}
	return bn
}

func (pcb *PCB) makeRatnum(num, den ikptr) ikptr {
	rn := pcb.unsafeAlloc(ikAlign(ratnumSize)) | vectorTag
	setRef(rn, -vectorTag, ratnumTag)
	setRef(rn, offRatnumNum, num)
	setRef(rn, offRatnumDen, den)
	setRef(rn, dispRatnumDen+wordSize-vectorTag, 0)
	return rn
}

func (pcb *PCB) makePointer(addr uintptr) ikptr {
	fp := pcb.unsafeAlloc(ikAlign(pointerSize)) | vectorTag
	setRef(fp, -vectorTag, pointerTag)
	setRef(fp, dispPointerData-vectorTag, ikptr(addr))
	return fp
}

// makePort builds a port record; every word past the attribute header
// is a tagged value the collector copies verbatim.
func (pcb *PCB) makePort(attrs int, buffer, cookie ikptr) ikptr {
	port := pcb.unsafeAlloc(ikAlign(portSize)) | vectorTag
	setRef(port, -vectorTag, ikptr(attrs)<<8|portTag)
	for i := wordSize; i < portSize; i += wordSize {
		setRef(port, i-vectorTag, falseObject)
	}
	setRef(port, wordSize-vectorTag, buffer)
	setRef(port, 2*wordSize-vectorTag, cookie)
	return port
}

// protectGuardian registers obj with the guardian whose tconc is tc;
// the (tc . obj) pair enters the protected list of generation 0 and
// travels up the generations with the object.
func (pcb *PCB) protectGuardian(tc, obj ikptr) ikptr {
	p := pcb.cons(tc, obj)
	pcb.protectedList[0] = movePtrPage(p, pcb.protectedList[0])
	return p
}

// makeTconc builds an empty tconc: a pair whose car and cdr both
// reference the chain's single (empty) last pair.
func (pcb *PCB) makeTconc() ikptr {
	last := pcb.cons(falseObject, falseObject)
	return pcb.cons(last, last)
}
