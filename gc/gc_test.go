// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "testing"

func newTestPCB(t *testing.T) *PCB {
	t.Helper()
	pcb := NewPCB()
	t.Cleanup(pcb.Delete)
	return pcb
}

func TestCollectionIDToGen(t *testing.T) {
	tests := []struct {
		id  int
		gen int
	}{
		{0, 0}, {1, 0}, {2, 0},
		{3, 1}, {7, 1}, {11, 1}, {19, 1},
		{15, 2}, {47, 2},
		{63, 3}, {127, 3},
		{255, 4}, {511, 4},
		{16, 0}, {64, 0}, {256, 0},
	}
	for _, tt := range tests {
		if got := collectionIDToGen(tt.id); got != tt.gen {
			t.Errorf("collectionIDToGen(%d) = %d, want %d", tt.id, got, tt.gen)
		}
	}
}

func TestPairSurvival(t *testing.T) {
	pcb := newTestPCB(t)
	cell := pcb.cons(fix(42), pcb.cons(trueObject, nullObject))
	orig := cell
	pcb.root[0] = &cell

	// Request a full nursery so the old hot block is released and its
	// pages become holes.
	pcb.Collect(ikHeapSize)

	if cell == orig {
		t.Fatalf("root was not moved")
	}
	if tagOf(cell) != pairTag {
		t.Fatalf("root tag = %d, want pair", tagOf(cell))
	}
	if gen := pcb.segBits(cell) & oldGenMask; gen != 1 {
		t.Errorf("surviving pair in generation %d, want 1", gen)
	}
	if got := ref(cell, offCar); got != fix(42) {
		t.Errorf("car = %#x, want fixnum 42", uintptr(got))
	}
	cdr := ref(cell, offCdr)
	if tagOf(cdr) != pairTag {
		t.Fatalf("cdr is not a pair")
	}
	if got := ref(cdr, offCar); got != trueObject {
		t.Errorf("cadr = %#x, want #t", uintptr(got))
	}
	if got := ref(cdr, offCdr); got != nullObject {
		t.Errorf("cddr = %#x, want ()", uintptr(got))
	}
	if bits := pcb.segBits(orig); bits&typeMask != holeType {
		t.Errorf("original page segment bits = %#x, want hole", bits)
	}
}

func TestImmediatesAndUnmovedGenerations(t *testing.T) {
	pcb := newTestPCB(t)
	gc := &gcState{pcb: pcb, collectGen: 0, collectGenTag: nextGenTag[0]}

	for _, x := range []ikptr{
		fix(0), fix(1), fix(-5),
		falseObject, trueObject, nullObject, eofObject,
		voidObject, bwpObject, unboundObject,
		ikptr('a')<<charShift | charTag,
	} {
		if got := gatherLiveObject(gc, x); got != x {
			t.Errorf("gatherLiveObject(%#x) = %#x, want identity", uintptr(x), uintptr(got))
		}
	}

	// Forwarding idempotence: the second gather of the same reference
	// short-circuits through the marker, and gathering the moved
	// reference is the identity.
	x := pcb.cons(fix(1), fix(2))
	y1 := gatherLiveObject(gc, x)
	y2 := gatherLiveObject(gc, x)
	if y1 != y2 {
		t.Fatalf("gather not idempotent: %#x vs %#x", uintptr(y1), uintptr(y2))
	}
	if got := gatherLiveObject(gc, y1); got != y1 {
		t.Fatalf("gather of moved object = %#x, want %#x", uintptr(got), uintptr(y1))
	}
}

func TestDeepListSurvival(t *testing.T) {
	pcb := newTestPCB(t)
	// Long enough that a recursive spine walk would overflow the Go
	// stack; the walker must iterate. safeAlloc may collect mid-build,
	// so the partial list stays rooted throughout.
	const n = 50000
	cell := nullObject
	pcb.root[0] = &cell
	for i := n - 1; i >= 0; i-- {
		p := pcb.safeAlloc(pairSize) | pairTag
		setRef(p, offCar, fix(i))
		setRef(p, offCdr, cell)
		cell = p
	}
	pcb.Collect(0)
	p := cell
	for i := 0; i < n; i++ {
		if tagOf(p) != pairTag {
			t.Fatalf("element %d: not a pair", i)
		}
		if got := ref(p, offCar); got != fix(i) {
			t.Fatalf("element %d: car = %#x, want fixnum %d", i, uintptr(got), i)
		}
		p = ref(p, offCdr)
	}
	if p != nullObject {
		t.Fatalf("list does not end in (): %#x", uintptr(p))
	}
}

func TestVectorStringBytevectorFlonum(t *testing.T) {
	pcb := newTestPCB(t)
	vec := pcb.makeVector(3, falseObject)
	vectorSet(vec, 0, fix(10))
	vectorSet(vec, 1, pcb.makeString("héllo\"x"))
	vectorSet(vec, 2, pcb.makeBytevector([]byte{1, 2, 3}))
	cell := pcb.cons(vec, pcb.makeFlonum(3.25))
	pcb.root[0] = &cell

	pcb.Collect(ikHeapSize)

	vec = ref(cell, offCar)
	if got := unfix(ref(vec, offVectorLength)); got != 3 {
		t.Fatalf("vector length = %d, want 3", got)
	}
	if got := vectorRef(vec, 0); got != fix(10) {
		t.Errorf("vec[0] = %#x, want fixnum 10", uintptr(got))
	}
	str := vectorRef(vec, 1)
	if tagOf(str) != stringTag {
		t.Fatalf("vec[1] is not a string")
	}
	want := []rune("héllo\"x")
	if got := unfix(ref(str, offStringLength)); got != len(want) {
		t.Fatalf("string length = %d, want %d", got, len(want))
	}
	for i, r := range want {
		c := int32At(str+ikptr(offStringData+i*stringCharSize)) >> charShift
		if rune(c) != r {
			t.Errorf("string[%d] = %q, want %q", i, rune(c), r)
		}
	}
	bv := vectorRef(vec, 2)
	if tagOf(bv) != bytevectorTag {
		t.Fatalf("vec[2] is not a bytevector")
	}
	if got := unfix(ref(bv, offBytevectorLength)); got != 3 {
		t.Fatalf("bytevector length = %d, want 3", got)
	}
	data := byteSlice(bv+offBytevectorData, 4)
	if data[0] != 1 || data[1] != 2 || data[2] != 3 || data[3] != 0 {
		t.Errorf("bytevector data = %v, want [1 2 3 0]", data)
	}
	if got := flonumValue(ref(cell, offCdr)); got != 3.25 {
		t.Errorf("flonum = %v, want 3.25", got)
	}
}

func TestSymbolRecordClosureSurvival(t *testing.T) {
	pcb := newTestPCB(t)
	sym := pcb.makeSymbol("the-symbol")
	rtd := pcb.makeRtd(pcb.makeString("point"), 2, 0)
	rec := pcb.makeRecord(rtd, fix(3), fix(4))
	relocVec := pcb.makeVector(0, fix(0))
	code := pcb.makeCode(64, relocVec, falseObject, 2)
	clo := pcb.makeClosure(codeEntryPoint(code), sym, rec)
	cell := pcb.cons(clo, sym)
	pcb.root[0] = &cell

	pcb.Collect(ikHeapSize)

	clo = ref(cell, offCar)
	sym = ref(cell, offCdr)
	if tagOf(clo) != closureTag {
		t.Fatalf("closure tag lost")
	}
	if got := ref(clo, offClosureData); got != sym {
		t.Errorf("closure free var 0 does not share the moved symbol")
	}
	if got := ref(sym, offSymbolRecordTag); got != symbolTag {
		t.Fatalf("symbol header = %#x", uintptr(got))
	}
	str := ref(sym, offSymbolRecordString)
	if got := unfix(ref(str, offStringLength)); got != len("the-symbol") {
		t.Errorf("symbol name length = %d", got)
	}
	rec = ref(clo, offClosureData+wordSize)
	rtd = ref(rec, offRecordRtd)
	if got := unfix(ref(rtd, offRtdLength)); got != 2 {
		t.Fatalf("rtd field count = %d, want 2", got)
	}
	if recordField(rec, 0) != fix(3) || recordField(rec, 1) != fix(4) {
		t.Errorf("record fields = %#x %#x, want 3 4",
			uintptr(recordField(rec, 0)), uintptr(recordField(rec, 1)))
	}
	// The closure's entry pointer must land inside the moved code
	// object, which carries the same header.
	entry := ref(clo, offClosureCode)
	codeObj := entry - dispCodeData
	if wordAt(codeObj) != codeTag {
		t.Fatalf("closure entry does not point into a code object")
	}
	if got := unfix(ref(codeObj, dispCodeFreevars)); got != 2 {
		t.Errorf("moved code free-var count = %d, want 2", got)
	}
}

func TestLargeVectorMoveThenPin(t *testing.T) {
	pcb := newTestPCB(t)
	const n = 2048 // 16 KiB of slots: well past one page
	vec := pcb.makeVector(n, fix(7))
	cell := vec
	pcb.root[0] = &cell

	// First collection: the vector is not yet on large-object pages,
	// so it moves onto freshly mapped ones.
	pcb.Collect(0)
	moved := cell
	if moved == vec {
		t.Fatalf("large vector was not moved out of the nursery")
	}
	if bits := pcb.segBits(moved); bits&largeObjectMask != largeObjectTag {
		t.Fatalf("moved vector not on large-object pages: %#x", bits)
	}

	// Advance the counter so the next run collects generation 1: now
	// the vector is pinned in place.
	pcb.Collect(0)
	pcb.Collect(0)
	pcb.Collect(0) // id 3: collects generations <= 1
	if cell != moved {
		t.Fatalf("pinned vector moved from %#x to %#x", uintptr(moved), uintptr(cell))
	}
	if first := ref(cell, offVectorLength); first == forwardPtr {
		t.Fatalf("pinned vector carries a forwarding marker")
	}
	if gen := pcb.segBits(cell) & oldGenMask; gen != 2 {
		t.Errorf("pinned vector generation = %d, want 2", gen)
	}
	for i := 0; i < n; i++ {
		if got := vectorRef(cell, i); got != fix(7) {
			t.Fatalf("slot %d = %#x, want fixnum 7", i, uintptr(got))
		}
	}
}

func TestCollectCheck(t *testing.T) {
	pcb := newTestPCB(t)
	if got := pcb.CollectCheck(64); got != trueObject {
		t.Fatalf("CollectCheck with room = %#x, want #t", uintptr(got))
	}
	if pcb.collectionID != 0 {
		t.Fatalf("CollectCheck with room ran a collection")
	}
	pcb.allocationPointer = pcb.allocationRedline
	if got := pcb.CollectCheck(64); got != falseObject {
		t.Fatalf("CollectCheck without room = %#x, want #f", uintptr(got))
	}
	if pcb.collectionID != 1 {
		t.Fatalf("CollectCheck without room did not collect")
	}
	if free := int(pcb.allocationRedline - pcb.allocationPointer); free < 64 {
		t.Fatalf("headroom after collection = %d", free)
	}
}

func TestNurseryInvariants(t *testing.T) {
	pcb := newTestPCB(t)
	const req = 4 * ikHeapSize
	pcb.Collect(req)
	if free := int(pcb.allocationRedline - pcb.allocationPointer); free < req {
		t.Fatalf("headroom %d smaller than requested %d", free, req)
	}
	if got := pcb.allocationRedline; got != pcb.heapBase+ikptr(pcb.heapSize-ikHeapExtraPages*pageSize) {
		t.Fatalf("redline not two pages below the heap end")
	}
	// No page may keep the new-generation bit across a cycle.
	lo, hi := pcb.pageRange()
	for idx := lo; idx < hi; idx++ {
		if pcb.segmentVector[pcb.segSlot(idx)]&newGenMask != 0 {
			t.Fatalf("page %d still tagged new-generation after the cycle", idx)
		}
	}
}

func TestGenerationPromotionAndEscalation(t *testing.T) {
	pcb := newTestPCB(t)
	cell := pcb.cons(fix(1), fix(2))
	pcb.root[0] = &cell

	pcb.Collect(0)
	if gen := pcb.segBits(cell) & oldGenMask; gen != 1 {
		t.Fatalf("after 1 collection: generation %d, want 1", gen)
	}
	gen1 := cell
	pcb.Collect(0)
	pcb.Collect(0)
	if cell != gen1 {
		t.Fatalf("generation-1 object moved by generation-0 collections")
	}
	pcb.Collect(0) // id 3: collects generations <= 1
	if cell == gen1 {
		t.Fatalf("generation-1 object not moved by the generation-1 collection")
	}
	if gen := pcb.segBits(cell) & oldGenMask; gen != 2 {
		t.Fatalf("after the escalated collection: generation %d, want 2", gen)
	}
	if got := ref(cell, offCar); got != fix(1) {
		t.Fatalf("car lost in promotion: %#x", uintptr(got))
	}
}

func TestPCBRootFields(t *testing.T) {
	pcb := newTestPCB(t)
	sym := pcb.makeSymbol("interned")
	pcb.symbolTable = pcb.cons(sym, nullObject)
	pcb.gensymTable = pcb.cons(pcb.makeSymbol("g0"), nullObject)
	pcb.argList = pcb.cons(pcb.makeString("arg0"), nullObject)
	pcb.baseRtd = pcb.makeRtd(pcb.makeString("base-rtd"), 0, 0)
	pcb.nextK = fix(0)

	pcb.Collect(ikHeapSize)

	if tagOf(pcb.symbolTable) != pairTag {
		t.Fatalf("symbol table lost")
	}
	sym = ref(pcb.symbolTable, offCar)
	if got := ref(sym, offSymbolRecordTag); got != symbolTag {
		t.Fatalf("interned symbol header = %#x", uintptr(got))
	}
	if tagOf(pcb.gensymTable) != pairTag || tagOf(pcb.argList) != pairTag {
		t.Fatalf("gensym table or arg list lost")
	}
	if tagOf(pcb.baseRtd) != rtdTag {
		t.Fatalf("base rtd lost")
	}
	// The base rtd is its own type descriptor; the relation must
	// survive the move.
	if got := ref(pcb.baseRtd, dispRtdRtd-rtdTag); got != pcb.baseRtd {
		t.Fatalf("base rtd no longer references itself")
	}
}

func TestPageCacheRecycling(t *testing.T) {
	pcb := newTestPCB(t)
	cell := pcb.cons(fix(1), nullObject)
	pcb.root[0] = &cell
	pcb.Collect(ikHeapSize)
	if pcb.cachedPages == nil {
		t.Fatalf("released nursery pages were not parked in the page cache")
	}
	// A second cycle, run with frames parked in the cache, must leave
	// the promoted object intact.
	pcb.Collect(0)
	if got := ref(cell, offCar); got != fix(1) {
		t.Fatalf("object corrupted after cache recycling: %#x", uintptr(got))
	}
}

func TestNotToBeCollectedAndCallbacks(t *testing.T) {
	pcb := newTestPCB(t)
	p1 := pcb.cons(fix(1), nullObject)
	p2 := pcb.cons(fix(2), nullObject)
	avoid := &gcAvoidance{}
	avoid.slots[0] = p1
	pcb.notToBeCollected = avoid
	pcb.callbacks = &callbackLocative{data: p2}

	pcb.Collect(ikHeapSize)

	if got := ref(avoid.slots[0], offCar); got != fix(1) {
		t.Fatalf("avoidance slot lost: %#x", uintptr(got))
	}
	if got := ref(pcb.callbacks.data, offCar); got != fix(2) {
		t.Fatalf("callback locative lost: %#x", uintptr(got))
	}
}

func TestNumericPortAndForeignObjects(t *testing.T) {
	pcb := newTestPCB(t)
	bn := pcb.makeBignum([]uint64{0xDEADBEEF, 0x1}, true)
	rn := pcb.makeRatnum(bn, fix(3))
	bv := pcb.makeBytevector([]byte{9, 9})
	port := pcb.makePort(0x12, bv, pcb.cons(fix(1), nullObject))
	fp := pcb.makePointer(0xC0FFEE00)

	sysk := pcb.unsafeAlloc(ikAlign(systemContinuationSize)) | vectorTag
	setRef(sysk, -vectorTag, systemContinuationTag)
	setRef(sysk, offSystemContinuationTop, 0x10000)
	setRef(sysk, offSystemContinuationNext, fix(0))

	cell := pcb.cons(rn, pcb.cons(port, pcb.cons(fp, sysk)))
	pcb.root[0] = &cell

	pcb.Collect(ikHeapSize)

	rn = ref(cell, offCar)
	if got := ref(rn, -vectorTag); got != ratnumTag {
		t.Fatalf("ratnum header lost: %#x", uintptr(got))
	}
	if got := ref(rn, offRatnumDen); got != fix(3) {
		t.Errorf("ratnum denominator = %#x, want 3", uintptr(got))
	}
	bn = ref(rn, offRatnumNum)
	first := ref(bn, -vectorTag)
	if first&bignumMask != bignumTag || first&bignumSignMask == 0 {
		t.Fatalf("bignum header lost: %#x", uintptr(first))
	}
	if got := int(uintptr(first) >> bignumNlimbsShift); got != 2 {
		t.Fatalf("bignum limb count = %d, want 2", got)
	}
	if ref(bn, offBignumData) != 0xDEADBEEF || ref(bn, offBignumData+wordSize) != 0x1 {
		t.Errorf("bignum limbs lost")
	}
	// Ratnums land on raw-data pages: their children were gathered
	// eagerly since those pages are never rescanned.
	if bits := pcb.segBits(rn); bits&typeMask != dataType {
		t.Errorf("ratnum on page type %#x, want data", bits&typeMask)
	}

	rest := ref(cell, offCdr)
	port = ref(rest, offCar)
	if got := ref(port, -vectorTag); got != ikptr(0x12)<<8|portTag {
		t.Fatalf("port attribute word lost: %#x", uintptr(got))
	}
	bv = ref(port, wordSize-vectorTag)
	if tagOf(bv) != bytevectorTag || byteAt(bv+offBytevectorData) != 9 {
		t.Errorf("port buffer lost")
	}
	cookie := ref(port, 2*wordSize-vectorTag)
	if got := ref(cookie, offCar); got != fix(1) {
		t.Errorf("port cookie lost")
	}

	rest = ref(rest, offCdr)
	fp = ref(rest, offCar)
	if got := ref(fp, -vectorTag); got != pointerTag {
		t.Fatalf("foreign pointer header lost")
	}
	if got := ref(fp, dispPointerData-vectorTag); got != 0xC0FFEE00 {
		t.Errorf("foreign address changed: %#x", uintptr(got))
	}

	sysk = ref(rest, offCdr)
	if got := ref(sysk, -vectorTag); got != systemContinuationTag {
		t.Fatalf("system continuation header lost")
	}
	if got := ref(sysk, offSystemContinuationTop); got != 0x10000 {
		t.Errorf("system continuation top changed")
	}
	if bits := pcb.segBits(sysk); bits&typeMask != dataType {
		t.Errorf("system continuation on page type %#x, want data", bits&typeMask)
	}
}

func TestAllocationAccounting(t *testing.T) {
	pcb := newTestPCB(t)
	pcb.allocationCountMinor = mostBytesInMinor - 8
	pcb.unsafeAlloc(pairSize)
	pcb.Collect(0)
	if pcb.allocationCountMajor != 1 {
		t.Fatalf("major counter = %d, want 1", pcb.allocationCountMajor)
	}
	if pcb.allocationCountMinor >= mostBytesInMinor {
		t.Fatalf("minor counter not normalized: %d", pcb.allocationCountMinor)
	}
	if pcb.collectRtime.Sec < 0 {
		t.Fatalf("negative accumulated collection time")
	}
}
