// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Tagged-pointer object model.
//
// Every Scheme value is one machine word, an ikptr. The low 3 bits are
// the primary tag: fixnums have all tag bits zero (so a fixnum shifted
// left by fxShift is its own representation), pairs, closures, strings,
// bytevectors and "vector-like" objects carry a nonzero tag and point
// into a data area, and the 0x?F values are self-contained immediates
// (booleans, characters, nil, eof, void, bwp, unbound).
//
// Vector-tagged references are further discriminated by the first word
// of the data area: a fixnum first word is a vector length, a sentinel
// (flonumTag, codeTag, ...) names one of the header-led kinds, an
// rtd-tagged pointer marks a struct or record instance, and a
// pair-tagged pointer marks a hash-table tcbucket. All sentinels read
// as immediates so a page scanner that walks a data area word by word
// leaves them alone.

package gc

import "unsafe"

type ikptr uintptr

const (
	wordSize  = 8
	wordShift = 3

	pageSize  = 4096
	pageShift = 12

	// Objects are aligned to two words so that the low bits of any
	// data-area address are free for the tag.
	alignShift = 4
	alignSize  = 1 << alignShift
	alignMask  = alignSize - 1
)

// ikAlign rounds size up to the object alignment.
func ikAlign(size int) int {
	return (size + alignMask) &^ alignMask
}

// pageAlign rounds size up to a whole number of pages.
func pageAlign(size int) int {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// pageIndex returns the absolute page number of x.
func pageIndex(x ikptr) int {
	return int(x >> pageShift)
}

// pageBase returns the first address of the page holding x.
func pageBase(x ikptr) ikptr {
	return x &^ (pageSize - 1)
}

// Primary tags.
const (
	fxShift = 3
	fxMask  = 7
	fxTag   = 0

	tagMask       = 7
	pairTag       = 1
	bytevectorTag = 2
	closureTag    = 3
	vectorTag     = 5
	recordTag     = vectorTag
	rtdTag        = vectorTag
	stringTag     = 6
	immediateTag  = 7
)

// Immediate objects.
const (
	charTag   = 0x0F
	charMask  = 0xFF
	charShift = 8

	falseObject   ikptr = 0x2F
	trueObject    ikptr = 0x3F
	nullObject    ikptr = 0x4F
	eofObject     ikptr = 0x5F
	unboundObject ikptr = 0x6F
	voidObject    ikptr = 0x7F
	bwpObject     ikptr = 0x8F
)

// forwardPtr overwrites the first word of an evacuated data area; the
// second word then holds the new tagged pointer. No valid first word is
// all ones.
const forwardPtr = ^ikptr(0)

// First-word sentinels for header-led objects. Each one reads as an
// immediate (low 3 bits all set) so word-wise page scanners skip it.
const (
	flonumTag             ikptr = 0x17
	ratnumTag             ikptr = 0x27
	compnumTag            ikptr = 0x37
	cflonumTag            ikptr = 0x47
	codeTag               ikptr = 0x57
	continuationTag       ikptr = 0x67
	systemContinuationTag ikptr = 0x77
	pointerTag            ikptr = 0x87
	symbolTag             ikptr = 0x97

	// Port first words carry attribute bits above the tag byte.
	portTag  ikptr = 0xA7
	portMask       = 0xFF

	// Bignum first words pack the limb count above the sign bit. Their
	// low 3 bits are bignumTag, not the immediate tag; bignums are
	// copied to raw-data pages, which no scanner walks.
	bignumTag         = 3
	bignumMask        = 7
	bignumSignMask    = 8
	bignumNlimbsShift = 4
)

// Pairs.
const (
	dispCar  = 0
	dispCdr  = wordSize
	pairSize = 2 * wordSize

	offCar = dispCar - pairTag
	offCdr = dispCdr - pairTag
)

// Vectors.
const (
	dispVectorLength = 0
	dispVectorData   = wordSize

	offVectorLength = dispVectorLength - vectorTag
	offVectorData   = dispVectorData - vectorTag
)

// Symbol records.
const (
	dispSymbolRecordTag     = 0
	dispSymbolRecordString  = 1 * wordSize
	dispSymbolRecordUstring = 2 * wordSize
	dispSymbolRecordValue   = 3 * wordSize
	dispSymbolRecordProc    = 4 * wordSize
	dispSymbolRecordPlist   = 5 * wordSize
	symbolRecordSize        = 6 * wordSize

	offSymbolRecordTag     = dispSymbolRecordTag - recordTag
	offSymbolRecordString  = dispSymbolRecordString - recordTag
	offSymbolRecordUstring = dispSymbolRecordUstring - recordTag
	offSymbolRecordValue   = dispSymbolRecordValue - recordTag
	offSymbolRecordProc    = dispSymbolRecordProc - recordTag
	offSymbolRecordPlist   = dispSymbolRecordPlist - recordTag
)

// Code objects. The data area is: header words, then binary code. The
// call table of a return point sits inside the binary code at fixed
// negative displacements from the return address (see mstack.go).
const (
	dispCodeTag         = 0
	dispCodeCodeSize    = 1 * wordSize
	dispCodeRelocVector = 2 * wordSize
	dispCodeFreevars    = 3 * wordSize
	dispCodeAnnotation  = 4 * wordSize
	dispCodeUnused      = 5 * wordSize
	dispCodeData        = 6 * wordSize

	offCodeAnnotation = dispCodeAnnotation - vectorTag
	offCodeData       = dispCodeData - vectorTag
)

// Call-table displacements from a return address. The call instruction
// is 10 bytes; above it sit the multivalue return point, the offset
// field and the frame size, with the live mask immediately below the
// frame-size word.
const (
	callInstructionSize = 10

	dispFrameSize    = -(callInstructionSize + 3*wordSize)
	dispFrameOffset  = -(callInstructionSize + 2*wordSize)
	dispMultivalueRP = -(callInstructionSize + 1*wordSize)

	dispCallTableSize   = dispFrameSize
	dispCallTableOffset = dispFrameOffset
)

// Closures. The first word is a raw pointer to the entry point of the
// code object's binary code, not a tagged reference.
const (
	dispClosureCode = 0
	dispClosureData = wordSize

	offClosureCode = dispClosureCode - closureTag
	offClosureData = dispClosureData - closureTag
)

// Continuations.
const (
	dispContinuationTag  = 0
	dispContinuationTop  = 1 * wordSize
	dispContinuationSize = 2 * wordSize
	dispContinuationNext = 3 * wordSize
	continuationSize     = 4 * wordSize

	offContinuationTop  = dispContinuationTop - vectorTag
	offContinuationSize = dispContinuationSize - vectorTag
	offContinuationNext = dispContinuationNext - vectorTag
)

// System (C language) continuations.
const (
	dispSystemContinuationTag    = 0
	dispSystemContinuationTop    = 1 * wordSize
	dispSystemContinuationNext   = 2 * wordSize
	dispSystemContinuationUnused = 3 * wordSize
	systemContinuationSize       = 4 * wordSize

	offSystemContinuationTop  = dispSystemContinuationTop - vectorTag
	offSystemContinuationNext = dispSystemContinuationNext - vectorTag
)

// Shallow numeric objects.
const (
	dispFlonumData = wordSize
	flonumSize     = 2 * wordSize

	dispRatnumNum = 1 * wordSize
	dispRatnumDen = 2 * wordSize
	ratnumSize    = 4 * wordSize

	dispCompnumReal = 1 * wordSize
	dispCompnumImag = 2 * wordSize
	compnumSize     = 4 * wordSize

	dispCflonumReal = 1 * wordSize
	dispCflonumImag = 2 * wordSize
	cflonumSize     = 4 * wordSize

	offFlonumData  = dispFlonumData - vectorTag
	offRatnumNum   = dispRatnumNum - vectorTag
	offRatnumDen   = dispRatnumDen - vectorTag
	offCompnumReal = dispCompnumReal - vectorTag
	offCompnumImag = dispCompnumImag - vectorTag
	offCflonumReal = dispCflonumReal - vectorTag
	offCflonumImag = dispCflonumImag - vectorTag
)

// Foreign pointers.
const (
	dispPointerData = wordSize
	pointerSize     = 2 * wordSize
)

// Bignums.
const (
	dispBignumData = wordSize
	offBignumData  = dispBignumData - vectorTag
)

// Strings hold 32-bit character words.
const (
	stringCharSize = 4

	dispStringLength = 0
	dispStringData   = wordSize

	offStringLength = dispStringLength - stringTag
	offStringData   = dispStringData - stringTag
)

// Bytevectors carry a zero terminator byte past the payload.
const (
	dispBytevectorLength = 0
	dispBytevectorData   = wordSize

	offBytevectorLength = dispBytevectorLength - bytevectorTag
	offBytevectorData   = dispBytevectorData - bytevectorTag
)

// Structs, records and their type descriptors. An rtd is itself a
// record instance; the base rtd is its own type descriptor.
const (
	dispRecordRtd  = 0
	dispRecordData = wordSize

	offRecordRtd  = dispRecordRtd - recordTag
	offRecordData = dispRecordData - recordTag

	dispRtdRtd     = 0
	dispRtdName    = 1 * wordSize
	dispRtdLength  = 2 * wordSize
	dispRtdFields  = 3 * wordSize
	dispRtdPrinter = 4 * wordSize
	dispRtdSymbol  = 5 * wordSize
	rtdSize        = 6 * wordSize

	offRtdName   = dispRtdName - rtdTag
	offRtdLength = dispRtdLength - rtdTag
)

// Hash-table buckets. The first word is a tagged pointer to the
// table's tconc pair.
const (
	dispTcbucketTconc = 0
	dispTcbucketKey   = 1 * wordSize
	dispTcbucketVal   = 2 * wordSize
	dispTcbucketNext  = 3 * wordSize
	tcbucketSize      = 4 * wordSize

	offTcbucketTconc = dispTcbucketTconc - vectorTag
	offTcbucketKey   = dispTcbucketKey - vectorTag
	offTcbucketVal   = dispTcbucketVal - vectorTag
	offTcbucketNext  = dispTcbucketNext - vectorTag
)

// Ports are opaque to the collector: every word past the first is a
// tagged value copied verbatim.
const (
	dispPortAttrs = 0
	portSize      = 14 * wordSize
)

func isFixnum(x ikptr) bool {
	return x&fxMask == fxTag
}

func isImmediate(x ikptr) bool {
	return isFixnum(x) || tagOf(x) == immediateTag
}

func tagOf(x ikptr) int {
	return int(x & tagMask)
}

func fix(n int) ikptr {
	return ikptr(n << fxShift)
}

func unfix(x ikptr) int {
	return int(x) >> fxShift
}

func isChar(x ikptr) bool {
	return x&charMask == charTag
}

// ref reads the machine word at x+off. Offsets are signed: the off*
// constants are displacements minus the tag of the reference.
func ref(x ikptr, off int) ikptr {
	return *(*ikptr)(unsafe.Pointer(x + ikptr(off)))
}

func setRef(x ikptr, off int, v ikptr) {
	*(*ikptr)(unsafe.Pointer(x + ikptr(off))) = v
}

// refAddr returns the address of the word at x+off.
func refAddr(x ikptr, off int) unsafe.Pointer {
	return unsafe.Pointer(x + ikptr(off))
}

func byteAt(p ikptr) byte {
	return *(*byte)(unsafe.Pointer(p))
}

func setByteAt(p ikptr, v byte) {
	*(*byte)(unsafe.Pointer(p)) = v
}

func int32At(p ikptr) int32 {
	return *(*int32)(unsafe.Pointer(p))
}

func setInt32At(p ikptr, v int32) {
	*(*int32)(unsafe.Pointer(p)) = v
}

func byteSlice(p ikptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

func memcopy(dst, src ikptr, n int) {
	copy(byteSlice(dst, n), byteSlice(src, n))
}

func memzero(p ikptr, n int) {
	clear(byteSlice(p, n))
}
