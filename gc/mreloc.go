// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Relocation vectors.
//
// Every code object carries a vector of variable-width records
// describing the object references and jump targets embedded in its
// binary code. The first word of a record is a fixnum whose low two
// bits are the record kind and whose remaining bits are the byte
// displacement of the patch site inside the binary code:
//
//	vanilla   (2 words): tagged reference at disp
//	displaced (3 words): tagged reference plus byte offset at disp
//	jump      (3 words): 32-bit PC-relative displacement at disp
//	foreign   (2 words): C address, opaque, never relocated
//
// Processing a code object gathers the vector and the annotation, then
// rewrites every patch site in terms of the moved referents.

package gc

const (
	relocRecordMaskTag    = 3
	relocRecordBitsOffset = 2

	relocVanillaObject   = 0
	relocDisplacedObject = 1
	relocJumpLabel       = 2
	relocForeignAddress  = 3
)

// relocateNewCode processes the relocation vector of the code object
// at the untagged address x.
func relocateNewCode(x ikptr, gc *gcState) {
	relocVec := gatherLiveObject(gc, ref(x, dispCodeRelocVector))
	setRef(x, dispCodeRelocVector, relocVec)
	setRef(x, dispCodeAnnotation, gatherLiveObject(gc, ref(x, dispCodeAnnotation)))

	cur := relocVec + offVectorData
	end := cur + ref(relocVec, offVectorLength)
	data := x + dispCodeData
	for cur < end {
		firstRecordBits := unfix(wordAt(cur))
		tag := firstRecordBits & relocRecordMaskTag
		disp := firstRecordBits >> relocRecordBitsOffset
		switch tag {
		case relocVanillaObject:
			oldObject := wordAt(cur + wordSize)
			setRef(data, disp, gatherLiveObject(gc, oldObject))
			cur += 2 * wordSize
		case relocDisplacedObject:
			objOff := unfix(wordAt(cur + wordSize))
			oldObject := wordAt(cur + 2*wordSize)
			setRef(data, disp, gatherLiveObject(gc, oldObject)+ikptr(objOff))
			cur += 3 * wordSize
		case relocJumpLabel:
			objOff := unfix(wordAt(cur + wordSize))
			obj := gatherLiveObject(gc, wordAt(cur+2*wordSize))
			displacedObject := obj + ikptr(objOff)
			nextWord := data + ikptr(disp) + 4
			relativeDistance := int64(displacedObject) - int64(nextWord)
			if relativeDistance != int64(int32(relativeDistance)) {
				ikAbort("relocation error with relative distance %#x", relativeDistance)
			}
			setInt32At(data+ikptr(disp), int32(relativeDistance))
			cur += 3 * wordSize
		case relocForeignAddress:
			cur += 2 * wordSize
		default:
			ikAbort("invalid relocation record tag %d in %#x", tag, firstRecordBits)
		}
	}
}
