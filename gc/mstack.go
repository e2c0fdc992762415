// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Scheme stack walking.
//
// A stack segment (the live stack, or the frozen frames of a
// continuation) is a run of frames laid out from low to high memory.
// Each frame starts with its return-address word; the return address
// points into the binary code of a code object, and at fixed negative
// displacements from it the compiler has emitted a call table:
//
//	|    ...      |
//	| livemask    |   one bit per frame cell, LSB first
//	+-------------+
//	| framesize   |   bytes; 0 means "size on the stack, all live"
//	+-------------+
//	| frameoffset |   fixnum: bytes from the code start to this word
//	+-------------+
//	| multivalue  |   multiple-values return point
//	+-------------+
//	| padding/call|
//	+-------------+
//	| code        | <- return address
//
// The frame-offset field is what lets the walker find the code object
// from a raw return address; the code object is gathered and the
// return-address word rewritten to point into the moved code.

package gc

import (
	"fmt"
	"os"
)

// debugStack gates per-frame tracing of the walker.
var debugStack = false

func calltableOffset(rp ikptr) int {
	return unfix(ref(rp, dispCallTableOffset))
}

func calltableFramesize(rp ikptr) int {
	return int(ref(rp, dispFrameSize))
}

// collectStack walks the frames in [top, end), gathering the code
// object and the live values of each frame. top must point at the
// return address of the innermost frame; the walk must land exactly on
// end.
func collectStack(gc *gcState, top, end ikptr) {
	if debugStack {
		fmt.Fprintf(os.Stderr, "collectStack: enter (size=%d) from %#x to %#x\n",
			int(end-top), uintptr(top), uintptr(end))
	}
	for top < end {
		singleValueRP := wordAt(top)
		offsetField := calltableOffset(singleValueRP)
		if offsetField <= 0 {
			ikAbort("invalid frame offset field %d", offsetField)
		}
		// The return point is alive, so the code object containing it
		// is alive: gather it and rewrite the return address in terms
		// of the moved code.
		codeOffset := ikptr(offsetField - dispCallTableOffset)
		codeEntry := singleValueRP - codeOffset
		newCodeEntry := gatherLiveCodeEntry(gc, codeEntry)
		newSingleValueRP := newCodeEntry + codeOffset
		setWordAt(top, newSingleValueRP)
		singleValueRP = newSingleValueRP

		framesize := calltableFramesize(singleValueRP)
		if framesize < 0 {
			ikAbort("invalid frame size %d", framesize)
		} else if framesize == 0 {
			// The size could not be computed at compile time: it sits
			// on the stack below the return point and every word of
			// the frame is live.
			framesize = int(ref(top, wordSize))
			if framesize <= 0 {
				ikAbort("invalid redirected frame size %d", framesize)
			}
			for base := top + ikptr(framesize) - wordSize; base > top; base -= wordSize {
				setWordAt(base, gatherLiveObject(gc, wordAt(base)))
			}
		} else {
			// Gather only the cells selected by the live mask: one bit
			// per cell, LSB first, bit j of byte i covering the cell
			// at top + framesize - (8i+j) words.
			frameCells := framesize >> fxShift
			bytesInMask := (frameCells + 7) >> 3
			mask := singleValueRP + ikptr(dispCallTableSize-bytesInMask)
			fp := top + ikptr(framesize)
			for i := 0; i < bytesInMask; i, fp = i+1, fp-8*wordSize {
				m := byteAt(mask + ikptr(i))
				for j := 0; j < 8; j++ {
					if m&(1<<j) != 0 {
						slot := fp - ikptr(j)*wordSize
						setWordAt(slot, gatherLiveObject(gc, wordAt(slot)))
					}
				}
			}
		}
		top += ikptr(framesize)
	}
	if top != end {
		ikAbort("stack frames did not match up %#x .. %#x", uintptr(top), uintptr(end))
	}
	if debugStack {
		fmt.Fprintf(os.Stderr, "collectStack: leave\n")
	}
}
