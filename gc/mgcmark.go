// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Evacuation.
//
// gatherLiveObject is the function that moves one live object from its
// pre-collection location to its post-collection location. The old
// data area is destroyed in the process: its first word becomes
// forwardPtr and its second word the new tagged pointer, so any later
// visit of the same object short-circuits. That one protocol is also
// what makes cyclic structures terminate: a second visit never
// recurses.
//
// The new data areas land in the meta regions (malloc.go), which the
// collect loop scans to quiescence: pair regions by cars only, pointer
// and symbol regions word by word, code regions through the relocation
// protocol. Raw-data regions are never scanned, which is why the
// shallow numeric kinds gather their children eagerly at copy time.

package gc

// gatherLiveObject moves the object referenced by x and returns the
// tagged pointer that must replace every occurrence of x. Immediates
// come back unchanged, as do objects in generations older than the one
// being collected and pinned large objects.
func gatherLiveObject(gc *gcState, x ikptr) ikptr {
	if isFixnum(x) {
		return x
	}
	tag := tagOf(x)
	if tag == immediateTag {
		return x
	}

	firstWord := ref(x, -tag)
	if firstWord == forwardPtr {
		return ref(x, wordSize-tag)
	}

	pcb := gc.pcb
	pageSbits := pcb.segBits(x)
	if int(pageSbits&genMask) > gc.collectGen {
		return x
	}

	switch tag {

	case pairTag:
		var y ikptr
		gatherLiveList(gc, pageSbits, x, &y)
		return y

	case closureTag:
		// firstWord is the raw entry point of the code object; the
		// free-variable count lives in the code header above it.
		numOfFreevars := ref(firstWord, dispCodeFreevars-dispCodeData)
		size := dispClosureData + int(numOfFreevars)
		asize := ikAlign(size)
		y := gcAllocNewPtr(asize, gc) | closureTag
		setRef(y, asize-closureTag-wordSize, 0)
		memcopy(y-closureTag, x-closureTag, size)
		// Forward the old closure before touching the code object, so
		// the recursive gather sees x already collected.
		setRef(x, -closureTag, forwardPtr)
		setRef(x, wordSize-closureTag, y)
		setRef(y, -closureTag, gatherLiveCodeEntry(gc, ref(y, -closureTag)))
		return y

	case vectorTag:
		switch firstWord {

		case symbolTag:
			y := gcAllocNewSymbolRecord(gc) | recordTag
			setRef(y, offSymbolRecordTag, symbolTag)
			setRef(y, offSymbolRecordString, ref(x, offSymbolRecordString))
			setRef(y, offSymbolRecordUstring, ref(x, offSymbolRecordUstring))
			setRef(y, offSymbolRecordValue, ref(x, offSymbolRecordValue))
			setRef(y, offSymbolRecordProc, ref(x, offSymbolRecordProc))
			setRef(y, offSymbolRecordPlist, ref(x, offSymbolRecordPlist))
			setRef(x, -recordTag, forwardPtr)
			setRef(x, wordSize-recordTag, y)
			return y

		case codeTag:
			entry := x + offCodeData
			newEntry := gatherLiveCodeEntry(gc, entry)
			return newEntry - offCodeData

		case continuationTag:
			// The continuation record goes to the pointers region (it
			// is mutable), the frozen frames go to the raw-data region
			// and are walked in place right here: data pages are never
			// rescanned.
			top := ref(x, offContinuationTop)
			size := ref(x, offContinuationSize)
			next := ref(x, offContinuationNext)
			y := gcAllocNewPtr(continuationSize, gc) | vectorTag
			setRef(x, -vectorTag, forwardPtr)
			setRef(x, wordSize-vectorTag, y)
			newTop := gcAllocNewData(ikAlign(int(size)), gc)
			memcopy(newTop, top, int(size))
			collectStack(gc, newTop, newTop+size)
			setRef(y, -vectorTag, continuationTag)
			setRef(y, offContinuationTop, newTop)
			setRef(y, offContinuationSize, size)
			setRef(y, offContinuationNext, next)
			return y

		case systemContinuationTag:
			y := gcAllocNewData(systemContinuationSize, gc) | vectorTag
			top := ref(x, offSystemContinuationTop)
			next := ref(x, offSystemContinuationNext)
			setRef(x, -vectorTag, forwardPtr)
			setRef(x, wordSize-vectorTag, y)
			setRef(y, -vectorTag, firstWord)
			setRef(y, offSystemContinuationTop, top)
			setRef(y, offSystemContinuationNext, gatherLiveObject(gc, next))
			return y

		case flonumTag:
			y := gcAllocNewData(flonumSize, gc) | vectorTag
			setRef(y, -vectorTag, flonumTag)
			setRef(y, offFlonumData, ref(x, offFlonumData))
			setRef(x, -vectorTag, forwardPtr)
			setRef(x, wordSize-vectorTag, y)
			return y

		case ratnumTag:
			y := gcAllocNewData(ratnumSize, gc) | vectorTag
			num := ref(x, offRatnumNum)
			den := ref(x, offRatnumDen)
			setRef(x, -vectorTag, forwardPtr)
			setRef(x, wordSize-vectorTag, y)
			setRef(y, -vectorTag, firstWord)
			setRef(y, offRatnumNum, gatherLiveObject(gc, num))
			setRef(y, offRatnumDen, gatherLiveObject(gc, den))
			return y

		case compnumTag:
			y := gcAllocNewData(compnumSize, gc) | vectorTag
			rl := ref(x, offCompnumReal)
			im := ref(x, offCompnumImag)
			setRef(x, -vectorTag, forwardPtr)
			setRef(x, wordSize-vectorTag, y)
			setRef(y, -vectorTag, firstWord)
			setRef(y, offCompnumReal, gatherLiveObject(gc, rl))
			setRef(y, offCompnumImag, gatherLiveObject(gc, im))
			return y

		case cflonumTag:
			y := gcAllocNewData(cflonumSize, gc) | vectorTag
			rl := ref(x, offCflonumReal)
			im := ref(x, offCflonumImag)
			setRef(x, -vectorTag, forwardPtr)
			setRef(x, wordSize-vectorTag, y)
			setRef(y, -vectorTag, firstWord)
			setRef(y, offCflonumReal, gatherLiveObject(gc, rl))
			setRef(y, offCflonumImag, gatherLiveObject(gc, im))
			return y

		case pointerTag:
			y := gcAllocNewData(pointerSize, gc) | vectorTag
			setRef(y, -vectorTag, pointerTag)
			setRef(y, wordSize-vectorTag, ref(x, wordSize-vectorTag))
			setRef(x, -vectorTag, forwardPtr)
			setRef(x, wordSize-vectorTag, y)
			return y

		default:
			switch {
			case isFixnum(firstWord):
				// Vector. The length fixnum, read as a raw integer, is
				// already the payload size in bytes.
				length := int(firstWord)
				nbytes := length + dispVectorData
				memreq := ikAlign(nbytes)
				if memreq >= pageSize {
					if pageSbits&largeObjectMask == largeObjectTag {
						// Pinned: update the page tags and queue the
						// data area; the object keeps its address and
						// never carries a forwarding marker.
						enqueueLargePtr(x-vectorTag, nbytes, gc)
						return x
					}
					y := gcAllocNewLargePtr(nbytes, gc) | vectorTag
					setRef(y, offVectorLength, firstWord)
					setRef(y, memreq-vectorTag-wordSize, 0)
					memcopy(y+offVectorData, x+offVectorData, length)
					setRef(x, -vectorTag, forwardPtr)
					setRef(x, wordSize-vectorTag, y)
					return y
				}
				y := gcAllocNewPtr(memreq, gc) | vectorTag
				setRef(y, offVectorLength, firstWord)
				// Zero the alignment word so the scanners never see a
				// stale word after the last slot.
				setRef(y, memreq-vectorTag-wordSize, 0)
				memcopy(y+offVectorData, x+offVectorData, length)
				setRef(x, -vectorTag, forwardPtr)
				setRef(x, wordSize-vectorTag, y)
				return y

			case tagOf(firstWord) == rtdTag:
				// Struct or record instance, rtd in the first slot.
				// The length word of the rtd is the field area size in
				// bytes.
				rtd := firstWord
				length := int(ref(rtd, offRtdLength))
				requestedSize := dispRecordData + length
				alignedSize := ikAlign(requestedSize)
				y := gcAllocNewPtr(alignedSize, gc) | recordTag
				setRef(y, offRecordRtd, rtd)
				memcopy(y+offRecordData, x+offRecordData, length)
				if requestedSize < alignedSize {
					setRef(y, offRecordData+length, 0)
				}
				setRef(x, -recordTag, forwardPtr)
				setRef(x, wordSize-recordTag, y)
				return y

			case tagOf(firstWord) == pairTag:
				// tcbucket. If the key is about to move, the bucket
				// must be re-queued on its table's tconc after the
				// cycle.
				y := gcAllocNewPtr(tcbucketSize, gc) | vectorTag
				key := ref(x, offTcbucketKey)
				setRef(y, offTcbucketTconc, firstWord)
				setRef(y, offTcbucketKey, key)
				setRef(y, offTcbucketVal, ref(x, offTcbucketVal))
				setRef(y, offTcbucketNext, ref(x, offTcbucketNext))
				if !isImmediate(key) {
					if int(pcb.segBits(key)&genMask) <= gc.collectGen {
						gcTconcPush(gc, y)
					}
				}
				setRef(x, -vectorTag, forwardPtr)
				setRef(x, wordSize-vectorTag, y)
				return y

			case firstWord&portMask == portTag:
				y := gcAllocNewPtr(portSize, gc) | vectorTag
				setRef(y, -vectorTag, firstWord)
				for i := wordSize; i < portSize; i += wordSize {
					setRef(y, i-vectorTag, ref(x, i-vectorTag))
				}
				setRef(x, -vectorTag, forwardPtr)
				setRef(x, wordSize-vectorTag, y)
				return y

			case firstWord&bignumMask == bignumTag:
				limbs := int(uintptr(firstWord) >> bignumNlimbsShift)
				memreq := ikAlign(dispBignumData + limbs*wordSize)
				y := gcAllocNewData(memreq, gc) | vectorTag
				memcopy(y-vectorTag, x-vectorTag, memreq)
				setRef(x, -vectorTag, forwardPtr)
				setRef(x, wordSize-vectorTag, y)
				return y

			default:
				ikAbort("unhandled object with first word %#x", uintptr(firstWord))
			}
		}

	case stringTag:
		if !isFixnum(firstWord) {
			ikAbort("unhandled string %#x with first word %#x", uintptr(x), uintptr(firstWord))
		}
		length := unfix(firstWord)
		memreq := ikAlign(length*stringCharSize + dispStringData)
		y := gcAllocNewData(memreq, gc) | stringTag
		setRef(y, offStringLength, firstWord)
		memcopy(y+offStringData, x+offStringData, length*stringCharSize)
		setRef(x, -stringTag, forwardPtr)
		setRef(x, wordSize-stringTag, y)
		return y

	case bytevectorTag:
		length := unfix(firstWord)
		memreq := ikAlign(length + dispBytevectorData + 1)
		y := gcAllocNewData(memreq, gc) | bytevectorTag
		setRef(y, offBytevectorLength, firstWord)
		memcopy(y+offBytevectorData, x+offBytevectorData, length+1)
		setRef(x, -bytevectorTag, forwardPtr)
		setRef(x, wordSize-bytevectorTag, y)
		return y
	}
	ikAbort("gatherLiveObject: unhandled tag %d", tag)
	return 0
}

// gatherLiveList moves the spine of the proper or improper list headed
// by the pair x, storing in loc the replacement for x. The walk is
// iterative so arbitrarily long lists cannot overflow the Go stack.
//
// Cars are copied verbatim, not gathered: strong pair regions are
// revisited car-by-car by the collect loop, and leaving weak-pair cars
// untraced is precisely what makes them weak.
func gatherLiveList(gc *gcState, pageSbits uint32, x ikptr, loc *ikptr) {
	collectGen := gc.collectGen
	for {
		firstWord := ref(x, offCar)
		secondWord := ref(x, offCdr)
		secondWordTag := tagOf(secondWord)
		var y ikptr
		if pageSbits&typeMask != weakPairsType {
			y = gcAllocNewPair(gc) | pairTag
		} else {
			y = gcAllocNewWeakPair(gc) | pairTag
		}
		*loc = y
		setRef(x, offCar, forwardPtr)
		setRef(x, offCdr, y)
		// x is gone; from now on only y matters.
		setRef(y, offCar, firstWord)
		switch {
		case secondWordTag == pairTag:
			if ref(secondWord, offCar) == forwardPtr {
				// The rest of the list has already been collected.
				setRef(y, offCdr, ref(secondWord, offCdr))
				return
			}
			pageSbits = gc.pcb.segBits(secondWord)
			if int(pageSbits&genMask) > collectGen {
				setRef(y, offCdr, secondWord)
				return
			}
			// Continue the walk on the cdr, updating y's cdr slot in
			// place.
			x = secondWord
			loc = (*ikptr)(refAddr(y, offCdr))
		case isFixnum(secondWord) || secondWordTag == immediateTag:
			setRef(y, offCdr, secondWord)
			return
		case ref(secondWord, -secondWordTag) == forwardPtr:
			setRef(y, offCdr, ref(secondWord, wordSize-secondWordTag))
			return
		default:
			setRef(y, offCdr, gatherLiveObject(gc, secondWord))
			return
		}
	}
}

// gatherLiveCodeEntry moves the code object whose binary code starts
// at entry; it returns the replacement entry point. Large code objects
// are pinned in place, with their pages re-tagged into the target
// generation, and queued for in-place relocation.
func gatherLiveCodeEntry(gc *gcState, entry ikptr) ikptr {
	x := entry - dispCodeData // untagged pointer to the code object
	if wordAt(x) == forwardPtr {
		return ref(x, wordSize) + offCodeData
	}
	pcb := gc.pcb
	if int(pcb.segBits(x)&genMask) > gc.collectGen {
		return entry
	}

	binaryCodeSize := unfix(ref(x, dispCodeCodeSize))
	codeObjectSize := dispCodeData + binaryCodeSize
	requiredMem := ikAlign(codeObjectSize)
	relocVec := ref(x, dispCodeRelocVector)
	freevars := ref(x, dispCodeFreevars)
	annotation := ref(x, dispCodeAnnotation)
	if requiredMem >= pageSize {
		// Pinned large code object: first page keeps the code tag, the
		// following pages hold no tagged words and become data.
		newTag := gc.collectGenTag
		pcb.setSegBits(x, newTag|codeMT)
		for mem := pageSize; mem < requiredMem; mem += pageSize {
			pcb.setSegBits(x+ikptr(mem), newTag|dataMT)
		}
		gc.queues[metaCode] = &qupages{p: x, q: x + ikptr(requiredMem), next: gc.queues[metaCode]}
		return entry
	}
	y := gcAllocNewCode(requiredMem, gc) // untagged pointer
	setRef(y, dispCodeTag, codeTag)
	setRef(y, dispCodeCodeSize, fix(binaryCodeSize))
	setRef(y, dispCodeRelocVector, relocVec)
	setRef(y, dispCodeFreevars, freevars)
	setRef(y, dispCodeAnnotation, annotation)
	setRef(y, dispCodeUnused, fix(0))
	memcopy(y+dispCodeData, x+dispCodeData, binaryCodeSize)
	setWordAt(x, forwardPtr)
	setRef(x, wordSize, y|vectorTag)
	return y + dispCodeData
}

// collectLoop scans, to quiescence, everything the evacuator has
// queued: the retired region queues and the still unscanned tails of
// the current meta regions. Scanning gathers more objects, which
// queues more work; the loop ends when a full pass finds nothing.
func collectLoop(gc *gcState) {
	for {
		done := true

		// Queued pair regions: cars only.
		if qu := gc.queues[metaPair]; qu != nil {
			done = false
			gc.queues[metaPair] = nil
			for ; qu != nil; qu = qu.next {
				for p := qu.p; p < qu.q; p += pairSize {
					setRef(p, dispCar, gatherLiveObject(gc, ref(p, dispCar)))
				}
			}
		}

		// Queued pointer regions: every word.
		if qu := gc.queues[metaPtrs]; qu != nil {
			done = false
			gc.queues[metaPtrs] = nil
			for ; qu != nil; qu = qu.next {
				for p := qu.p; p < qu.q; p += wordSize {
					setWordAt(p, gatherLiveObject(gc, wordAt(p)))
				}
			}
		}

		// Queued symbol regions: every word.
		if qu := gc.queues[metaSymbol]; qu != nil {
			done = false
			gc.queues[metaSymbol] = nil
			for ; qu != nil; qu = qu.next {
				for p := qu.p; p < qu.q; p += wordSize {
					setWordAt(p, gatherLiveObject(gc, wordAt(p)))
				}
			}
		}

		// Queued code regions: relocation protocol, object by object.
		if qu := gc.queues[metaCode]; qu != nil {
			done = false
			gc.queues[metaCode] = nil
			for ; qu != nil; qu = qu.next {
				for p := qu.p; p < qu.q; {
					relocateNewCode(p, gc)
					p += ikptr(ikAlign(dispCodeData + unfix(ref(p, dispCodeCodeSize))))
				}
			}
		}

		// Unscanned tails of the current meta regions. Gathering can
		// extend the region under our feet, so re-read aq/ap until
		// they meet.
		{
			m := &gc.meta[metaPair]
			if m.aq < m.ap {
				done = false
				for p, q := m.aq, m.ap; p < q; p, q = m.aq, m.ap {
					m.aq = q
					for ; p < q; p += pairSize {
						setWordAt(p, gatherLiveObject(gc, wordAt(p)))
					}
				}
			}
		}
		{
			m := &gc.meta[metaSymbol]
			if m.aq < m.ap {
				done = false
				for p, q := m.aq, m.ap; p < q; p, q = m.aq, m.ap {
					m.aq = q
					for ; p < q; p += wordSize {
						setWordAt(p, gatherLiveObject(gc, wordAt(p)))
					}
				}
			}
		}
		{
			m := &gc.meta[metaPtrs]
			if m.aq < m.ap {
				done = false
				for p, q := m.aq, m.ap; p < q; p, q = m.aq, m.ap {
					m.aq = q
					for ; p < q; p += wordSize {
						setWordAt(p, gatherLiveObject(gc, wordAt(p)))
					}
				}
			}
		}
		{
			m := &gc.meta[metaCode]
			if m.aq < m.ap {
				done = false
				for p, q := m.aq, m.ap; p < q; p, q = m.aq, m.ap {
					m.aq = q
					for p < q {
						relocateNewCode(p, gc)
						p += ikptr(ikAlign(dispCodeData + unfix(ref(p, dispCodeCodeSize))))
					}
				}
			}
		}

		if done {
			break
		}
	}

	// Zero the unused tails of the meta regions: if this was the last
	// pass of the cycle, later page walks must read fixnums there.
	for i := range gc.meta {
		m := &gc.meta[i]
		if m.ap != 0 {
			memzero(m.ap, int(m.ep-m.ap))
		}
	}
}
