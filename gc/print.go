// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Diagnostic printers. These share the tag and layout vocabulary with
// the collector but are otherwise independent of it; they exist to
// dump heap objects and stack frames when debugging the runtime.

package gc

import (
	"fmt"
	"io"
	"os"
)

var charString = [128]string{
	"#\\nul", "#\\soh", "#\\stx", "#\\etx", "#\\eot", "#\\enq", "#\\ack", "#\\bel",
	"#\\bs", "#\\tab", "#\\newline", "#\\vt", "#\\ff", "#\\return", "#\\so",
	"#\\si",
	"#\\dle", "#\\dc1", "#\\dc2", "#\\dc3", "#\\dc4", "#\\nak", "#\\syn", "#\\etb",
	"#\\can", "#\\em", "#\\sub", "#\\esc", "#\\fs", "#\\gs", "#\\rs", "#\\us",
	"#\\space", "#\\!", "#\\\"", "#\\#", "#\\$", "#\\%", "#\\&", "#\\'",
	"#\\(", "#\\)", "#\\*", "#\\+", "#\\,", "#\\-", "#\\.", "#\\/",
	"#\\0", "#\\1", "#\\2", "#\\3", "#\\4", "#\\5", "#\\6", "#\\7",
	"#\\8", "#\\9", "#\\:", "#\\;", "#\\<", "#\\=", "#\\>", "#\\?",
	"#\\@", "#\\A", "#\\B", "#\\C", "#\\D", "#\\E", "#\\F", "#\\G",
	"#\\H", "#\\I", "#\\J", "#\\K", "#\\L", "#\\M", "#\\N", "#\\O",
	"#\\P", "#\\Q", "#\\R", "#\\S", "#\\T", "#\\U", "#\\V", "#\\W",
	"#\\X", "#\\Y", "#\\Z", "#\\[", "#\\\\", "#\\]", "#\\^", "#\\_",
	"#\\`", "#\\a", "#\\b", "#\\c", "#\\d", "#\\e", "#\\f", "#\\g",
	"#\\h", "#\\i", "#\\j", "#\\k", "#\\l", "#\\m", "#\\n", "#\\o",
	"#\\p", "#\\q", "#\\r", "#\\s", "#\\t", "#\\u", "#\\v", "#\\w",
	"#\\x", "#\\y", "#\\z", "#\\{", "#\\|", "#\\}", "#\\~", "#\\del",
}

func isCode(x ikptr) bool {
	return tagOf(x) == vectorTag && ref(x, -vectorTag) == codeTag
}

func isContinuation(x ikptr) bool {
	return tagOf(x) == vectorTag && ref(x, -vectorTag) == continuationTag
}

func isSystemContinuation(x ikptr) bool {
	return tagOf(x) == vectorTag && ref(x, -vectorTag) == systemContinuationTag
}

func isClosure(x ikptr) bool {
	return tagOf(x) == closureTag
}

func isPair(x ikptr) bool {
	return tagOf(x) == pairTag
}

// ikFprint writes the printed form of x to w.
func ikFprint(w io.Writer, x ikptr) {
	printObject(w, x, 0)
}

// ikPrint writes x and a newline to stderr.
func ikPrint(x ikptr) {
	printObject(os.Stderr, x, 0)
	fmt.Fprintf(os.Stderr, "\n")
}

func ikPrintNoNewline(x ikptr) {
	printObject(os.Stderr, x, 0)
}

// printEmergency dumps the contents of a bytevector to stderr; it is
// the last-resort diagnostic used when the heap may be too damaged to
// print structurally.
func printEmergency(bv ikptr) ikptr {
	data := byteSlice(bv+offBytevectorData, unfix(ref(bv, offBytevectorLength)))
	fmt.Fprintf(os.Stderr, "\nemergency!!! %s\n\n", data)
	return voidObject
}

// schemePrint is the printer entry point exposed to compiled code.
func schemePrint(x ikptr) ikptr {
	printObject(os.Stderr, x, 0)
	fmt.Fprintf(os.Stderr, "\n")
	return voidObject
}

func printIndentation(w io.Writer, nestedLevel int) {
	if nestedLevel != 0 {
		fmt.Fprintf(w, "\t")
	}
	for ; nestedLevel != 0; nestedLevel-- {
		fmt.Fprintf(w, "   ")
	}
}

func printObject(w io.Writer, x ikptr, nestedLevel int) {
	switch {
	case isFixnum(x):
		fmt.Fprintf(w, "fixnum=%d", unfix(x))
	case x == falseObject:
		fmt.Fprintf(w, "bool=#f")
	case x == trueObject:
		fmt.Fprintf(w, "bool=#t")
	case x == nullObject:
		fmt.Fprintf(w, "null=()")
	case isChar(x):
		i := uintptr(x) >> charShift
		if i < 128 {
			fmt.Fprintf(w, "char=%s", charString[i])
		} else {
			fmt.Fprintf(w, "char=#\\x%x", i)
		}
	case isCode(x):
		fmt.Fprintf(w, "code={x=%#016x, annotation=", uintptr(x))
		printObject(w, ref(x, offCodeAnnotation), nestedLevel+1)
		fmt.Fprintf(w, "}")
	case isContinuation(x):
		fmt.Fprintf(w, "continuation={x=%#016x, top=%#016x, size=%d, next=%#016x}",
			uintptr(x), uintptr(ref(x, offContinuationTop)),
			int(ref(x, offContinuationSize)), uintptr(ref(x, offContinuationNext)))
	case isSystemContinuation(x):
		fmt.Fprintf(w, "system-continuation={x=%#016x, top=%#016x, next=%#016x}",
			uintptr(x), uintptr(ref(x, offSystemContinuationTop)),
			uintptr(ref(x, offSystemContinuationNext)))
	case tagOf(x) == vectorTag:
		printVectorLike(w, x, nestedLevel)
	case isClosure(x):
		printClosure(w, x, nestedLevel)
	case isPair(x):
		fmt.Fprintf(w, "pair=(")
		printObject(w, ref(x, offCar), 0)
		fmt.Fprintf(w, " . ")
		printObject(w, ref(x, offCdr), nestedLevel+1)
		fmt.Fprintf(w, ")")
	case tagOf(x) == stringTag:
		printString(w, x)
	case tagOf(x) == bytevectorTag:
		printBytevector(w, x)
	case x == forwardPtr:
		fmt.Fprintf(w, "#<forward-ptr>")
	case x == eofObject:
		fmt.Fprintf(w, "#<eof>")
	case x == voidObject:
		fmt.Fprintf(w, "#<void>")
	case x == unboundObject:
		fmt.Fprintf(w, "#<unbound-object>")
	case x == bwpObject:
		fmt.Fprintf(w, "#<bwp-object>")
	default:
		fmt.Fprintf(w, "#<unknown %#016x>", uintptr(x))
	}
}

func printVectorLike(w io.Writer, x ikptr, nestedLevel int) {
	firstWord := ref(x, offVectorLength)
	switch {
	case isFixnum(firstWord):
		length := int(firstWord)
		if length == 0 {
			fmt.Fprintf(w, "vector=#()")
			return
		}
		fmt.Fprintf(w, "vector=#(")
		data := x + offVectorData
		printObject(w, ref(data, 0), nestedLevel+1)
		for i := wordSize; i < length; i += wordSize {
			fmt.Fprintf(w, " ")
			printObject(w, ref(data, i), nestedLevel+1)
		}
		fmt.Fprintf(w, ")")
	case firstWord == symbolTag:
		str := ref(x, offSymbolRecordString)
		length := unfix(ref(str, offStringLength))
		fmt.Fprintf(w, "symbol=")
		for i := 0; i < length; i++ {
			c := int32At(str+ikptr(offStringData+i*stringCharSize)) >> charShift
			fmt.Fprintf(w, "%c", rune(c))
		}
	case tagOf(firstWord) == rtdTag:
		rtd := ref(x, offRecordRtd)
		numberOfFields := unfix(ref(rtd, offRtdLength))
		if rtd == x {
			fmt.Fprintf(w, "#[rtd: ")
		} else {
			fmt.Fprintf(w, "#[struct nfields=%d rtd=", numberOfFields)
			printObject(w, ref(rtd, offRtdName), nestedLevel+1)
			fmt.Fprintf(w, ": ")
		}
		for i := 0; i < numberOfFields; i++ {
			if i != 0 {
				fmt.Fprintf(w, ", ")
			}
			printObject(w, recordField(x, i), nestedLevel+1)
		}
		fmt.Fprintf(w, "]")
	default:
		fmt.Fprintf(w, "#<unknown first_word=%#x>", uintptr(firstWord))
	}
}

func printClosure(w io.Writer, x ikptr, nestedLevel int) {
	entry := ref(x, offClosureCode)
	freec := unfix(ref(entry, dispCodeFreevars-dispCodeData))
	fmt.Fprintf(w, "#<closure num_of_free_vars=%d,\n", freec)
	for i := 0; i < freec; i++ {
		printIndentation(w, nestedLevel+1)
		fmt.Fprintf(w, "free[%d]=", i)
		printObject(w, ref(x, offClosureData+i*wordSize), nestedLevel+1)
		fmt.Fprintf(w, "\n")
	}
	printIndentation(w, nestedLevel+1)
	printObject(w, (entry-dispCodeData)|vectorTag, nestedLevel+1)
	fmt.Fprintf(w, ">")
}

func printString(w io.Writer, x ikptr) {
	length := unfix(ref(x, offStringLength))
	fmt.Fprintf(w, "string=\"")
	for i := 0; i < length; i++ {
		c := rune(int32At(x+ikptr(offStringData+i*stringCharSize)) >> charShift)
		if c == '\\' || c == '"' {
			fmt.Fprintf(w, "\\")
		}
		fmt.Fprintf(w, "%c", c)
	}
	fmt.Fprintf(w, "\"")
}

func printBytevector(w io.Writer, x ikptr) {
	length := unfix(ref(x, offBytevectorLength))
	data := byteSlice(x+offBytevectorData, length)
	fmt.Fprintf(w, "bytevector=#vu8(")
	for i, b := range data {
		if i != 0 {
			fmt.Fprintf(w, " ")
		}
		fmt.Fprintf(w, "%d", b)
	}
	fmt.Fprintf(w, ")")
}

// stackFrameTopToCodeObject maps the return address of the frame at
// top back to its code object.
func stackFrameTopToCodeObject(top ikptr) ikptr {
	rp := wordAt(top)
	offsetField := calltableOffset(rp)
	entry := rp - ikptr(offsetField-dispCallTableOffset)
	return (entry - dispCodeData) | vectorTag
}

// printStackFrame dumps one call frame: its code object and its
// argument words.
func printStackFrame(w io.Writer, top ikptr) {
	rp := wordAt(top)
	framesize := calltableFramesize(rp)
	var argsSize int
	argsOff := wordSize
	if framesize != 0 {
		argsSize = framesize - wordSize
	} else {
		framesize = int(ref(top, wordSize))
		argsSize = framesize - 2*wordSize
		argsOff = 2 * wordSize
	}
	argc := argsSize / wordSize
	fmt.Fprintf(w, "\tcall frame: top=%#016x, framesize=%d, args count=%d\n",
		uintptr(top), framesize, argc)
	fmt.Fprintf(w, "\tcode object: ")
	ikFprint(w, stackFrameTopToCodeObject(top))
	for i := 0; i < argc; i++ {
		fmt.Fprintf(w, "\n\targ %d=", i)
		ikFprint(w, ref(top, argsOff+i*wordSize))
	}
	fmt.Fprintf(w, "\n")
}

// printStackFrameCodeObjects visits at most maxNumOfFrames frames of
// the current Scheme stack and prints their code objects.
func printStackFrameCodeObjects(w io.Writer, maxNumOfFrames int, pcb *PCB) {
	top := pcb.framePointer
	end := pcb.frameBase - wordSize
	for i := 0; i < maxNumOfFrames && top < end; i++ {
		rp := wordAt(top)
		framesize := calltableFramesize(rp)
		if framesize == 0 {
			framesize = int(ref(top, wordSize))
		}
		fmt.Fprintf(w, "stack code object %d: ", i)
		ikFprint(w, stackFrameTopToCodeObject(top))
		fmt.Fprintf(w, "\n")
		top += ikptr(framesize)
	}
}
