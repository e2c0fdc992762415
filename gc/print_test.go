// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"bytes"
	"strings"
	"testing"
)

func printed(x ikptr) string {
	var buf bytes.Buffer
	ikFprint(&buf, x)
	return buf.String()
}

func TestPrintImmediates(t *testing.T) {
	tests := []struct {
		x    ikptr
		want string
	}{
		{fix(42), "fixnum=42"},
		{falseObject, "bool=#f"},
		{trueObject, "bool=#t"},
		{nullObject, "null=()"},
		{eofObject, "#<eof>"},
		{voidObject, "#<void>"},
		{bwpObject, "#<bwp-object>"},
		{unboundObject, "#<unbound-object>"},
		{forwardPtr, "#<forward-ptr>"},
		{ikptr('a')<<charShift | charTag, "char=#\\a"},
		{ikptr(' ')<<charShift | charTag, "char=#\\space"},
		{ikptr('\n')<<charShift | charTag, "char=#\\newline"},
		{ikptr(0x3BB)<<charShift | charTag, "char=#\\x3bb"},
	}
	for _, tt := range tests {
		if got := printed(tt.x); got != tt.want {
			t.Errorf("printed(%#x) = %q, want %q", uintptr(tt.x), got, tt.want)
		}
	}
}

func TestPrintStructures(t *testing.T) {
	pcb := newTestPCB(t)

	list := pcb.cons(fix(1), pcb.cons(trueObject, nullObject))
	if got := printed(list); got != "pair=(fixnum=1 . pair=(bool=#t . null=()))" {
		t.Errorf("list printed as %q", got)
	}

	if got := printed(pcb.makeString(`a"b\c`)); got != `string="a\"b\\c"` {
		t.Errorf("string printed as %q", got)
	}

	vec := pcb.makeVector(2, fix(7))
	if got := printed(vec); got != "vector=#(fixnum=7 fixnum=7)" {
		t.Errorf("vector printed as %q", got)
	}
	if got := printed(pcb.makeVector(0, fix(0))); got != "vector=#()" {
		t.Errorf("empty vector printed as %q", got)
	}

	if got := printed(pcb.makeBytevector([]byte{1, 2, 3})); got != "bytevector=#vu8(1 2 3)" {
		t.Errorf("bytevector printed as %q", got)
	}

	sym := pcb.makeSymbol("lambda")
	if got := printed(sym); got != "symbol=lambda" {
		t.Errorf("symbol printed as %q", got)
	}

	rtd := pcb.makeRtd(pcb.makeString("point"), 2, 0)
	rec := pcb.makeRecord(rtd, fix(3), fix(4))
	if got := printed(rec); !strings.Contains(got, "#[struct nfields=2") ||
		!strings.Contains(got, "fixnum=3, fixnum=4]") {
		t.Errorf("record printed as %q", got)
	}
	if got := printed(rtd); !strings.HasPrefix(got, "#[rtd: ") {
		t.Errorf("self-typed rtd printed as %q", got)
	}
}

func TestPrintCodeAndClosure(t *testing.T) {
	pcb := newTestPCB(t)
	code := pcb.makeCode(64, pcb.makeVector(0, fix(0)), falseObject, 1)
	if got := printed(code); !strings.HasPrefix(got, "code={x=0x") ||
		!strings.Contains(got, "annotation=bool=#f}") {
		t.Errorf("code printed as %q", got)
	}
	clo := pcb.makeClosure(codeEntryPoint(code), fix(5))
	got := printed(clo)
	if !strings.HasPrefix(got, "#<closure num_of_free_vars=1,") ||
		!strings.Contains(got, "free[0]=fixnum=5") {
		t.Errorf("closure printed as %q", got)
	}
}

func TestPrintStackFrame(t *testing.T) {
	pcb := newTestPCB(t)
	code := pcb.makeCode(256, pcb.makeVector(0, fix(0)), falseObject, 0)
	rp := setCallTable(codeEntryPoint(code), 64, 3*wordSize, []byte{0x06})
	end := pcb.frameBase - wordSize
	top := end - 3*wordSize
	setWordAt(top, rp)
	setWordAt(top+wordSize, fix(21))
	setWordAt(top+2*wordSize, fix(22))
	pcb.framePointer = top

	var buf bytes.Buffer
	printStackFrame(&buf, top)
	out := buf.String()
	if !strings.Contains(out, "framesize=24") || !strings.Contains(out, "args count=2") {
		t.Errorf("frame dump missing size/argc: %q", out)
	}
	if !strings.Contains(out, "arg 0=fixnum=21") || !strings.Contains(out, "arg 1=fixnum=22") {
		t.Errorf("frame dump missing args: %q", out)
	}

	buf.Reset()
	printStackFrameCodeObjects(&buf, 10, pcb)
	if !strings.Contains(buf.String(), "stack code object 0: code={") {
		t.Errorf("stack dump missing code object: %q", buf.String())
	}
}

func TestPrintEmergency(t *testing.T) {
	pcb := newTestPCB(t)
	bv := pcb.makeBytevector([]byte("heap on fire"))
	if got := printEmergency(bv); got != voidObject {
		t.Errorf("printEmergency returned %#x, want void", uintptr(got))
	}
}
