// Copyright 2026 The Vicare Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "golang.org/x/sys/unix"

// Bytes counted by the minor allocation counter before a unit is
// carried into the major counter. Both counters must stay within
// fixnum range; the Scheme procedures time-it and time-and-gather
// read them as
//
//	total = mostBytesInMinor*major + minor
const mostBytesInMinor = 0x10000000

// registerToCollectCount accounts bytes of nursery allocation.
func registerToCollectCount(pcb *PCB, bytes int) {
	minor := bytes + pcb.allocationCountMinor
	for minor >= mostBytesInMinor {
		minor -= mostBytesInMinor
		pcb.allocationCountMajor++
	}
	pcb.allocationCountMinor = minor
}

// addTimevalDiff accumulates t1-t0 into acc, keeping the microsecond
// field normalized.
func addTimevalDiff(acc *unix.Timeval, t0, t1 unix.Timeval) {
	acc.Usec += t1.Usec - t0.Usec
	acc.Sec += t1.Sec - t0.Sec
	if acc.Usec >= 1000000 {
		acc.Usec -= 1000000
		acc.Sec++
	} else if acc.Usec < 0 {
		acc.Usec += 1000000
		acc.Sec--
	}
}
