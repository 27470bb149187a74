// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfevent // import "github.com/perfprobe/perfprobe/pfevent"

import (
	"golang.org/x/sys/unix"
)

// SampleFormat selects the fields the kernel records per sample. The bits
// chosen at open time dictate the exact positional layout of every sample
// record body, so the decoder must be handed the same SampleFormat the
// descriptor was opened with.
type SampleFormat struct {
	// Identifier records the event stream ID as the first field of every
	// record, allowing demultiplexing of shared ring buffers.
	Identifier bool
	IP         bool
	TID        bool
	Time       bool
	Addr       bool
	CPU        bool
	Period     bool
	Callchain  bool
	Raw        bool

	// RegsUser captures user-space register state, selected by the
	// SampleRegsUser bit mask.
	RegsUser bool
	// StackUser copies a slice of the user stack into each sample.
	StackUser bool

	// SampleRegsUser is the architecture-specific register bit mask for
	// RegsUser, in the kernel's PERF_REG_* bit order.
	SampleRegsUser uint64
	// StackUserSize is the size of the copied user stack slice. Stacks
	// deeper than this are truncated by the kernel.
	StackUserSize uint32
}

// Marshal packs the SampleFormat into the PERF_SAMPLE_* flags bitmask
// recorded in the event attributes.
func (sf SampleFormat) Marshal() uint64 {
	var bits uint64
	if sf.Identifier {
		bits |= unix.PERF_SAMPLE_IDENTIFIER
	}
	if sf.IP {
		bits |= unix.PERF_SAMPLE_IP
	}
	if sf.TID {
		bits |= unix.PERF_SAMPLE_TID
	}
	if sf.Time {
		bits |= unix.PERF_SAMPLE_TIME
	}
	if sf.Addr {
		bits |= unix.PERF_SAMPLE_ADDR
	}
	if sf.CPU {
		bits |= unix.PERF_SAMPLE_CPU
	}
	if sf.Period {
		bits |= unix.PERF_SAMPLE_PERIOD
	}
	if sf.Callchain {
		bits |= unix.PERF_SAMPLE_CALLCHAIN
	}
	if sf.Raw {
		bits |= unix.PERF_SAMPLE_RAW
	}
	if sf.RegsUser {
		bits |= unix.PERF_SAMPLE_REGS_USER
	}
	if sf.StackUser {
		bits |= unix.PERF_SAMPLE_STACK_USER
	}
	return bits
}
