// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/perfprobe/perfprobe/unwinder"

// PERF_REG_X86_* bit numbers, from arch/x86/include/uapi/asm/perf_regs.h.
const (
	perfRegBP = 6
	perfRegSP = 7
	perfRegIP = 8
)

// SampleRegsUserMask selects the registers the frame pointer walk needs.
// The kernel stores the selected registers in ascending bit order, which
// yields the regIdx* positions below.
const SampleRegsUserMask = 1<<perfRegBP | 1<<perfRegSP | 1<<perfRegIP

const (
	regIdxFP = 0
	regIdxSP = 1
	regIdxIP = 2
	// regIdxLR is -1: x86-64 keeps return addresses on the stack.
	regIdxLR  = -1
	regIdxMax = regIdxIP
)
