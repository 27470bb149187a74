// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/perfprobe/perfprobe/unwinder"

// PERF_REG_ARM64_* bit numbers, from
// arch/arm64/include/uapi/asm/perf_regs.h.
const (
	perfRegX29 = 29
	perfRegLR  = 30
	perfRegSP  = 31
	perfRegPC  = 32
)

// SampleRegsUserMask selects the registers the frame pointer walk needs.
// The kernel stores the selected registers in ascending bit order, which
// yields the regIdx* positions below.
const SampleRegsUserMask = 1<<perfRegX29 | 1<<perfRegLR | 1<<perfRegSP | 1<<perfRegPC

const (
	regIdxFP  = 0
	regIdxLR  = 1
	regIdxSP  = 2
	regIdxIP  = 3
	regIdxMax = regIdxIP
)
