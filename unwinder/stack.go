// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/perfprobe/perfprobe/unwinder"

import (
	"encoding/binary"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/pfsample"
	"github.com/perfprobe/perfprobe/process"
	"github.com/perfprobe/perfprobe/remotememory"
)

// regsABI64 is the PERF_SAMPLE_REGS_ABI_64 value; the frame pointer walk
// only understands 64-bit targets.
const regsABI64 = 2

// stackReader serves 8-byte reads for the frame pointer walk. Reads inside
// the stack slice copied into the sample are served from the copy; reads
// outside fall back to the live target process.
type stackReader struct {
	base uint64 // stack pointer at sample time
	data []byte // copied stack, starting at base
	rm   remotememory.RemoteMemory
}

func (r *stackReader) u64(addr uint64) (uint64, bool) {
	if addr >= r.base && addr+8 <= r.base+uint64(len(r.data)) {
		return binary.LittleEndian.Uint64(r.data[addr-r.base:]), true
	}
	if !r.rm.Valid() {
		return 0, false
	}
	var buf [8]byte
	if r.rm.Read(libpf.Address(addr), buf[:]) != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// unwindUserStack appends the user space frames of a sample by walking the
// frame pointer chain. The walk starts at the sampled instruction pointer
// and follows the standard frame record layout: the frame pointer points at
// the saved caller frame pointer, with the return address stored right
// above it.
func (u *Unwinder) unwindUserStack(p *process.Process, s *pfsample.Sample,
	res *Result) {
	if s.RegsABI != regsABI64 || len(s.Regs) <= regIdxMax {
		// No register state; without it there is nothing to walk.
		return
	}
	ip := s.Regs[regIdxIP]
	sp := s.Regs[regIdxSP]
	fp := s.Regs[regIdxFP]

	if len(res.Frames) >= u.maxDepth {
		u.truncate(res)
		return
	}
	u.appendFrame(res, p, libpf.NativeFrame, ip)

	// Bound to a variable: the constant is negative on architectures
	// without a link register, and a constant negative index does not
	// compile even behind the guard.
	if lrIdx := regIdxLR; lrIdx >= 0 && len(s.Regs) > lrIdx {
		// On link register architectures the topmost return address
		// lives in a register, not on the stack.
		if lr := s.Regs[lrIdx]; lr != 0 && lr != ip {
			u.appendFrame(res, p, libpf.NativeFrame, lr)
		}
	}

	reader := stackReader{
		base: sp,
		data: s.StackData[:s.StackDynSize],
		rm:   p.RemoteMemory(),
	}

	for fp != 0 {
		if len(res.Frames) >= u.maxDepth {
			u.truncate(res)
			return
		}
		next, ok := reader.u64(fp)
		if !ok {
			// Ran out of readable stack. The chain may continue
			// beyond what we can see.
			u.truncate(res)
			return
		}
		ret, ok := reader.u64(fp + 8)
		if !ok || ret == 0 {
			return
		}
		u.appendFrame(res, p, libpf.NativeFrame, ret)

		// Frames grow towards higher addresses; anything else means
		// the chain is corrupt or we walked into garbage.
		if next <= fp {
			return
		}
		fp = next
	}
}
