// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/perfprobe/perfprobe/libpf"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// FrameKind classifies the address space a frame was sampled in.
type FrameKind uint8

const (
	// UnknownFrame indicates a frame whose origin could not be determined.
	UnknownFrame FrameKind = iota
	// NativeFrame identifies user-space native frames.
	NativeFrame
	// KernelFrame identifies kernel frames.
	KernelFrame
)

func (k FrameKind) String() string {
	switch k {
	case NativeFrame:
		return "native"
	case KernelFrame:
		return "kernel"
	default:
		return "unknown"
	}
}

// Frame represents one entry of a call chain, innermost first.
//
// A frame always carries the sampled address. Symbol information is
// best-effort: an address that hit an unknown mapping or a module without
// symbols keeps empty Module or FunctionName fields. Missing symbols are
// expected and never an error.
type Frame struct {
	// Kind is the address space classification of this frame.
	Kind FrameKind
	// Address is the instruction address the frame refers to.
	Address Address
	// Module is the base name of the owning executable mapping, or the
	// kernel module name for kernel frames. Empty if unresolved.
	Module string
	// FileID identifies the contents of the owning module.
	FileID FileID
	// ModuleOffset is the offset of Address into the owning module.
	ModuleOffset Address
	// FunctionName is the resolved symbol name. Empty if unresolved.
	FunctionName string
	// FunctionOffset is the offset of Address from the function start.
	FunctionOffset Address
}

// Resolved indicates whether symbol resolution found a function name
// for this frame.
func (f *Frame) Resolved() bool {
	return f.FunctionName != ""
}

// Symbol returns the function name of the frame, or the formatted raw
// address for unresolved frames.
func (f *Frame) Symbol() string {
	if f.FunctionName == "" {
		return fmt.Sprintf("[unknown] 0x%x", uint64(f.Address))
	}
	return f.FunctionName
}

func (f *Frame) String() string {
	if !f.Resolved() {
		if f.Module != "" {
			return fmt.Sprintf("%s+0x%x", f.Module, uint64(f.ModuleOffset))
		}
		return f.Symbol()
	}
	return fmt.Sprintf("%s+0x%x (%s)", f.FunctionName, uint64(f.FunctionOffset), f.Module)
}

// Frames is an ordered call chain, innermost frame first.
type Frames []Frame

// TraceHash is the unique identifier of a raw call chain. It is calculated
// over the unsymbolized addresses, so that repeated occurrences of the same
// stack can skip symbolization.
type TraceHash uint64

func (h TraceHash) Hash32() uint32 {
	return uint32(h)
}

// HashCallchain calculates the TraceHash for a raw call chain.
func HashCallchain(pcs []uint64) TraceHash {
	buf := make([]byte, 8*len(pcs))
	for i, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[8*i:], pc)
	}
	return TraceHash(xxh3.Hash(buf))
}
