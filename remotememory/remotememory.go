// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory reads the memory of a live target process. The
// frame pointer unwinder uses it to follow frame chains past the end of
// the stack slice copied into a sample.
package remotememory // import "github.com/perfprobe/perfprobe/remotememory"

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/perfprobe/perfprobe/libpf"
)

// RemoteMemory provides typed reads from a target process address space.
type RemoteMemory struct {
	io.ReaderAt
}

// Valid determines if this RemoteMemory instance references a target.
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills p with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Ptr reads a native pointer from remote memory. A failed read returns 0,
// which terminates a frame pointer walk.
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:]))
}

// Uint32 reads a 32-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint64 reads a 64-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// String reads a zero terminated string from remote memory.
func (rm RemoteMemory) String(addr libpf.Address) string {
	buf := make([]byte, 1024)
	n, err := rm.ReadAt(buf, int64(addr))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	buf = buf[:n]
	if zeroIdx := bytes.IndexByte(buf, 0); zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	return ""
}
