// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/perfprobe/perfprobe/libpf"

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Address represents an address, or offset within a process.
type Address uint64

// Hash32 returns a 32 bits hash of the input.
// Its main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(adr))
	return xxh3.Hash(buf[:])
}
