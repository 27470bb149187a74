// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/perfprobe/perfprobe/libpf"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"
)

// FileID is the unique identifier of an executable file, derived from a hash
// over its contents. It identifies the module a frame belongs to independently
// of where the file happens to be mapped or installed.
type FileID struct {
	hi uint64
	lo uint64
}

// UnknownKernelFileID is used as FileID for kernel frames when no build ID
// could be derived for the running kernel.
var UnknownKernelFileID = NewFileID(^uint64(2), ^uint64(2))

func NewFileID(hi, lo uint64) FileID {
	return FileID{hi: hi, lo: lo}
}

// FileIDFromBytes parses a byte slice into the internal data representation
// for a file ID.
func FileIDFromBytes(b []byte) (FileID, error) {
	if len(b) != 16 {
		return FileID{}, fmt.Errorf("invalid length for file ID bytes: %d", len(b))
	}
	return FileID{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// FileIDFromExecutableFile hashes the contents of the given file to
// calculate its FileID.
func FileIDFromExecutableFile(fileName string) (FileID, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return FileID{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return FileID{}, fmt.Errorf("failed to hash %s: %v", fileName, err)
	}
	return FileIDFromBytes(h.Sum(nil)[0:16])
}

func (f FileID) Hi() uint64 {
	return f.hi
}

func (f FileID) Lo() uint64 {
	return f.lo
}

// Hash32 returns a 32 bits hash of the input.
// Its main purpose is to be used as key for caching.
func (f FileID) Hash32() uint32 {
	return uint32(f.lo)
}

func (f FileID) StringNoQuotes() string {
	return fmt.Sprintf("%016x%016x", f.hi, f.lo)
}

func (f FileID) String() string {
	return f.StringNoQuotes()
}
