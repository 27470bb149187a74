// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/perfprobe/perfprobe/process"

import (
	"debug/elf"

	"github.com/perfprobe/perfprobe/util"
)

// VdsoPathName is the synthesized path for the vDSO mapping.
const VdsoPathName = "linux-vdso.1.so"

// vdsoInode is the synthesized inode for the vDSO mapping.
const vdsoInode = 1

// Mapping is one entry of a process address space layout.
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr uint64
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping flags and permissions
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

func (m *Mapping) IsAnonymous() bool {
	return m.Path == ""
}

func (m *Mapping) IsVDSO() bool {
	return m.Path == VdsoPathName
}

// Contains indicates whether addr falls inside the mapping.
func (m *Mapping) Contains(addr uint64) bool {
	return addr >= m.Vaddr && addr < m.Vaddr+m.Length
}

// GetOnDiskFileIdentifier returns the device and inode pair identifying the
// backing file on disk.
func (m *Mapping) GetOnDiskFileIdentifier() util.OnDiskFileIdentifier {
	return util.OnDiskFileIdentifier{
		DeviceID: m.Device,
		InodeNum: m.Inode,
	}
}
