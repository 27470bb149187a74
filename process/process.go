// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package process tracks the address space layout of monitored processes.
// The unwinder and symbolizer use it to attribute sampled addresses to the
// executable mapping they fall into.
package process // import "github.com/perfprobe/perfprobe/process"

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/remotememory"
	"github.com/perfprobe/perfprobe/stringutil"
)

// procFSRoot is the procfs mount point. Overridable for the test suite.
var procFSRoot = "/proc"

// mappingParseBufferSize is the initial scanner buffer for /proc/PID/maps
// lines.
const mappingParseBufferSize = 256

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, mappingParseBufferSize)
		return &buf
	},
}

// Process caches the mappings of one monitored process. A sampled address
// missing from the cached layout triggers a resync, rate limited by the
// resync backoff so a stream of unresolvable addresses does not hammer
// procfs.
type Process struct {
	pid libpf.PID
	rm  remotememory.RemoteMemory

	resyncBackoff time.Duration

	mu       sync.RWMutex
	comm     string
	mappings []Mapping // sorted by Vaddr
	lastSync time.Time
}

// New returns a Process for the given PID. The mappings are not read until
// the first SynchronizeMappings or FindMapping call.
func New(pid libpf.PID, resyncBackoff time.Duration) *Process {
	return &Process{
		pid:           pid,
		rm:            remotememory.NewProcessVirtualMemory(pid),
		resyncBackoff: resyncBackoff,
	}
}

func (p *Process) PID() libpf.PID {
	return p.pid
}

// RemoteMemory returns the accessor for the process address space.
func (p *Process) RemoteMemory() remotememory.RemoteMemory {
	return p.rm
}

// Comm returns the process name, reading it from procfs on first use.
func (p *Process) Comm() string {
	p.mu.RLock()
	comm := p.comm
	p.mu.RUnlock()
	if comm != "" {
		return comm
	}
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procFSRoot, p.pid))
	if err != nil {
		return ""
	}
	comm = strings.TrimSpace(string(data))
	p.SetComm(comm)
	return comm
}

// SetComm updates the cached process name, e.g. from a thread rename
// notification.
func (p *Process) SetComm(comm string) {
	p.mu.Lock()
	p.comm = comm
	p.mu.Unlock()
}

// SynchronizeMappings re-reads the address space layout from procfs.
func (p *Process) SynchronizeMappings() error {
	mapsFile, err := os.Open(fmt.Sprintf("%s/%d/maps", procFSRoot, p.pid))
	if err != nil {
		return err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := parseMappings(mapsFile)
	if err != nil {
		return err
	}
	if numParseErrors > 0 {
		log.Debugf("Failed to parse %d mappings of PID %d", numParseErrors, p.pid)
	}
	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].Vaddr < mappings[j].Vaddr
	})

	p.mu.Lock()
	p.mappings = mappings
	p.lastSync = time.Now()
	p.mu.Unlock()
	return nil
}

// Mappings returns the cached address space layout.
func (p *Process) Mappings() []Mapping {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mappings
}

// AddMapping merges a single new mapping into the cached layout, e.g. from
// a kernel mapping notification. Cheaper than a full resync.
func (p *Process) AddMapping(m Mapping) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.mappings), func(i int) bool {
		return p.mappings[i].Vaddr >= m.Vaddr
	})
	if i < len(p.mappings) && p.mappings[i].Vaddr == m.Vaddr {
		p.mappings[i] = m
		return
	}
	p.mappings = append(p.mappings, Mapping{})
	copy(p.mappings[i+1:], p.mappings[i:])
	p.mappings[i] = m
}

// FindMapping returns the mapping containing addr. On a miss the layout is
// re-read from procfs, unless a resync already happened within the backoff
// window. The layout changes underneath us whenever the target loads code.
func (p *Process) FindMapping(addr uint64) (Mapping, bool) {
	if m, ok := p.findMapping(addr); ok {
		return m, true
	}

	p.mu.RLock()
	stale := time.Since(p.lastSync) >= p.resyncBackoff
	p.mu.RUnlock()
	if !stale {
		return Mapping{}, false
	}
	if err := p.SynchronizeMappings(); err != nil {
		log.Debugf("Failed to resync mappings of PID %d: %v", p.pid, err)
		return Mapping{}, false
	}
	return p.findMapping(addr)
}

func (p *Process) findMapping(addr uint64) (Mapping, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := sort.Search(len(p.mappings), func(i int) bool {
		return p.mappings[i].Vaddr+p.mappings[i].Length > addr
	})
	if i < len(p.mappings) && p.mappings[i].Contains(addr) {
		return p.mappings[i], true
	}
	return Mapping{}, false
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero
		// make it anonymous.
		return ""
	}
	return path
}

// parseMappings parses a /proc/PID/maps style stream. Mappings that are
// neither readable nor executable and special pseudo-file mappings are
// dropped.
func parseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanBuf := bufPool.Get().(*[]byte)
	defer func() {
		for j := 0; j < len(*scanBuf); j++ {
			(*scanBuf)[j] = 0x0
		}
		bufPool.Put(scanBuf)
	}()

	scanner.Buffer(*scanBuf, 8192)
	for scanner.Scan() {
		var fields [6]string
		var addrs [2]string
		var devs [2]string

		line := stringutil.ByteSlice2String(scanner.Bytes())
		if stringutil.FieldsN(line, fields[:]) < 5 {
			numParseErrors++
			continue
		}
		if stringutil.SplitN(fields[0], "-", addrs[:]) < 2 {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		// Ignore non-readable and non-executable mappings
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}

		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		if stringutil.SplitN(fields[3], ":", devs[:]) < 2 {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(devs[0], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(devs[1], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		var path string
		if inode == 0 {
			if fields[5] == "[vdso]" {
				// Map to something filename looking with synthesized inode
				path = VdsoPathName
				device = 0
				inode = vdsoInode
			} else if fields[5] == "" {
				// This is an anonymous mapping, keep it
			} else {
				// Ignore other special pseudo-file mappings
				continue
			}
		} else {
			path = strings.Clone(trimMappingPath(fields[5]))
		}

		vaddr, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      vaddr,
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}
