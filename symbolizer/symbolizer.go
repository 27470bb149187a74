// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolizer resolves sampled addresses to symbolic frames.
//
// Kernel addresses resolve against kallsyms and the kernel module layout.
// User addresses resolve against the ELF symbol tables of the executable
// mapping they fall into. Symbol information is best-effort throughout: an
// address that cannot be resolved keeps its module-relative location and is
// never an error.
package symbolizer // import "github.com/perfprobe/perfprobe/symbolizer"

import (
	"debug/elf"
	"fmt"
	"path"
	"sync/atomic"

	"github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/metrics"
	"github.com/perfprobe/perfprobe/proc"
	"github.com/perfprobe/perfprobe/process"
	"github.com/perfprobe/perfprobe/util"
)

// elfInfoCacheSize bounds the number of executables with cached symbol
// tables. Typical systems stay well below this.
const elfInfoCacheSize = 1024

// elfInfo caches the data needed to symbolize addresses of one executable:
// the symbol table keyed by virtual address, the executable load segments
// for translating file offsets back to virtual addresses, and the file ID.
// A load failure is cached as well so unreadable files are not retried per
// sample.
type elfInfo struct {
	symbols  *libpf.SymbolMap
	loadSegs []elf.ProgHeader
	fileID   libpf.FileID
	err      error
}

// Symbolizer resolves kernel and user space addresses.
type Symbolizer struct {
	kernelSymbols *libpf.SymbolMap
	kernelModules *libpf.SymbolMap

	elfInfoCache *freelru.SyncedLRU[util.OnDiskFileIdentifier, *elfInfo]

	hits, misses atomic.Uint64
}

// Config points the Symbolizer at the kernel symbol sources. Zero values
// select the real procfs files.
type Config struct {
	KallsymsPath string
	ModulesPath  string
}

// New returns a Symbolizer. Kernel symbols are loaded once at startup; when
// they are unavailable (e.g. restricted kptr_restrict), kernel frames keep
// their raw addresses.
func New(cfg Config) (*Symbolizer, error) {
	if cfg.KallsymsPath == "" {
		cfg.KallsymsPath = "/proc/kallsyms"
	}
	if cfg.ModulesPath == "" {
		cfg.ModulesPath = "/proc/modules"
	}

	cache, err := freelru.NewSynced[util.OnDiskFileIdentifier, *elfInfo](
		elfInfoCacheSize, util.OnDiskFileIdentifier.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create ELF info cache: %v", err)
	}

	s := &Symbolizer{elfInfoCache: cache}

	s.kernelSymbols, err = proc.GetKallsyms(cfg.KallsymsPath)
	if err != nil {
		log.Warnf("Kernel symbols unavailable, kernel frames will be "+
			"unsymbolized: %v", err)
		return s, nil
	}
	s.kernelModules, err = proc.GetKernelModules(cfg.ModulesPath, s.kernelSymbols)
	if err != nil {
		log.Warnf("Kernel module layout unavailable: %v", err)
	}
	return s, nil
}

// SymbolizeKernel resolves a kernel address into frame.
func (s *Symbolizer) SymbolizeKernel(addr uint64, frame *libpf.Frame) {
	*frame = libpf.Frame{
		Kind:    libpf.KernelFrame,
		Address: libpf.Address(addr),
		FileID:  libpf.UnknownKernelFileID,
	}
	if s.kernelSymbols == nil {
		return
	}
	if name, offset, ok := s.kernelSymbols.LookupByAddress(
		libpf.SymbolValue(addr)); ok {
		frame.FunctionName = string(name)
		frame.FunctionOffset = offset
	}
	if s.kernelModules != nil {
		if name, offset, ok := s.kernelModules.LookupByAddress(
			libpf.SymbolValue(addr)); ok {
			frame.Module = string(name)
			frame.ModuleOffset = offset
		}
	}
}

// SymbolizeUser resolves a user space address of the given process into
// frame.
func (s *Symbolizer) SymbolizeUser(p *process.Process, addr uint64,
	frame *libpf.Frame) {
	*frame = libpf.Frame{
		Kind:    libpf.NativeFrame,
		Address: libpf.Address(addr),
	}

	m, ok := p.FindMapping(addr)
	if !ok {
		return
	}
	fileOffset := addr - m.Vaddr + m.FileOffset
	frame.Module = path.Base(m.Path)
	frame.ModuleOffset = libpf.Address(fileOffset)
	if m.IsAnonymous() || m.IsVDSO() {
		// JIT areas and the vDSO have no backing file to read symbols
		// from.
		frame.Module = m.Path
		return
	}

	info := s.getElfInfo(&m)
	if info.err != nil {
		return
	}
	frame.FileID = info.fileID

	symVaddr, ok := fileOffsetToVaddr(info.loadSegs, fileOffset)
	if !ok {
		return
	}
	if name, offset, ok := info.symbols.LookupByAddress(
		libpf.SymbolValue(symVaddr)); ok {
		frame.FunctionName = demangle.Filter(string(name))
		frame.FunctionOffset = offset
	}
}

// CacheStats returns and resets the ELF info cache hit and miss counters.
func (s *Symbolizer) CacheStats() (hit, miss uint64) {
	return s.hits.Swap(0), s.misses.Swap(0)
}

// ReportMetrics emits the cache counters.
func (s *Symbolizer) ReportMetrics() {
	hit, miss := s.CacheStats()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDSymbolizerCacheHit, Value: metrics.MetricValue(hit)},
		{ID: metrics.IDSymbolizerCacheMiss, Value: metrics.MetricValue(miss)},
	})
}

func (s *Symbolizer) getElfInfo(m *process.Mapping) *elfInfo {
	key := m.GetOnDiskFileIdentifier()
	if info, ok := s.elfInfoCache.Get(key); ok {
		s.hits.Add(1)
		return info
	}
	s.misses.Add(1)

	info := loadElfInfo(m.Path)
	if info.err != nil {
		log.Debugf("Failed to load symbols of %s: %v", m.Path, info.err)
	}
	s.elfInfoCache.Add(key, info)
	return info
}

// loadElfInfo reads the symbol tables and executable segments of an ELF
// file. The symtab is preferred; stripped binaries fall back to dynsym.
func loadElfInfo(fileName string) *elfInfo {
	fileID, err := libpf.FileIDFromExecutableFile(fileName)
	if err != nil {
		return &elfInfo{err: err}
	}

	ef, err := elf.Open(fileName)
	if err != nil {
		return &elfInfo{err: err}
	}
	defer ef.Close()

	var loadSegs []elf.ProgHeader
	for _, ph := range ef.Progs {
		if ph.Type == elf.PT_LOAD && ph.Flags&elf.PF_X != 0 {
			loadSegs = append(loadSegs, ph.ProgHeader)
		}
	}

	syms, err := ef.Symbols()
	if err != nil {
		syms, err = ef.DynamicSymbols()
		if err != nil {
			return &elfInfo{err: fmt.Errorf("no symbols in %s: %v",
				fileName, err)}
		}
	}

	symmap := libpf.NewSymbolMap(len(syms))
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		symmap.Add(libpf.Symbol{
			Name:    libpf.SymbolName(sym.Name),
			Address: libpf.SymbolValue(sym.Value),
			Size:    sym.Size,
		})
	}
	symmap.Finalize()

	return &elfInfo{
		symbols:  symmap,
		loadSegs: loadSegs,
		fileID:   fileID,
	}
}

// fileOffsetToVaddr translates a file offset into the virtual address the
// containing executable segment is linked at.
func fileOffsetToVaddr(loadSegs []elf.ProgHeader, fileOffset uint64) (uint64, bool) {
	for i := range loadSegs {
		seg := &loadSegs[i]
		if fileOffset >= seg.Off && fileOffset < seg.Off+seg.Filesz {
			return seg.Vaddr + (fileOffset - seg.Off), true
		}
	}
	return 0, false
}
