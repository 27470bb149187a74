// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder turns the raw address lists of decoded samples into
// symbolized call chains.
//
// Two strategies are supported. The callchain strategy trusts the kernel
// collected call chain and only symbolizes it. The frame pointer strategy
// uses the kernel call chain for the kernel part and rebuilds the user part
// by walking the frame pointer chain through the user stack slice copied
// into the sample, falling back to reads from the live target process where
// the copy is too short.
package unwinder // import "github.com/perfprobe/perfprobe/unwinder"

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/elastic/go-freelru"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/metrics"
	"github.com/perfprobe/perfprobe/pfsample"
	"github.com/perfprobe/perfprobe/process"
	"github.com/perfprobe/perfprobe/successfailurecounter"
	"github.com/perfprobe/perfprobe/symbolizer"
)

// Callchain context markers, from include/uapi/linux/perf_event.h. They
// separate the address space sections of a kernel collected call chain.
const (
	contextHypervisor  = 0xffffffffffffffe0 // -32
	contextKernel      = 0xffffffffffffff80 // -128
	contextUser        = 0xfffffffffffffe00 // -512
	contextGuest       = 0xfffffffffffff800 // -2048
	contextGuestKernel = 0xfffffffffffff780 // -2176
	contextGuestUser   = 0xfffffffffffff600 // -2560

	// contextMax is the smallest context marker value; everything below
	// it is a real address.
	contextMax = contextGuestUser
)

// Strategy selects how the user space part of a call chain is obtained.
type Strategy uint8

const (
	// StrategyCallchain symbolizes the kernel collected call chain as is.
	StrategyCallchain Strategy = iota
	// StrategyFramePointer rebuilds the user part by walking frame
	// pointers.
	StrategyFramePointer
)

func (s Strategy) String() string {
	switch s {
	case StrategyCallchain:
		return "callchain"
	case StrategyFramePointer:
		return "fp"
	default:
		return fmt.Sprintf("strategy(%d)", s)
	}
}

// ParseStrategy parses the command line representation of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "callchain":
		return StrategyCallchain, nil
	case "fp", "framepointer":
		return StrategyFramePointer, nil
	default:
		return 0, fmt.Errorf("unknown unwinding strategy '%s'", s)
	}
}

// Config holds the unwinder tunables.
type Config struct {
	Strategy Strategy
	// MaxDepth caps the number of frames of one call chain. Deeper
	// chains are truncated, not failed.
	MaxDepth int
	// ProcessCacheSize bounds the number of processes whose mappings are
	// kept cached.
	ProcessCacheSize uint32
	// MapsResyncBackoff rate limits mapping resyncs per process.
	MapsResyncBackoff time.Duration
}

// DefaultMaxDepth is the default call chain depth cap.
const DefaultMaxDepth = 128

// Unwinder resolves decoded samples into symbolized call chains.
type Unwinder struct {
	strategy Strategy
	maxDepth int
	backoff  time.Duration

	sym       *symbolizer.Symbolizer
	processes *freelru.SyncedLRU[libpf.PID, *process.Process]

	success     atomic.Uint64
	fail        atomic.Uint64
	truncations atomic.Uint64
}

// New returns an Unwinder resolving symbols through sym.
func New(sym *symbolizer.Symbolizer, cfg Config) (*Unwinder, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.ProcessCacheSize == 0 {
		cfg.ProcessCacheSize = 512
	}
	if cfg.MapsResyncBackoff <= 0 {
		cfg.MapsResyncBackoff = 100 * time.Millisecond
	}
	processes, err := freelru.NewSynced[libpf.PID, *process.Process](
		cfg.ProcessCacheSize, libpf.PID.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create process cache: %v", err)
	}
	return &Unwinder{
		strategy:  cfg.Strategy,
		maxDepth:  cfg.MaxDepth,
		backoff:   cfg.MapsResyncBackoff,
		sym:       sym,
		processes: processes,
	}, nil
}

// Result is one unwound call chain, innermost frame first.
type Result struct {
	Frames libpf.Frames
	// Truncated indicates the chain hit the depth cap or the frame
	// pointer walk ran out of readable stack.
	Truncated bool
}

// Unwind resolves the call chain of one sample. It always produces a
// result; frames whose symbols are unknown keep their raw addresses.
func (u *Unwinder) Unwind(s *pfsample.Sample, res *Result) {
	sfc := successfailurecounter.New(&u.success, &u.fail)
	defer sfc.DefaultToSuccess()

	res.Frames = make(libpf.Frames, 0, len(s.Callchain)+1)
	res.Truncated = false

	p := u.processFor(s.PID)

	kind := libpf.KernelFrame
	userViaChain := u.strategy == StrategyCallchain
	for _, ip := range s.Callchain {
		if ip >= contextMax {
			switch ip {
			case contextKernel:
				kind = libpf.KernelFrame
			case contextUser:
				kind = libpf.NativeFrame
				if !userViaChain {
					// The user section is rebuilt from frame
					// pointers instead.
					goto user
				}
			default:
				// Hypervisor and guest sections cannot be
				// attributed to anything we can symbolize.
				kind = libpf.UnknownFrame
			}
			continue
		}
		if len(res.Frames) >= u.maxDepth {
			u.truncate(res)
			break
		}
		u.appendFrame(res, p, kind, ip)
	}

	if len(res.Frames) == 0 && !userViaChain {
		// Samples of user-only events carry no kernel section.
		goto user
	}

	if countResolvable(res.Frames) == 0 {
		sfc.ReportFailure()
	}
	return

user:
	u.unwindUserStack(p, s, res)
	if countResolvable(res.Frames) == 0 {
		sfc.ReportFailure()
	}
}

// appendFrame symbolizes ip according to kind and appends it.
func (u *Unwinder) appendFrame(res *Result, p *process.Process,
	kind libpf.FrameKind, ip uint64) {
	var frame libpf.Frame
	switch kind {
	case libpf.KernelFrame:
		u.sym.SymbolizeKernel(ip, &frame)
	case libpf.NativeFrame:
		u.sym.SymbolizeUser(p, ip, &frame)
	default:
		frame = libpf.Frame{Kind: libpf.UnknownFrame, Address: libpf.Address(ip)}
	}
	res.Frames = append(res.Frames, frame)
}

func (u *Unwinder) truncate(res *Result) {
	if !res.Truncated {
		res.Truncated = true
		u.truncations.Add(1)
	}
}

// countResolvable counts frames that fell into a known address space. A
// chain with none of them is an unwinding failure.
func countResolvable(frames libpf.Frames) int {
	n := 0
	for i := range frames {
		if frames[i].Kind != libpf.UnknownFrame {
			n++
		}
	}
	return n
}

// processFor returns the cached process state for pid, creating it on
// first use.
func (u *Unwinder) processFor(pid libpf.PID) *process.Process {
	if p, ok := u.processes.Get(pid); ok {
		return p
	}
	p := process.New(pid, u.backoff)
	u.processes.Add(pid, p)
	return p
}

// ProcessComm returns the name of a monitored process, if known.
func (u *Unwinder) ProcessComm(pid libpf.PID) string {
	return u.processFor(pid).Comm()
}

// HandleMmap merges a mapping notification into the process state.
func (u *Unwinder) HandleMmap(m *pfsample.Mmap) {
	u.processFor(m.PID).AddMapping(process.Mapping{
		Vaddr:      m.Addr,
		Length:     m.Length,
		FileOffset: m.Offset,
		Device:     m.Device,
		Inode:      m.Inode,
		Path:       m.Filename,
	})
}

// HandleComm records a thread rename. An exec also invalidates the cached
// mappings, the whole address space was replaced.
func (u *Unwinder) HandleComm(c *pfsample.Comm) {
	if c.PID != c.TID {
		return
	}
	if c.Exec {
		u.processes.Remove(c.PID)
	}
	u.processFor(c.PID).SetComm(c.Comm)
}

// HandleExit drops the cached state of an exited process.
func (u *Unwinder) HandleExit(pid libpf.PID) {
	u.processes.Remove(pid)
}

// ReportMetrics emits the unwinding counters.
func (u *Unwinder) ReportMetrics() {
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDUnwindSuccess,
			Value: metrics.MetricValue(u.success.Swap(0))},
		{ID: metrics.IDUnwindFailure,
			Value: metrics.MetricValue(u.fail.Swap(0))},
		{ID: metrics.IDStackTruncations,
			Value: metrics.MetricValue(u.truncations.Swap(0))},
	})
}
