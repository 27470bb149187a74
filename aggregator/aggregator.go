// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package aggregator folds unwound samples into a streaming profile.
//
// All profile state is owned by a single goroutine fed through a channel
// from the drain tasks. Snapshot requests travel through the same channel,
// so readers never race the writer and no lock protects the hot path.
package aggregator // import "github.com/perfprobe/perfprobe/aggregator"

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/metrics"
	"github.com/perfprobe/perfprobe/pfsample"
	"github.com/perfprobe/perfprobe/unwinder"
)

// Mode selects the profile shape.
type Mode uint8

const (
	// ModeFlat accumulates weight per leaf function.
	ModeFlat Mode = iota
	// ModeCallTree accumulates weight along root-to-leaf paths.
	ModeCallTree
)

func (m Mode) String() string {
	switch m {
	case ModeFlat:
		return "flat"
	case ModeCallTree:
		return "calltree"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// ParseMode parses the command line representation of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "flat":
		return ModeFlat, nil
	case "calltree", "tree":
		return ModeCallTree, nil
	default:
		return 0, fmt.Errorf("unknown aggregation mode '%s'", s)
	}
}

// OtherBucket is the synthetic name absorbing weight once the distinct
// node cap is reached.
const OtherBucket = "[other]"

// FrameResolver turns a decoded sample into symbolized frames.
type FrameResolver interface {
	Unwind(*pfsample.Sample, *unwinder.Result)
}

// Config holds the aggregator tunables.
type Config struct {
	Mode Mode
	// MaxNodes caps the number of distinct profile entries (tree nodes or
	// flat rows). Further entries coalesce into the OtherBucket.
	MaxNodes int
	// TraceCacheSize bounds the callchain-hash keyed cache of symbolized
	// frames.
	TraceCacheSize uint32
	// ChannelSize is the capacity of the ingest channel.
	ChannelSize int
}

// Ingestable is one sample handed over by a drain task, together with the
// multiplexing scale factor of its descriptor at ingest time.
type Ingestable struct {
	Sample pfsample.Sample
	Scale  float64
}

// cachedTrace is a resolved call chain kept in the trace cache.
type cachedTrace struct {
	frames    libpf.Frames
	truncated bool
}

// snapshotReq asks the aggregation goroutine for a consistent copy of the
// profile state.
type snapshotReq struct {
	resp chan<- *Snapshot
}

// Aggregator owns the profile state.
type Aggregator struct {
	mode     Mode
	maxNodes int

	resolver   FrameResolver
	traceCache *freelru.LRU[libpf.TraceHash, cachedTrace]

	samples   chan Ingestable
	snapshots chan snapshotReq
	done      chan libpf.Void

	sessionID uuid.UUID
	startedAt time.Time

	// State below is owned by the aggregation goroutine.
	root        *CallNode
	flat        map[frameKey]*flatEntry
	flatCount   int
	nodeCount   int
	totalWeight float64
	ingested    uint64

	// Counters updated from the drain side.
	lost      atomic.Uint64
	malformed atomic.Uint64
	cacheHit  atomic.Uint64
	cacheMiss atomic.Uint64

	// enabledFractions is polled at snapshot time; set before Start.
	enabledFractions func() map[string]float64
}

// New returns an Aggregator resolving frames through resolver.
func New(resolver FrameResolver, cfg Config) (*Aggregator, error) {
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = 16384
	}
	if cfg.TraceCacheSize == 0 {
		cfg.TraceCacheSize = 4096
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 1024
	}
	traceCache, err := freelru.New[libpf.TraceHash, cachedTrace](
		cfg.TraceCacheSize, libpf.TraceHash.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace cache: %v", err)
	}
	return &Aggregator{
		mode:       cfg.Mode,
		maxNodes:   cfg.MaxNodes,
		resolver:   resolver,
		traceCache: traceCache,
		samples:    make(chan Ingestable, cfg.ChannelSize),
		snapshots:  make(chan snapshotReq),
		done:       make(chan libpf.Void),
		sessionID:  uuid.New(),
		root:       newCallNode(libpf.Frame{FunctionName: "root"}),
		flat:       make(map[frameKey]*flatEntry),
	}, nil
}

// SessionID identifies this aggregation session in logs and snapshots.
func (a *Aggregator) SessionID() uuid.UUID {
	return a.sessionID
}

// SetEnabledFractionsFn installs the provider of per-descriptor enabled
// time fractions included in snapshots. Must be called before Start.
func (a *Aggregator) SetEnabledFractionsFn(fn func() map[string]float64) {
	a.enabledFractions = fn
}

// Start runs the aggregation goroutine until ctx is canceled.
func (a *Aggregator) Start(ctx context.Context) {
	a.startedAt = time.Now()
	go a.run(ctx)
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)
	log.Debugf("Aggregator %s running in %s mode", a.sessionID, a.mode)
	for {
		select {
		case msg := <-a.samples:
			a.ingest(&msg)
		case req := <-a.snapshots:
			// Samples queued before the request must be visible in
			// the snapshot.
			a.drainPending()
			req.resp <- a.snapshot()
		case <-ctx.Done():
			a.drainPending()
			return
		}
	}
}

// drainPending folds in everything currently queued without blocking.
func (a *Aggregator) drainPending() {
	for {
		select {
		case msg := <-a.samples:
			a.ingest(&msg)
		default:
			return
		}
	}
}

// Ingest queues one sample for aggregation. It blocks while the channel is
// full, which backpressures the drain tasks instead of silently dropping.
func (a *Aggregator) Ingest(msg Ingestable) {
	select {
	case a.samples <- msg:
	case <-a.done:
	}
}

// AddLost folds ring buffer losses into the snapshot counters.
func (a *Aggregator) AddLost(n uint64) {
	a.lost.Add(n)
}

// AddMalformed counts records the decoder rejected.
func (a *Aggregator) AddMalformed(n uint64) {
	a.malformed.Add(n)
}

// ErrStopped is returned by Snapshot after the aggregation goroutine has
// shut down.
var ErrStopped = errors.New("aggregator stopped")

// Snapshot returns a consistent copy of the profile state. Safe to call
// concurrently with ingestion from any goroutine.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	resp := make(chan *Snapshot, 1)
	select {
	case a.snapshots <- snapshotReq{resp: resp}:
		return <-resp, nil
	case <-a.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveFrames returns the symbolized frames of a sample, consulting the
// trace cache first. Samples carrying user register state bypass the cache:
// their user stack is rebuilt from memory, so an identical kernel callchain
// does not imply identical frames.
func (a *Aggregator) resolveFrames(s *pfsample.Sample) (libpf.Frames, bool) {
	cacheable := len(s.Callchain) > 0 && s.RegsABI == 0
	var hash libpf.TraceHash
	if cacheable {
		hash = pidTraceHash(s.PID, s.Callchain)
		if cached, ok := a.traceCache.Get(hash); ok {
			a.cacheHit.Add(1)
			return cached.frames, cached.truncated
		}
		a.cacheMiss.Add(1)
	}

	var res unwinder.Result
	a.resolver.Unwind(s, &res)
	if cacheable {
		a.traceCache.Add(hash, cachedTrace{
			frames:    res.Frames,
			truncated: res.Truncated,
		})
	}
	return res.Frames, res.Truncated
}

// pidTraceHash mixes the PID into the callchain hash: identical addresses
// in different processes resolve to different symbols.
func pidTraceHash(pid libpf.PID, chain []uint64) libpf.TraceHash {
	h := libpf.HashCallchain(chain)
	return libpf.TraceHash(uint64(h) ^ (uint64(uint32(pid)) * 0x9e3779b97f4a7c15))
}

// ingest folds one sample into the profile. Runs on the aggregation
// goroutine.
func (a *Aggregator) ingest(msg *Ingestable) {
	s := &msg.Sample
	frames, _ := a.resolveFrames(s)
	if len(frames) == 0 {
		return
	}

	period := s.Period
	if period == 0 {
		// Events sampled without PERF_SAMPLE_PERIOD weigh each sample
		// equally.
		period = 1
	}
	weight := float64(period) * msg.Scale

	a.ingested++
	a.totalWeight += weight

	switch a.mode {
	case ModeFlat:
		a.ingestFlat(frames, weight)
	case ModeCallTree:
		a.ingestTree(frames, weight)
	}
}

func (a *Aggregator) ingestFlat(frames libpf.Frames, weight float64) {
	key := keyForFrame(&frames[0])
	entry, ok := a.flat[key]
	if !ok {
		if a.flatCount >= a.maxNodes {
			key = otherKey()
			if entry, ok = a.flat[key]; !ok {
				entry = &flatEntry{frame: otherFrame()}
				a.flat[key] = entry
			}
			entry.weight += weight
			entry.samples++
			return
		}
		entry = &flatEntry{frame: frames[0]}
		a.flat[key] = entry
		a.flatCount++
	}
	entry.weight += weight
	entry.samples++
}

func (a *Aggregator) ingestTree(frames libpf.Frames, weight float64) {
	node := a.root
	node.Inclusive += weight
	// Frames arrive innermost first; the tree is walked root to leaf.
	for i := len(frames) - 1; i >= 0; i-- {
		node = a.child(node, &frames[i], weight)
	}
	node.Exclusive += weight
}

// child returns the child of node for frame, creating it when the node
// budget allows and falling back to the synthetic other bucket otherwise.
func (a *Aggregator) child(node *CallNode, frame *libpf.Frame,
	weight float64) *CallNode {
	key := keyForFrame(frame)
	c, ok := node.Children[key]
	if !ok {
		if a.nodeCount >= a.maxNodes {
			key = otherKey()
			if c, ok = node.Children[key]; !ok {
				c = newCallNode(otherFrame())
				node.Children[key] = c
				// The other bucket does not count against the
				// budget, every saturated node may need one.
			}
		} else {
			c = newCallNode(*frame)
			node.Children[key] = c
			a.nodeCount++
		}
	}
	c.Inclusive += weight
	return c
}

// ReportMetrics emits the aggregation counters.
func (a *Aggregator) ReportMetrics() {
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDLostSamples,
			Value: metrics.MetricValue(a.lost.Load())},
		{ID: metrics.IDMalformedRecords,
			Value: metrics.MetricValue(a.malformed.Load())},
		{ID: metrics.IDTraceCacheHit,
			Value: metrics.MetricValue(a.cacheHit.Swap(0))},
		{ID: metrics.IDTraceCacheMiss,
			Value: metrics.MetricValue(a.cacheMiss.Swap(0))},
	})
}
