// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the lifecycle of a profiling run: it opens the
// configured event descriptors on every online CPU, maps one shared sample
// ring buffer per CPU, multiplexes hardware descriptors over the available
// counter slots and drains the rings into the aggregation pipeline.
package session // import "github.com/perfprobe/perfprobe/session"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perfprobe/perfprobe/aggregator"
	"github.com/perfprobe/perfprobe/metrics"
	"github.com/perfprobe/perfprobe/periodiccaller"
	"github.com/perfprobe/perfprobe/pfevent"
	"github.com/perfprobe/perfprobe/pfring"
	"github.com/perfprobe/perfprobe/pfsample"
	"github.com/perfprobe/perfprobe/times"
	"github.com/perfprobe/perfprobe/unwinder"
	"github.com/perfprobe/perfprobe/util"
)

const (
	// defaultRingDataPages is the per-CPU ring buffer size in pages.
	// Must be a power of two.
	defaultRingDataPages = 64
)

// Config bundles the dependencies and tunables of a session.
type Config struct {
	// Descriptors are the events to profile with. At least one must be
	// given. Descriptors the PMU rejects as unsupported are dropped and
	// reported through Dropped; permission and resource errors abort
	// Open entirely.
	Descriptors []*pfevent.Descriptor

	// Aggregator receives the decoded samples.
	Aggregator *aggregator.Aggregator
	// Unwinder resolves sample stacks and consumes process lifecycle
	// records.
	Unwinder *unwinder.Unwinder

	// Intervals provides the polling and rotation timings.
	Intervals times.IntervalsAndTimers

	// RingDataPages overrides the per-CPU ring buffer size in pages.
	RingDataPages int
}

// Dropped records a descriptor that was rejected at open time together
// with the reason.
type Dropped struct {
	Desc *pfevent.Descriptor
	Err  error
}

// eventState is one opened event instance with its decoding context.
type eventState struct {
	ev      *pfevent.Event
	desc    *pfevent.Descriptor
	decoder *pfsample.Decoder
	// alwaysOn is set for events not subject to rotation.
	alwaysOn bool
	// setIndex is the rotation set of the event, -1 for always-on events.
	setIndex int
}

// cpuRing is the shared sample ring buffer of one CPU.
type cpuRing struct {
	cpu  int
	buf  *pfring.Buffer
	ring []*pfring.Buffer // buf as a one-element slice for polling
	// lostSeen is the ring's lost counter value already forwarded to the
	// aggregator. Only touched by the drain goroutine of this CPU.
	lostSeen uint64
}

// Session is a running profiling session. All methods are safe for
// concurrent use.
type Session struct {
	agg       *aggregator.Aggregator
	unw       *unwinder.Unwinder
	intervals times.IntervalsAndTimers

	dropped []Dropped
	slots   int
	sets    [][]*pfevent.Descriptor

	events []*eventState
	byID   map[uint64]*eventState
	byDesc map[*pfevent.Descriptor][]*eventState
	rings  []*cpuRing

	// plainDecoder decodes record types whose layout does not depend on
	// the sample format of any particular descriptor.
	plainDecoder *pfsample.Decoder

	usage     *usageTracker
	throttles atomic.Uint64

	mu        sync.Mutex
	activeSet int
	started   bool

	cancelDrain  context.CancelFunc
	eg           *errgroup.Group
	stopRotation func()
	stopOnce     sync.Once
	stopErr      error
}

// Open validates the configuration, discovers the hardware slot limit if
// needed, opens every accepted descriptor on every online CPU and maps the
// per-CPU ring buffers. Events are opened disabled; call Start to begin
// sampling.
func Open(cfg Config) (*Session, error) {
	if len(cfg.Descriptors) == 0 {
		return nil, errors.New("no event descriptors configured")
	}
	if cfg.Aggregator == nil || cfg.Unwinder == nil {
		return nil, errors.New("aggregator and unwinder are required")
	}
	if cfg.Intervals == nil {
		return nil, errors.New("intervals are required")
	}
	dataPages := cfg.RingDataPages
	if dataPages == 0 {
		dataPages = defaultRingDataPages
	}

	for _, desc := range cfg.Descriptors {
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("invalid descriptor %s: %w", desc, err)
		}
		// Shared per-CPU rings carry records from several descriptors,
		// so every sample must be attributable to its origin.
		desc.Format.Identifier = true
	}

	s := &Session{
		agg:          cfg.Aggregator,
		unw:          cfg.Unwinder,
		intervals:    cfg.Intervals,
		byID:         make(map[uint64]*eventState),
		byDesc:       make(map[*pfevent.Descriptor][]*eventState),
		usage:        newUsageTracker(),
		plainDecoder: pfsample.NewDecoder(pfevent.SampleFormat{}),
	}

	accepted, err := s.openDescriptors(cfg.Descriptors)
	if err != nil {
		s.teardown()
		return nil, err
	}
	if len(accepted) == 0 {
		s.teardown()
		return nil, fmt.Errorf("%w: no configured event is supported",
			pfevent.ErrUnsupportedEvent)
	}

	if err = s.planRotation(accepted); err != nil {
		s.teardown()
		return nil, err
	}

	if err = s.mapRings(dataPages); err != nil {
		s.teardown()
		return nil, err
	}

	for _, desc := range accepted {
		s.usage.track(desc.Name)
	}
	s.agg.SetEnabledFractionsFn(s.EnabledFractions)

	metrics.Add(metrics.IDRingBuffersActive, metrics.MetricValue(len(s.rings)))
	log.Infof("Session opened: %d events on %d CPUs, %d hardware slots, "+
		"%d rotation sets", len(s.events), len(s.rings), s.slots, len(s.sets))
	return s, nil
}

// openDescriptors opens each descriptor on its CPUs and returns the ones
// that were accepted. Unsupported descriptors are dropped; any other open
// error aborts.
func (s *Session) openDescriptors(descs []*pfevent.Descriptor) (
	[]*pfevent.Descriptor, error) {
	onlineCPUs, err := util.OnlineCPUs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate online CPUs: %v", err)
	}

	var accepted []*pfevent.Descriptor
	for _, desc := range descs {
		cpus := onlineCPUs
		if desc.CPU != pfevent.AllCPUs {
			cpus = []int{desc.CPU}
		}

		var opened []*eventState
		var openErr error
		for _, cpu := range cpus {
			ev, err := pfevent.Open(desc, desc.PID, cpu)
			if err != nil {
				openErr = err
				break
			}
			opened = append(opened, &eventState{
				ev:       ev,
				desc:     desc,
				decoder:  pfsample.NewDecoder(desc.Format),
				setIndex: -1,
			})
		}

		if openErr != nil {
			for _, es := range opened {
				_ = es.ev.Close()
			}
			if errors.Is(openErr, pfevent.ErrUnsupportedEvent) {
				log.Warnf("Dropping unsupported event: %v", openErr)
				s.dropped = append(s.dropped, Dropped{Desc: desc, Err: openErr})
				continue
			}
			return nil, openErr
		}

		for _, es := range opened {
			s.events = append(s.events, es)
			s.byID[es.ev.ID()] = es
			s.byDesc[desc] = append(s.byDesc[desc], es)
		}
		accepted = append(accepted, desc)
	}
	return accepted, nil
}

// planRotation partitions the hardware descriptors into rotation sets
// based on the discovered slot count. Software and tracepoint descriptors
// are always on.
func (s *Session) planRotation(accepted []*pfevent.Descriptor) error {
	var hw []*pfevent.Descriptor
	for _, desc := range accepted {
		if desc.IsHardware() {
			hw = append(hw, desc)
		} else {
			for _, es := range s.byDesc[desc] {
				es.alwaysOn = true
			}
		}
	}
	if len(hw) == 0 {
		s.slots = 0
		return nil
	}

	slots, err := discoverHardwareSlots()
	if err != nil {
		return fmt.Errorf("hardware slot discovery failed: %w", err)
	}
	s.slots = slots
	s.sets = partitionSets(hw, slots)
	for i, set := range s.sets {
		for _, desc := range set {
			for _, es := range s.byDesc[desc] {
				if len(s.sets) > 1 {
					es.setIndex = i
				} else {
					es.alwaysOn = true
				}
			}
		}
	}
	return nil
}

// mapRings maps one ring buffer per CPU. The first event opened on a CPU
// becomes the ring leader; all other events on that CPU redirect their
// output into the leader's buffer.
func (s *Session) mapRings(dataPages int) error {
	leaders := make(map[int]*eventState)
	for _, es := range s.events {
		cpu := es.ev.CPU()
		leader, ok := leaders[cpu]
		if !ok {
			buf, err := pfring.Map(es.ev.FD(), dataPages)
			if err != nil {
				return fmt.Errorf("failed to map ring buffer on CPU %d: %v",
					cpu, err)
			}
			cr := &cpuRing{cpu: cpu, buf: buf}
			cr.ring = []*pfring.Buffer{buf}
			s.rings = append(s.rings, cr)
			leaders[cpu] = es
			continue
		}
		if err := es.ev.SetOutput(leader.ev); err != nil {
			return fmt.Errorf("failed to share ring buffer of %s on CPU %d: %v",
				es.desc, cpu, err)
		}
	}
	return nil
}

// Start enables sampling and launches the drain goroutines. The context
// bounds the session; cancelling it has the same effect as calling Stop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.activeSet = 0
	s.mu.Unlock()

	drainCtx, cancel := context.WithCancel(ctx)
	s.cancelDrain = cancel

	eg, egCtx := errgroup.WithContext(drainCtx)
	s.eg = eg
	for _, cr := range s.rings {
		cr := cr
		eg.Go(func() error {
			return s.drainLoop(egCtx, cr)
		})
	}

	s.usage.begin()
	if err := s.setEnabled(true, func(es *eventState) bool {
		return es.alwaysOn || es.setIndex == 0
	}); err != nil {
		cancel()
		return err
	}

	if len(s.sets) > 1 {
		s.stopRotation = periodiccaller.Start(drainCtx,
			s.intervals.RotationInterval(), s.Rotate)
	}
	return nil
}

// Rotate swaps the active hardware counter set for the next one. It is a
// no-op for sessions without multiplexing pressure.
func (s *Session) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sets) < 2 || !s.started {
		return
	}

	old := s.activeSet
	next := (old + 1) % len(s.sets)

	for _, desc := range s.sets[old] {
		for _, es := range s.byDesc[desc] {
			if err := es.ev.Disable(); err != nil {
				log.Errorf("Failed to disable %s on CPU %d: %v",
					es.desc, es.ev.CPU(), err)
			}
		}
		s.usage.markDisabled(desc.Name)
		s.logKernelScale(desc)
	}
	for _, desc := range s.sets[next] {
		s.usage.markEnabled(desc.Name)
		for _, es := range s.byDesc[desc] {
			if err := es.ev.Enable(); err != nil {
				log.Errorf("Failed to enable %s on CPU %d: %v",
					es.desc, es.ev.CPU(), err)
			}
		}
	}

	s.activeSet = next
	metrics.Add(metrics.IDRotations, 1)
}

// logKernelScale compares the controller's own accounting against the
// kernel's enabled/running times for a descriptor leaving its slot.
func (s *Session) logKernelScale(desc *pfevent.Descriptor) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	ess := s.byDesc[desc]
	if len(ess) == 0 {
		return
	}
	c, err := ess[0].ev.ReadCount()
	if err != nil {
		return
	}
	// Scale is enabled/running, so its inverse is comparable with the
	// controller's enabled-time fraction.
	kernelFrac := 0.0
	if scale := c.Scale(); scale > 0 {
		kernelFrac = 1 / scale
	}
	log.Debugf("%s: kernel enabled fraction %.3f, controller fraction %.3f",
		desc.Name, kernelFrac, s.usage.fraction(desc.Name))
}

// setEnabled enables or disables every event matching the predicate and
// updates the usage accounting of the affected descriptors.
func (s *Session) setEnabled(enable bool, match func(*eventState) bool) error {
	touched := make(map[string]bool)
	var firstErr error
	for _, es := range s.events {
		if !match(es) {
			continue
		}
		var err error
		if enable {
			err = es.ev.Enable()
		} else {
			err = es.ev.Disable()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to toggle %s on CPU %d: %v",
				es.desc, es.ev.CPU(), err)
		}
		touched[es.desc.Name] = true
	}
	for name := range touched {
		if enable {
			s.usage.markEnabled(name)
		} else {
			s.usage.markDisabled(name)
		}
	}
	return firstErr
}

// Stop disables all events, performs a final drain of every ring buffer
// and releases all kernel resources. Stop is idempotent; subsequent calls
// return the first call's result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		if s.stopRotation != nil {
			s.stopRotation()
		}

		// Disable first so the final drain observes a quiesced ring.
		err := s.setEnabled(false, func(*eventState) bool { return true })

		if s.cancelDrain != nil {
			s.cancelDrain()
		}
		if s.eg != nil {
			if werr := s.eg.Wait(); werr != nil && err == nil {
				err = werr
			}
		}

		for _, cr := range s.rings {
			s.drainRing(cr)
		}

		s.teardown()
		s.stopErr = err
	})
	return s.stopErr
}

// teardown unmaps all rings and closes all events. Safe on a partially
// constructed session.
func (s *Session) teardown() {
	for _, cr := range s.rings {
		if err := cr.buf.Unmap(); err != nil {
			log.Errorf("Failed to unmap ring buffer on CPU %d: %v",
				cr.cpu, err)
		}
	}
	for _, es := range s.events {
		if err := es.ev.Close(); err != nil {
			log.Errorf("Failed to close %s on CPU %d: %v",
				es.desc, es.ev.CPU(), err)
		}
	}
	metrics.Add(metrics.IDRingBuffersActive, 0)
	s.rings = nil
	s.events = nil
}

// DroppedDescriptors returns the descriptors rejected at open time.
func (s *Session) DroppedDescriptors() []Dropped {
	return s.dropped
}

// HardwareSlots returns the discovered hardware counter slot count, or 0
// when no hardware descriptor is configured.
func (s *Session) HardwareSlots() int {
	return s.slots
}

// EnabledFractions returns the share of session wall time each descriptor
// was enabled on its counter. Always-on descriptors report 1.
func (s *Session) EnabledFractions() map[string]float64 {
	return s.usage.fractions()
}

// ReportMetrics reports the session's own counters.
func (s *Session) ReportMetrics() {
	metrics.Add(metrics.IDThrottleEvents,
		metrics.MetricValue(s.throttles.Swap(0)))
}
