// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/perfprobe/perfprobe/aggregator"
	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/pfevent"
	"github.com/perfprobe/perfprobe/pfring"
	"github.com/perfprobe/perfprobe/pfsample"
	"github.com/perfprobe/perfprobe/symbolizer"
	"github.com/perfprobe/perfprobe/times"
	"github.com/perfprobe/perfprobe/unwinder"
)

func TestPartitionSets(t *testing.T) {
	descs := make([]*pfevent.Descriptor, 5)
	for i := range descs {
		descs[i] = &pfevent.Descriptor{Name: string(rune('a' + i))}
	}

	tests := map[string]struct {
		slots     int
		wantSizes []int
	}{
		"all fit":         {slots: 8, wantSizes: []int{5}},
		"exact":           {slots: 5, wantSizes: []int{5}},
		"two sets":        {slots: 3, wantSizes: []int{3, 2}},
		"serial":          {slots: 1, wantSizes: []int{1, 1, 1, 1, 1}},
		"clamped to one":  {slots: 0, wantSizes: []int{1, 1, 1, 1, 1}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sets := partitionSets(descs, tc.slots)
			require.Len(t, sets, len(tc.wantSizes))
			seen := 0
			for i, set := range sets {
				assert.Len(t, set, tc.wantSizes[i])
				for _, d := range set {
					assert.Same(t, descs[seen], d)
					seen++
				}
			}
		})
	}
}

// fakeClock is a deterministic replacement for time.Now.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestUsageTrackerRotationAccounting(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	u := newUsageTracker()
	u.now = clock.now

	u.track("cycles")
	u.track("instructions")
	u.begin()

	// One hardware slot, two descriptors: alternate every interval. The
	// ticker firing is never exact, so jitter each interval a little.
	interval := 10 * time.Millisecond
	rng := rand.New(rand.NewSource(42))
	active := "cycles"
	idle := "instructions"
	u.markEnabled(active)
	for i := 0; i < 200; i++ {
		jitter := time.Duration(rng.Int63n(int64(interval / 25)))
		clock.advance(interval + jitter)
		u.markDisabled(active)
		u.markEnabled(idle)
		active, idle = idle, active
	}

	fracs := u.fractions()
	require.Len(t, fracs, 2)
	assert.InDelta(t, 0.5, fracs["cycles"], 0.02)
	assert.InDelta(t, 0.5, fracs["instructions"], 0.02)
}

func TestUsageTrackerDefaults(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	u := newUsageTracker()
	u.now = clock.now

	// Before begin and for unknown names the fraction is neutral.
	u.track("cycles")
	assert.Equal(t, 1.0, u.fraction("cycles"))
	assert.Equal(t, 1.0, u.fraction("no-such-event"))

	u.begin()
	u.markEnabled("cycles")
	clock.advance(time.Second)
	assert.Equal(t, 1.0, u.fraction("cycles"))

	// Half on, half off.
	u.markDisabled("cycles")
	clock.advance(time.Second)
	assert.InDelta(t, 0.5, u.fraction("cycles"), 0.001)
}

type fakeProbe struct {
	running bool
	closed  bool
}

func (p *fakeProbe) Enable() error          { return nil }
func (p *fakeProbe) Running() (bool, error) { return p.running, nil }
func (p *fakeProbe) Close() error           { p.closed = true; return nil }

func TestDiscoverHardwareSlots(t *testing.T) {
	origProbe := newSlotProbe
	origSettle := probeSettle
	t.Cleanup(func() {
		newSlotProbe = origProbe
		probeSettle = origSettle
	})
	probeSettle = 0

	tests := map[string]struct {
		slots     int
		openLimit int
		openErr   error
		want      int
		wantErr   bool
	}{
		"four counters":     {slots: 4, want: 4},
		"single counter":    {slots: 1, want: 1},
		"fd limit hit":      {slots: 6, openLimit: 10, want: 6},
		"nothing scheduled": {slots: 0, want: 1},
		"first open fails": {
			openLimit: 0,
			openErr:   pfevent.ErrPermissionDenied,
			wantErr:   true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var probes []*fakeProbe
			newSlotProbe = func(n int) (slotProbe, error) {
				if tc.openErr != nil && n >= tc.openLimit {
					return nil, tc.openErr
				}
				if tc.openLimit != 0 && n >= tc.openLimit {
					return nil, pfevent.ErrResourceExhausted
				}
				p := &fakeProbe{running: n < tc.slots}
				probes = append(probes, p)
				return p, nil
			}

			got, err := discoverHardwareSlots()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			for _, p := range probes {
				assert.True(t, p.closed)
			}
		})
	}
}

// chainResolver resolves each callchain address into a synthetic frame.
type chainResolver struct{}

func (chainResolver) Unwind(s *pfsample.Sample, res *unwinder.Result) {
	res.Frames = res.Frames[:0]
	for _, addr := range s.Callchain {
		res.Frames = append(res.Frames, libpf.Frame{
			Kind:    libpf.NativeFrame,
			Address: libpf.Address(addr),
		})
	}
}

// newDrainTestSession builds a Session wired to a running aggregator and a
// real unwinder, without any kernel events behind it.
func newDrainTestSession(t *testing.T, format pfevent.SampleFormat,
	streamID uint64) (*Session, *aggregator.Aggregator) {
	t.Helper()

	agg, err := aggregator.New(chainResolver{}, aggregator.Config{
		Mode: aggregator.ModeFlat,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	agg.Start(ctx)

	sym, err := symbolizer.New(symbolizer.Config{
		KallsymsPath: "testdata/no-such-kallsyms",
		ModulesPath:  "testdata/no-such-modules",
	})
	require.NoError(t, err)
	unw, err := unwinder.New(sym, unwinder.Config{})
	require.NoError(t, err)

	desc := &pfevent.Descriptor{
		Name:         "cycles",
		Kind:         pfevent.HardwareEvent,
		SamplePeriod: 100,
		Format:       format,
	}
	s := &Session{
		agg:          agg,
		unw:          unw,
		byID:         make(map[uint64]*eventState),
		usage:        newUsageTracker(),
		plainDecoder: pfsample.NewDecoder(pfevent.SampleFormat{}),
	}
	s.byID[streamID] = &eventState{
		desc:    desc,
		decoder: pfsample.NewDecoder(format),
		setIndex: -1,
	}
	s.usage.track(desc.Name)
	return s, agg
}

type recEnc struct {
	b []byte
}

func (e *recEnc) u64(v uint64) *recEnc {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	e.b = append(e.b, buf[:]...)
	return e
}

func (e *recEnc) u32(v uint32) *recEnc {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.b = append(e.b, buf[:]...)
	return e
}

func record(typ uint32, body []byte) *pfring.RawRecord {
	return &pfring.RawRecord{
		Header: pfring.RecordHeader{
			Type: typ,
			Size: uint16(8 + len(body)),
		},
		Data: body,
	}
}

func TestHandleSampleDemux(t *testing.T) {
	format := pfevent.SampleFormat{
		Identifier: true,
		IP:         true,
		TID:        true,
		Time:       true,
		Period:     true,
		Callchain:  true,
	}
	const streamID = 0x1234
	s, agg := newDrainTestSession(t, format, streamID)

	chain := []uint64{0x1000, 0x2000}
	body := (&recEnc{}).
		u64(streamID).
		u64(0x1000).             // ip
		u32(42).u32(42).         // pid, tid
		u64(111222333).          // time
		u64(100).                // period
		u64(uint64(len(chain))). // callchain nr
		u64(chain[0]).u64(chain[1])
	s.handleRecord(record(unix.PERF_RECORD_SAMPLE, body.b))

	// Unknown stream ID counts as malformed.
	unknown := (&recEnc{}).u64(0x9999).u64(0x1000)
	s.handleRecord(record(unix.PERF_RECORD_SAMPLE, unknown.b))

	// Truncated body counts as malformed.
	s.handleRecord(record(unix.PERF_RECORD_SAMPLE, []byte{1, 2, 3}))

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Samples)
	assert.Equal(t, uint64(2), snap.MalformedRecords)
	assert.InDelta(t, 100.0, snap.TotalWeight, 0.001)
}

func TestHandleLifecycleRecords(t *testing.T) {
	s, agg := newDrainTestSession(t, pfevent.SampleFormat{Identifier: true}, 1)

	// A PID beyond pid_max, so the lazy procfs fallback never resolves.
	const pid = 0x7ffffffe

	// COMM names the process.
	comm := (&recEnc{}).u32(pid).u32(pid)
	comm.b = append(comm.b, []byte("worker\x00\x00")...)
	s.handleRecord(record(unix.PERF_RECORD_COMM, comm.b))
	assert.Equal(t, "worker", s.unw.ProcessComm(pid))

	// EXIT of a secondary thread keeps the process alive.
	threadExit := (&recEnc{}).u32(pid).u32(1).u32(pid-1).u32(1).u64(5)
	s.handleRecord(record(unix.PERF_RECORD_EXIT, threadExit.b))
	assert.Equal(t, "worker", s.unw.ProcessComm(pid))

	// EXIT of the main thread discards the cached process state.
	procExit := (&recEnc{}).u32(pid).u32(1).u32(pid).u32(1).u64(6)
	s.handleRecord(record(unix.PERF_RECORD_EXIT, procExit.b))
	assert.NotEqual(t, "worker", s.unw.ProcessComm(pid))

	// LOST feeds the aggregator's lost counter.
	lost := (&recEnc{}).u64(7).u64(12)
	s.handleRecord(record(unix.PERF_RECORD_LOST, lost.b))

	// Throttle records only bump a counter.
	throttle := (&recEnc{}).u64(1).u64(2).u64(3)
	s.handleRecord(record(unix.PERF_RECORD_THROTTLE, throttle.b))
	s.handleRecord(record(unix.PERF_RECORD_UNTHROTTLE, throttle.b))
	assert.Equal(t, uint64(2), s.throttles.Load())

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), snap.LostSamples)
}

func TestScaleFor(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := &Session{usage: newUsageTracker()}
	s.usage.now = clock.now
	s.usage.track("cycles")

	// Neutral before the session starts.
	assert.Equal(t, 1.0, s.scaleFor("cycles"))

	s.usage.begin()
	s.usage.markEnabled("cycles")
	clock.advance(time.Second)
	s.usage.markDisabled("cycles")
	clock.advance(3 * time.Second)

	// Enabled a quarter of the time: every sample stands for four.
	assert.InDelta(t, 4.0, s.scaleFor("cycles"), 0.001)
}

func TestOpenValidation(t *testing.T) {
	agg, err := aggregator.New(chainResolver{}, aggregator.Config{})
	require.NoError(t, err)
	sym, err := symbolizer.New(symbolizer.Config{
		KallsymsPath: "testdata/no-such-kallsyms",
		ModulesPath:  "testdata/no-such-modules",
	})
	require.NoError(t, err)
	unw, err := unwinder.New(sym, unwinder.Config{})
	require.NoError(t, err)

	intervals := times.New(time.Second, time.Second, time.Second)

	_, err = Open(Config{
		Aggregator: agg,
		Unwinder:   unw,
		Intervals:  intervals,
	})
	assert.ErrorContains(t, err, "no event descriptors")

	_, err = Open(Config{
		Descriptors: []*pfevent.Descriptor{{
			Name: "cycles",
			Kind: pfevent.HardwareEvent,
			// Neither period nor frequency set.
		}},
		Aggregator: agg,
		Unwinder:   unw,
		Intervals:  intervals,
	})
	assert.ErrorContains(t, err, "invalid descriptor")

	_, err = Open(Config{
		Descriptors: []*pfevent.Descriptor{{
			Name:         "cycles",
			Kind:         pfevent.HardwareEvent,
			SamplePeriod: 1000003,
		}},
		Aggregator: agg,
		Unwinder:   unw,
	})
	assert.ErrorContains(t, err, "intervals are required")
}
