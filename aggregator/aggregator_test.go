// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/pfsample"
	"github.com/perfprobe/perfprobe/unwinder"
)

// stubResolver synthesizes one frame per callchain address.
type stubResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *stubResolver) Unwind(s *pfsample.Sample, res *unwinder.Result) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	res.Frames = make(libpf.Frames, 0, len(s.Callchain))
	for _, ip := range s.Callchain {
		res.Frames = append(res.Frames, libpf.Frame{
			Kind:         libpf.NativeFrame,
			Address:      libpf.Address(ip),
			Module:       "test",
			FunctionName: fmt.Sprintf("fn_%x", ip),
		})
	}
	res.Truncated = false
}

func (r *stubResolver) unwindCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func startTestAggregator(t *testing.T, cfg Config) (*Aggregator, *stubResolver) {
	t.Helper()
	resolver := &stubResolver{}
	a, err := New(resolver, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)
	return a, resolver
}

func sampleWithChain(pid libpf.PID, period uint64, chain ...uint64) Ingestable {
	return Ingestable{
		Sample: pfsample.Sample{
			PID:       pid,
			Period:    period,
			Callchain: chain,
		},
		Scale: 1.0,
	}
}

// TestFlatConservation checks that the sum of the flat rows equals the sum
// of the ingested weights, regardless of the ingest sequence.
func TestFlatConservation(t *testing.T) {
	a, _ := startTestAggregator(t, Config{Mode: ModeFlat})

	rng := rand.New(rand.NewSource(42))
	var want float64
	for i := 0; i < 1000; i++ {
		period := uint64(rng.Intn(100000) + 1)
		scale := 1.0 / float64(rng.Intn(4)+1)
		chain := []uint64{uint64(rng.Intn(32) + 1)}
		a.Ingest(Ingestable{
			Sample: pfsample.Sample{
				PID:       libpf.PID(rng.Intn(4)),
				Period:    period,
				Callchain: chain,
			},
			Scale: scale,
		})
		want += float64(period) * scale
	}

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), snap.Samples)

	var got float64
	for _, row := range snap.Flat {
		got += row.Weight
	}
	assert.InEpsilon(t, want, got, 1e-9)
	assert.InEpsilon(t, want, snap.TotalWeight, 1e-9)
}

// TestTreeInvariant checks the call tree invariant: every node's inclusive
// weight equals its exclusive weight plus the inclusive weights of its
// children (no truncation involved).
func TestTreeInvariant(t *testing.T) {
	a, _ := startTestAggregator(t, Config{Mode: ModeCallTree})

	// Chains are innermost first: main is the root-side frame.
	a.Ingest(sampleWithChain(1, 10, 0x30, 0x20, 0x10)) // main>f2>f3
	a.Ingest(sampleWithChain(1, 5, 0x20, 0x10))        // main>f2
	a.Ingest(sampleWithChain(1, 7, 0x40, 0x10))        // main>f4
	a.Ingest(sampleWithChain(1, 3, 0x10))              // main

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Root)
	assert.InEpsilon(t, 25.0, snap.Root.Inclusive, 1e-9)

	var check func(n *CallNode)
	check = func(n *CallNode) {
		sum := n.Exclusive
		for _, c := range n.Children {
			sum += c.Inclusive
			check(c)
		}
		assert.InDelta(t, n.Inclusive, sum, 1e-9,
			"node %s: inclusive %v != exclusive+children %v",
			n.Frame.Symbol(), n.Inclusive, sum)
	}
	check(snap.Root)

	// main carries everything inclusively, 3 exclusively.
	children := snap.Root.SortedChildren()
	require.Len(t, children, 1)
	main := children[0]
	assert.InEpsilon(t, 25.0, main.Inclusive, 1e-9)
	assert.InEpsilon(t, 3.0, main.Exclusive, 1e-9)
	assert.Len(t, main.Children, 2)
}

func TestNodeCapCoalesces(t *testing.T) {
	a, _ := startTestAggregator(t, Config{Mode: ModeFlat, MaxNodes: 8})

	for i := 0; i < 100; i++ {
		a.Ingest(sampleWithChain(1, 1, uint64(0x1000+i)))
	}

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Flat, 9, "8 distinct rows plus the other bucket")

	var other *FlatEntry
	var total float64
	for i := range snap.Flat {
		total += snap.Flat[i].Weight
		if snap.Flat[i].Frame.FunctionName == OtherBucket {
			other = &snap.Flat[i]
		}
	}
	require.NotNil(t, other)
	assert.InEpsilon(t, 92.0, other.Weight, 1e-9)
	assert.InEpsilon(t, 100.0, total, 1e-9, "weight survives coalescing")
}

func TestTraceCache(t *testing.T) {
	a, resolver := startTestAggregator(t, Config{Mode: ModeFlat})

	for i := 0; i < 10; i++ {
		a.Ingest(sampleWithChain(1, 1, 0x10, 0x20))
	}
	// Same addresses in another process must not share the cached trace.
	a.Ingest(sampleWithChain(2, 1, 0x10, 0x20))

	_, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.unwindCalls())
}

func TestSnapshotConcurrentWithIngest(t *testing.T) {
	a, _ := startTestAggregator(t, Config{Mode: ModeCallTree})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				a.Ingest(sampleWithChain(libpf.PID(w), 2,
					uint64(0x100+i%7), 0x10))
			}
		}(w)
	}

	for i := 0; i < 20; i++ {
		snap, err := a.Snapshot(context.Background())
		require.NoError(t, err)
		require.NotNil(t, snap.Root)
	}
	wg.Wait()

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), snap.Samples)
	assert.InEpsilon(t, 2000.0, snap.Root.Inclusive, 1e-9)
}

func TestSnapshotCounters(t *testing.T) {
	a, _ := startTestAggregator(t, Config{Mode: ModeFlat})
	a.SetEnabledFractionsFn(nil) // must be a no-op

	a.AddLost(7)
	a.AddMalformed(3)
	a.Ingest(sampleWithChain(1, 0, 0x10)) // period 0 weighs 1

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.LostSamples)
	assert.Equal(t, uint64(3), snap.MalformedRecords)
	assert.InEpsilon(t, 1.0, snap.TotalWeight, 1e-9)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000",
		snap.SessionID.String())
}
