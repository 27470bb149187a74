// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator // import "github.com/perfprobe/perfprobe/aggregator"

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/perfprobe/perfprobe/libpf"
)

// frameKey is the identity under which frames merge in the profile.
// Resolved frames merge by symbol so the same function sampled at
// different offsets becomes one entry; unresolved frames merge by exact
// address.
type frameKey struct {
	module string
	name   string
	addr   libpf.Address
}

func keyForFrame(f *libpf.Frame) frameKey {
	if f.Resolved() {
		return frameKey{module: f.Module, name: f.FunctionName}
	}
	return frameKey{module: f.Module, addr: f.Address}
}

func otherKey() frameKey {
	return frameKey{name: OtherBucket}
}

func otherFrame() libpf.Frame {
	return libpf.Frame{FunctionName: OtherBucket}
}

// CallNode is one node of the call tree profile. Inclusive carries the
// weight of all samples whose call chain passed through this node,
// Exclusive only the weight sampled with this node as the leaf.
type CallNode struct {
	Frame     libpf.Frame
	Inclusive float64
	Exclusive float64
	Children  map[frameKey]*CallNode
}

func newCallNode(frame libpf.Frame) *CallNode {
	return &CallNode{
		Frame:    frame,
		Children: make(map[frameKey]*CallNode),
	}
}

// clone deep-copies the subtree so snapshot readers never observe later
// mutations.
func (n *CallNode) clone() *CallNode {
	c := &CallNode{
		Frame:     n.Frame,
		Inclusive: n.Inclusive,
		Exclusive: n.Exclusive,
		Children:  make(map[frameKey]*CallNode, len(n.Children)),
	}
	for key, child := range n.Children {
		c.Children[key] = child.clone()
	}
	return c
}

// SortedChildren returns the children ordered by descending inclusive
// weight, for stable rendering.
func (n *CallNode) SortedChildren() []*CallNode {
	children := make([]*CallNode, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].Inclusive != children[j].Inclusive {
			return children[i].Inclusive > children[j].Inclusive
		}
		return children[i].Frame.Symbol() < children[j].Frame.Symbol()
	})
	return children
}

type flatEntry struct {
	frame   libpf.Frame
	weight  float64
	samples uint64
}

// FlatEntry is one row of a flat profile snapshot.
type FlatEntry struct {
	Frame   libpf.Frame
	Weight  float64
	Samples uint64
}

// Snapshot is a consistent copy of the profile state at one point in time.
type Snapshot struct {
	SessionID uuid.UUID
	TakenAt   time.Time
	Mode      Mode

	Samples          uint64
	TotalWeight      float64
	LostSamples      uint64
	MalformedRecords uint64

	// EnabledFractions gives per descriptor the fraction of wall time the
	// counter was actually live on hardware, for judging multiplexing
	// pressure.
	EnabledFractions map[string]float64

	// Flat rows, descending by weight. Populated in ModeFlat.
	Flat []FlatEntry
	// Root of the copied call tree. Populated in ModeCallTree.
	Root *CallNode
}

// snapshot assembles a Snapshot. Runs on the aggregation goroutine.
func (a *Aggregator) snapshot() *Snapshot {
	snap := &Snapshot{
		SessionID:        a.sessionID,
		TakenAt:          time.Now(),
		Mode:             a.mode,
		Samples:          a.ingested,
		TotalWeight:      a.totalWeight,
		LostSamples:      a.lost.Load(),
		MalformedRecords: a.malformed.Load(),
	}
	if a.enabledFractions != nil {
		snap.EnabledFractions = a.enabledFractions()
	}

	switch a.mode {
	case ModeFlat:
		snap.Flat = make([]FlatEntry, 0, len(a.flat))
		for _, e := range a.flat {
			snap.Flat = append(snap.Flat, FlatEntry{
				Frame:   e.frame,
				Weight:  e.weight,
				Samples: e.samples,
			})
		}
		sort.Slice(snap.Flat, func(i, j int) bool {
			if snap.Flat[i].Weight != snap.Flat[j].Weight {
				return snap.Flat[i].Weight > snap.Flat[j].Weight
			}
			return snap.Flat[i].Frame.Symbol() < snap.Flat[j].Frame.Symbol()
		})
	case ModeCallTree:
		snap.Root = a.root.clone()
	}
	return snap
}
