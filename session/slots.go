// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/perfprobe/perfprobe/session"

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perfprobe/perfprobe/pfevent"
)

const (
	// maxSlotProbes bounds the number of pinned probe events opened during
	// slot discovery. No current PMU exposes more general-purpose counters.
	maxSlotProbes = 32
)

// probeSettle is how long the probes are left enabled before their running
// time is inspected. Overridable for the test suite.
var probeSettle = 10 * time.Millisecond

// slotProbe is one pinned probe event used for hardware slot discovery.
type slotProbe interface {
	Enable() error
	Running() (bool, error)
	Close() error
}

type eventProbe struct {
	ev *pfevent.Event
}

func (p *eventProbe) Enable() error {
	return p.ev.Enable()
}

func (p *eventProbe) Running() (bool, error) {
	c, err := p.ev.ReadCount()
	if err != nil {
		return false, err
	}
	return c.TimeRunning > 0, nil
}

func (p *eventProbe) Close() error {
	return p.ev.Close()
}

// newSlotProbe opens the n-th pinned probe. Overridable for the test suite.
var newSlotProbe = func(n int) (slotProbe, error) {
	desc := &pfevent.Descriptor{
		Name:         "cycles",
		Kind:         pfevent.HardwareEvent,
		Config:       0, // PERF_COUNT_HW_CPU_CYCLES
		SamplePeriod: 1 << 32,
	}
	// Probing the calling process on any CPU works without elevated
	// perf_event_paranoid settings.
	ev, err := pfevent.OpenPinned(desc, 0, pfevent.AllCPUs)
	if err != nil {
		return nil, err
	}
	return &eventProbe{ev: ev}, nil
}

// discoverHardwareSlots determines how many hardware counter slots the PMU
// offers by opening pinned probe events until the kernel stops scheduling
// them. A pinned event either holds a slot permanently or reports zero
// running time, so the number of probes with nonzero running time after a
// short settle period is the slot count.
func discoverHardwareSlots() (int, error) {
	probes := make([]slotProbe, 0, maxSlotProbes)
	defer func() {
		for _, p := range probes {
			_ = p.Close()
		}
	}()

	for len(probes) < maxSlotProbes {
		p, err := newSlotProbe(len(probes))
		if err != nil {
			if len(probes) == 0 {
				return 0, err
			}
			// Running out of probe events just ends the search early.
			if !errors.Is(err, pfevent.ErrResourceExhausted) {
				log.Debugf("Slot probe %d failed: %v", len(probes), err)
			}
			break
		}
		probes = append(probes, p)
		if err = p.Enable(); err != nil {
			return 0, err
		}
	}

	time.Sleep(probeSettle)

	slots := 0
	for _, p := range probes {
		running, err := p.Running()
		if err != nil {
			return 0, err
		}
		if running {
			slots++
		}
	}
	if slots == 0 {
		// The PMU answered every probe with zero running time, which
		// happens on some paravirtualized guests. Fall back to serial
		// multiplexing rather than failing the session.
		log.Warnf("Hardware slot discovery found no scheduled probes, assuming 1 slot")
		slots = 1
	}
	return slots, nil
}

// partitionSets splits the hardware descriptors into rotation sets of at
// most slots members each. Descriptors keep their relative order, so set
// boundaries are stable across runs.
func partitionSets(hw []*pfevent.Descriptor, slots int) [][]*pfevent.Descriptor {
	if slots < 1 {
		slots = 1
	}
	var sets [][]*pfevent.Descriptor
	for len(hw) > 0 {
		n := slots
		if n > len(hw) {
			n = len(hw)
		}
		sets = append(sets, hw[:n])
		hw = hw[n:]
	}
	return sets
}
