// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds all intervals and timeouts used across the profiler
// in a central place and comes with getters to read them.
package times // import "github.com/perfprobe/perfprobe/times"

import (
	"context"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/perfprobe/perfprobe/periodiccaller"
)

const (
	// Number of timing samples to use when retrieving system boot time.
	sampleSize = 5
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

var (
	// Monotonic-to-unixtime delta that can be added to a monotonic (CLOCK_MONOTONIC)
	// timestamp to convert it to time-since-epoch.
	bootTimeUnixNano atomic.Int64
)

// Times hold all the intervals and timeouts that are used across the profiler.
type Times struct {
	monitorInterval   time.Duration
	pollInterval      time.Duration
	rotationInterval  time.Duration
	reportInterval    time.Duration
	mapsResyncBackoff time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// MonitorInterval defines the interval for metric collection and
	// status reporting.
	MonitorInterval() time.Duration
	// PollInterval defines the interval at which the sample ring buffers
	// are polled for new data.
	PollInterval() time.Duration
	// RotationInterval defines the interval at which multiplexed counter
	// sets are swapped on their hardware slots.
	RotationInterval() time.Duration
	// ReportInterval defines the interval at which profile snapshots are
	// emitted for live display.
	ReportInterval() time.Duration
	// MapsResyncBackoff defines the minimum time between two re-reads of a
	// process memory map triggered by unknown addresses.
	MapsResyncBackoff() time.Duration
}

func (t *Times) MonitorInterval() time.Duration { return t.monitorInterval }

func (t *Times) PollInterval() time.Duration { return t.pollInterval }

func (t *Times) RotationInterval() time.Duration { return t.rotationInterval }

func (t *Times) ReportInterval() time.Duration { return t.reportInterval }

func (t *Times) MapsResyncBackoff() time.Duration { return t.mapsResyncBackoff }

// StartRealtimeSync calculates a delta between the monotonic clock
// (CLOCK_MONOTONIC, rebased to unixtime) and the realtime clock. If syncInterval is
// greater than zero, it also starts a goroutine to perform that calculation periodically.
func StartRealtimeSync(ctx context.Context, syncInterval time.Duration) {
	bootTimeUnixNano.Store(getBootTimeUnixNano())

	if syncInterval > 0 {
		periodiccaller.Start(ctx, syncInterval, func() {
			bootTimeUnixNano.Store(getBootTimeUnixNano())
		})
	}
}

// New returns a new Times instance.
func New(reportInterval, monitorInterval, rotationInterval time.Duration) *Times {
	return &Times{
		monitorInterval:   monitorInterval,
		pollInterval:      250 * time.Millisecond,
		rotationInterval:  rotationInterval,
		reportInterval:    reportInterval,
		mapsResyncBackoff: 100 * time.Millisecond,
	}
}

// getBootTimeUnixNano returns system boot time in nanoseconds since the
// epoch, temporarily locking the calling goroutine to its OS thread.
func getBootTimeUnixNano() int64 {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	samples := make([]struct {
		t1    time.Time
		ktime int64
		t2    time.Time
	}, sampleSize)

	for i := range samples {
		// To avoid noise from scheduling / other delays, we perform a
		// series of measurements and pick the one with the lowest delta.
		samples[i].t1 = time.Now()
		samples[i].ktime = int64(GetKTime())
		samples[i].t2 = time.Now()
	}

	sort.Slice(samples, func(i, j int) bool {
		di := samples[i].t2.UnixNano() - samples[i].t1.UnixNano()
		dj := samples[j].t2.UnixNano() - samples[j].t1.UnixNano()
		if di < 0 {
			di = -di
		}
		if dj < 0 {
			dj = -dj
		}
		return di < dj
	})

	// This should never be negative, as t1.UnixNano() >> ktime
	return samples[0].t1.UnixNano() - samples[0].ktime
}
