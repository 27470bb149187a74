// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/perfprobe/perfprobe/session"

import (
	"sync"
	"time"
)

// usageTracker accounts the wall time each descriptor spends enabled on
// hardware. Rotated descriptors accumulate enabled time only while their
// set holds the slots; the resulting fraction of total session time drives
// the multiplexing weight correction.
type usageTracker struct {
	now func() time.Time // overridable for the test suite

	mu      sync.Mutex
	start   time.Time
	entries map[string]*usageEntry
}

type usageEntry struct {
	accumulated  time.Duration
	enabledSince time.Time // zero while disabled
}

func newUsageTracker() *usageTracker {
	return &usageTracker{
		now:     time.Now,
		entries: make(map[string]*usageEntry),
	}
}

// track registers a descriptor. Registration does not start accounting.
func (u *usageTracker) track(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.entries[name]; !ok {
		u.entries[name] = &usageEntry{}
	}
}

// begin marks the start of the session; fractions are relative to it.
func (u *usageTracker) begin() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.start = u.now()
}

func (u *usageTracker) markEnabled(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if e, ok := u.entries[name]; ok && e.enabledSince.IsZero() {
		e.enabledSince = u.now()
	}
}

func (u *usageTracker) markDisabled(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if e, ok := u.entries[name]; ok && !e.enabledSince.IsZero() {
		e.accumulated += u.now().Sub(e.enabledSince)
		e.enabledSince = time.Time{}
	}
}

// fraction returns the share of session wall time the descriptor was
// enabled, in (0, 1]. Unknown descriptors and a not yet started session
// report 1 so weights stay uncorrected.
func (u *usageTracker) fraction(name string) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fractionLocked(name, u.now())
}

func (u *usageTracker) fractionLocked(name string, now time.Time) float64 {
	e, ok := u.entries[name]
	if !ok || u.start.IsZero() {
		return 1.0
	}
	wall := now.Sub(u.start)
	if wall <= 0 {
		return 1.0
	}
	enabled := e.accumulated
	if !e.enabledSince.IsZero() {
		enabled += now.Sub(e.enabledSince)
	}
	frac := float64(enabled) / float64(wall)
	if frac <= 0 || frac > 1 {
		return 1.0
	}
	return frac
}

// fractions returns the enabled time fraction of every tracked descriptor.
func (u *usageTracker) fractions() map[string]float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.now()
	out := make(map[string]float64, len(u.entries))
	for name := range u.entries {
		out[name] = u.fractionLocked(name, now)
	}
	return out
}
