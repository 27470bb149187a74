//go:build linux

// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package rlimit lifts the locked memory limit while the sample ring
// buffers are mapped. Kernels before 5.7 charge perf event mmaps against
// RLIMIT_MEMLOCK instead of the perf_event_mlock_kb budget.
package rlimit // import "github.com/perfprobe/perfprobe/rlimit"

import (
	"fmt"

	"golang.org/x/sys/unix"

	log "github.com/sirupsen/logrus"
)

// MaximizeMemlock updates the memlock resource limit to RLIM_INFINITY.
// It returns a function to reset the resource limit to its original value or an error.
func MaximizeMemlock() (func(), error) {
	var oldLimit unix.Rlimit
	tmpLimit := unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}

	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &tmpLimit, &oldLimit); err != nil {
		return nil, fmt.Errorf("failed to set temporary rlimit: %w", err)
	}

	return func() {
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &oldLimit); err != nil {
			log.Fatalf("Failed to set old rlimit: %v", err)
		}
	}, nil
}
