// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf contains the basic types shared between the sampling,
// unwinding and aggregation layers.
package libpf // import "github.com/perfprobe/perfprobe/libpf"

import (
	"time"
)

// PID represents a Unix Process ID (pid_t).
type PID int32

// Hash32 returns a 32 bits hash of the input.
// Its main purpose is to be used as key for caching.
func (p PID) Hash32() uint32 {
	return uint32(p)
}

// UnixTime64 represents nanoseconds since epoch.
type UnixTime64 uint64

// Unix returns the value as seconds since epoch.
func (t UnixTime64) Unix() int64 {
	return time.Unix(0, int64(t)).Unix()
}

// Void allows to use maps as sets without memory allocation for the values.
// From the "Go Programming Language":
//
//	The struct type with no fields is called the empty struct, written struct{}. It has size zero
//	and carries no information but may be useful nonetheless. Some Go programmers
//	use it instead of bool as the value type of a map that represents a set, to emphasize
//	that only the keys are significant, but the space saving is marginal and the syntax more
//	cumbersome, so we generally avoid it.
type Void struct{}
