// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfevent // import "github.com/perfprobe/perfprobe/pfevent"

import (
	"errors"
)

// ErrPermissionDenied indicates insufficient privilege to open an event.
// It is fatal to opening the session and never retried.
var ErrPermissionDenied = errors.New("permission denied opening event")

// ErrUnsupportedEvent indicates an unknown or unavailable event. It is fatal
// only to the descriptor it occurred on; a session may proceed with the
// remaining valid descriptors.
var ErrUnsupportedEvent = errors.New("unsupported event")

// ErrResourceExhausted indicates the kernel could not allocate the resources
// for an event or its ring buffer. It is fatal to opening the session.
var ErrResourceExhausted = errors.New("event resources exhausted")
