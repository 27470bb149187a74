// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfevent // import "github.com/perfprobe/perfprobe/pfevent"

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
)

// tracefsPaths are the mount points probed for the tracepoint id files.
// Overridable for the test suite.
var tracefsPaths = []string{
	"/sys/kernel/tracing/events",
	"/sys/kernel/debug/tracing/events",
}

// resolveTracepoint resolves a "category:name" tracepoint spec into the
// event config code the kernel assigned to it.
func resolveTracepoint(spec string) (uint64, error) {
	category, name, ok := strings.Cut(spec, ":")
	if !ok || category == "" || name == "" {
		return 0, fmt.Errorf("%w: malformed tracepoint '%s'", ErrUnsupportedEvent, spec)
	}

	var lastErr error
	for _, base := range tracefsPaths {
		data, err := os.ReadFile(path.Join(base, category, name, "id"))
		if err != nil {
			lastErr = err
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse tracepoint id of '%s': %v", spec, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: tracepoint '%s' (%v)", ErrUnsupportedEvent, spec, lastErr)
}
