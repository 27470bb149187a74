// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfevent // import "github.com/perfprobe/perfprobe/pfevent"

import (
	"golang.org/x/sys/unix"
)

// perfCountSWCgroupSwitches is PERF_COUNT_SW_CGROUP_SWITCHES from the
// kernel UAPI (added in Linux 5.13, not yet mirrored by x/sys/unix).
const perfCountSWCgroupSwitches = 0xb

// EventInfo describes one entry of the symbolic event tables.
type EventInfo struct {
	Kind   Kind
	Config uint64
	Symbol string
	Alias  string
}

// hwEvents is the table of generalized hardware events, as the kernel
// defines them in the perf_hw_id enum.
var hwEvents = []EventInfo{
	{HardwareEvent, unix.PERF_COUNT_HW_CPU_CYCLES, "cpu-cycles", "cycles"},
	{HardwareEvent, unix.PERF_COUNT_HW_INSTRUCTIONS, "instructions", ""},
	{HardwareEvent, unix.PERF_COUNT_HW_CACHE_REFERENCES, "cache-references", ""},
	{HardwareEvent, unix.PERF_COUNT_HW_CACHE_MISSES, "cache-misses", ""},
	{HardwareEvent, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, "branch-instructions", "branches"},
	{HardwareEvent, unix.PERF_COUNT_HW_BRANCH_MISSES, "branch-misses", ""},
	{HardwareEvent, unix.PERF_COUNT_HW_BUS_CYCLES, "bus-cycles", ""},
	{HardwareEvent, unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND,
		"stalled-cycles-frontend", "idle-cycles-frontend"},
	{HardwareEvent, unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND,
		"stalled-cycles-backend", "idle-cycles-backend"},
	{HardwareEvent, unix.PERF_COUNT_HW_REF_CPU_CYCLES, "ref-cycles", ""},
}

// swEvents is the table of software events from the perf_sw_ids enum.
var swEvents = []EventInfo{
	{SoftwareEvent, unix.PERF_COUNT_SW_CPU_CLOCK, "cpu-clock", ""},
	{SoftwareEvent, unix.PERF_COUNT_SW_TASK_CLOCK, "task-clock", ""},
	{SoftwareEvent, unix.PERF_COUNT_SW_PAGE_FAULTS, "page-faults", "faults"},
	{SoftwareEvent, unix.PERF_COUNT_SW_CONTEXT_SWITCHES, "context-switches", "cs"},
	{SoftwareEvent, unix.PERF_COUNT_SW_CPU_MIGRATIONS, "cpu-migrations", "migrations"},
	{SoftwareEvent, unix.PERF_COUNT_SW_PAGE_FAULTS_MIN, "minor-faults", ""},
	{SoftwareEvent, unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ, "major-faults", ""},
	{SoftwareEvent, unix.PERF_COUNT_SW_ALIGNMENT_FAULTS, "alignment-faults", ""},
	{SoftwareEvent, unix.PERF_COUNT_SW_EMULATION_FAULTS, "emulation-faults", ""},
	{SoftwareEvent, unix.PERF_COUNT_SW_DUMMY, "dummy", ""},
	{SoftwareEvent, unix.PERF_COUNT_SW_BPF_OUTPUT, "bpf-output", ""},
	{SoftwareEvent, perfCountSWCgroupSwitches, "cgroup-switches", ""},
}

// ListEvents returns all known symbolic events, hardware first.
func ListEvents() []EventInfo {
	events := make([]EventInfo, 0, len(hwEvents)+len(swEvents))
	events = append(events, hwEvents...)
	events = append(events, swEvents...)
	return events
}

// lookupEventName finds the event table entry for a symbolic name or alias.
func lookupEventName(name string) (EventInfo, bool) {
	for _, table := range [][]EventInfo{hwEvents, swEvents} {
		for _, info := range table {
			if info.Symbol == name || (info.Alias != "" && info.Alias == name) {
				return info, true
			}
		}
	}
	return EventInfo{}, false
}
