// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseEventSpec(t *testing.T) {
	tests := map[string]struct {
		spec     string
		wantErr  bool
		kind     Kind
		config   uint64
		exclUser bool
		exclKern bool
		precise  uint8
	}{
		"plain hardware": {
			spec: "cycles", kind: HardwareEvent,
			config: unix.PERF_COUNT_HW_CPU_CYCLES,
		},
		"alias": {
			spec: "branches", kind: HardwareEvent,
			config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS,
		},
		"software": {
			spec: "page-faults", kind: SoftwareEvent,
			config: unix.PERF_COUNT_SW_PAGE_FAULTS,
		},
		"software beyond x/sys": {
			spec: "cgroup-switches", kind: SoftwareEvent,
			config: perfCountSWCgroupSwitches,
		},
		"user only": {
			spec: "cycles:u", kind: HardwareEvent,
			config: unix.PERF_COUNT_HW_CPU_CYCLES, exclKern: true,
		},
		"kernel only": {
			spec: "instructions:k", kind: HardwareEvent,
			config: unix.PERF_COUNT_HW_INSTRUCTIONS, exclUser: true,
		},
		"user and kernel": {
			spec: "cycles:uk", kind: HardwareEvent,
			config: unix.PERF_COUNT_HW_CPU_CYCLES,
		},
		"precise": {
			spec: "cycles:upp", kind: HardwareEvent,
			config: unix.PERF_COUNT_HW_CPU_CYCLES, exclKern: true, precise: 2,
		},
		"max precise": {
			spec: "cycles:P", kind: HardwareEvent,
			config: unix.PERF_COUNT_HW_CPU_CYCLES, precise: 3,
		},
		"tracepoint": {
			spec: "sched:sched_switch", kind: TracepointEvent,
		},
		"tracepoint with modifier": {
			spec: "sched:sched_switch:u", kind: TracepointEvent, exclKern: true,
		},
		"unknown event":       {spec: "not-an-event", wantErr: true},
		"empty":               {spec: "", wantErr: true},
		"invalid modifier":    {spec: "cycles:z", wantErr: true},
		"too precise":         {spec: "cycles:pppp", wantErr: true},
		"trailing colon junk": {spec: "sched:sched_switch:u:x", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			desc, err := ParseEventSpec(tc.spec)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, desc.Kind)
			if desc.Kind != TracepointEvent {
				assert.Equal(t, tc.config, desc.Config)
			}
			assert.Equal(t, tc.exclUser, desc.ExcludeUser)
			assert.Equal(t, tc.exclKern, desc.ExcludeKernel)
			assert.Equal(t, tc.precise, desc.PreciseIP)
			if tc.exclUser || tc.exclKern {
				assert.True(t, desc.ExcludeHV)
			}
		})
	}
}

func TestSampleFormatMarshal(t *testing.T) {
	sf := SampleFormat{
		Identifier: true,
		IP:         true,
		TID:        true,
		Time:       true,
		CPU:        true,
		Period:     true,
		Callchain:  true,
	}
	expected := uint64(unix.PERF_SAMPLE_IDENTIFIER | unix.PERF_SAMPLE_IP |
		unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_CPU |
		unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_CALLCHAIN)
	assert.Equal(t, expected, sf.Marshal())

	assert.Equal(t, uint64(0), SampleFormat{}.Marshal())

	stack := SampleFormat{StackUser: true, RegsUser: true, SampleRegsUser: 0x1c0}
	assert.Equal(t, uint64(unix.PERF_SAMPLE_STACK_USER|unix.PERF_SAMPLE_REGS_USER),
		stack.Marshal())
}

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{
		Name:         "cycles",
		Kind:         HardwareEvent,
		SamplePeriod: 100000,
	}
	require.NoError(t, valid.Validate())

	tests := map[string]func(*Descriptor){
		"no sampling mode":    func(d *Descriptor) { d.SamplePeriod = 0 },
		"both sampling modes": func(d *Descriptor) { d.SampleFreq = 99 },
		"bad precise":         func(d *Descriptor) { d.PreciseIP = 4 },
		"regs without mask":   func(d *Descriptor) { d.Format.RegsUser = true },
		"stack without size":  func(d *Descriptor) { d.Format.StackUser = true },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			d := valid
			mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestAttrWakeup(t *testing.T) {
	d := Descriptor{
		Name:       "cycles",
		Kind:       HardwareEvent,
		SampleFreq: 997,
		Format:     SampleFormat{IP: true},
	}
	attr := d.attr(false, true)

	// One wakeup per record. With the field at zero the kernel falls back
	// to a watermark of half the ring buffer and pollers starve.
	assert.Equal(t, uint32(1), attr.Wakeup)
	assert.Zero(t, attr.Bits&unix.PerfBitWatermark)
	assert.NotZero(t, attr.Bits&unix.PerfBitFreq)
	assert.NotZero(t, attr.Bits&unix.PerfBitDisabled)
}

func TestCountScale(t *testing.T) {
	c := Count{TimeEnabled: 400, TimeRunning: 100}
	assert.InDelta(t, 4.0, c.Scale(), 1e-9)

	// Never scheduled: no correction is possible.
	c = Count{TimeEnabled: 400}
	assert.Zero(t, c.Scale())
}

func TestListEvents(t *testing.T) {
	events := ListEvents()
	require.NotEmpty(t, events)

	// Every listed symbol must resolve back through the parser.
	for _, info := range events {
		desc, err := ParseEventSpec(info.Symbol)
		require.NoError(t, err, "symbol %s", info.Symbol)
		assert.Equal(t, info.Kind, desc.Kind)
		assert.Equal(t, info.Config, desc.Config)
	}
}
