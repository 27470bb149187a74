// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfevent implements the event descriptor layer: validated
// descriptions of the hardware counters, software counters and tracepoints
// a session monitors, and the syscall surface to open and control them.
package pfevent // import "github.com/perfprobe/perfprobe/pfevent"

import (
	"errors"
	"fmt"

	"github.com/perfprobe/perfprobe/libpf"
)

// Kind is the class of a monitored event.
type Kind uint8

const (
	// HardwareEvent is a PMU-backed counter occupying a hardware slot.
	HardwareEvent Kind = iota
	// SoftwareEvent is a kernel software counter.
	SoftwareEvent
	// TracepointEvent is a static kernel tracepoint.
	TracepointEvent
)

func (k Kind) String() string {
	switch k {
	case HardwareEvent:
		return "hardware"
	case SoftwareEvent:
		return "software"
	case TracepointEvent:
		return "tracepoint"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// AllProcesses selects system-wide monitoring.
const AllProcesses = libpf.PID(-1)

// AllCPUs selects monitoring on every online CPU.
const AllCPUs = -1

// Descriptor describes one event to monitor. It is immutable once a session
// has opened it: the decoder relies on the Format recorded here to parse the
// sample records the kernel emits for it.
type Descriptor struct {
	// Name is the symbolic name the descriptor was created from,
	// e.g. "cycles:u" or "sched:sched_switch".
	Name string
	// Kind classifies the event.
	Kind Kind
	// Config is the kind-specific event code.
	Config uint64

	// SamplePeriod triggers a sample every SamplePeriod occurrences.
	// Mutually exclusive with SampleFreq.
	SamplePeriod uint64
	// SampleFreq lets the kernel adjust the period to deliver SampleFreq
	// samples per second.
	SampleFreq uint64

	// PID restricts monitoring to one process, or AllProcesses.
	PID libpf.PID
	// CPU restricts monitoring to one CPU, or AllCPUs.
	CPU int

	// Format selects the fields the kernel records per sample.
	Format SampleFormat

	ExcludeUser   bool
	ExcludeKernel bool
	ExcludeHV     bool
	ExcludeIdle   bool

	// PreciseIP requests constrained skid (0..3).
	PreciseIP uint8
}

// Validate checks the descriptor for internal consistency. Platform
// capability (whether the PMU actually implements the event) is only
// discovered when the descriptor is opened.
func (d *Descriptor) Validate() error {
	if d.Kind > TracepointEvent {
		return fmt.Errorf("%w: unknown event kind %d", ErrUnsupportedEvent, d.Kind)
	}
	if d.SamplePeriod != 0 && d.SampleFreq != 0 {
		return errors.New("sampling period and frequency are mutually exclusive")
	}
	if d.SamplePeriod == 0 && d.SampleFreq == 0 {
		return errors.New("either sampling period or frequency must be set")
	}
	if d.PreciseIP > 3 {
		return fmt.Errorf("invalid precise_ip level %d", d.PreciseIP)
	}
	if d.Format.RegsUser && d.Format.SampleRegsUser == 0 {
		return errors.New("user register sampling requested without a register mask")
	}
	if d.Format.StackUser && d.Format.StackUserSize == 0 {
		return errors.New("user stack sampling requested with zero stack size")
	}
	return nil
}

// IsHardware indicates whether the descriptor occupies a hardware
// counter slot and is subject to multiplexing.
func (d *Descriptor) IsHardware() bool {
	return d.Kind == HardwareEvent
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s config 0x%x)", d.Name, d.Kind, d.Config)
}
