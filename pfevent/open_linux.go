// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfevent // import "github.com/perfprobe/perfprobe/pfevent"

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/perfprobe/perfprobe/libpf"
)

// perfEventOpen wraps the raw syscall. Overridable for the test suite.
var perfEventOpen = func(attr *unix.PerfEventAttr, pid, cpu, groupFD,
	flags int) (int, error) {
	return unix.PerfEventOpen(attr, pid, cpu, groupFD, flags)
}

// Event is one opened event descriptor instance: a descriptor bound to one
// CPU (and optionally one process), backed by a kernel file descriptor.
type Event struct {
	fd   int
	id   uint64
	cpu  int
	desc *Descriptor
}

// Count is the result of reading an event counter, including the enabled
// and running times the kernel tracks for multiplexing correction.
type Count struct {
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
	ID          uint64
}

// Scale returns the multiplexing correction factor derived from the
// kernel's own accounting: the ratio of enabled to running time. It is
// at least 1; counts are multiplied by it to estimate what a
// permanently scheduled event would have counted.
func (c *Count) Scale() float64 {
	if c.TimeRunning == 0 {
		return 0
	}
	return float64(c.TimeEnabled) / float64(c.TimeRunning)
}

// attr builds the kernel attribute block for the descriptor.
func (d *Descriptor) attr(pinned, disabled bool) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      d.Config,
		Sample_type: d.Format.Marshal(),
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED |
			unix.PERF_FORMAT_TOTAL_TIME_RUNNING |
			unix.PERF_FORMAT_ID,
		Sample_regs_user:  d.Format.SampleRegsUser,
		Sample_stack_user: d.Format.StackUserSize,
		// Wake up pollers on every record. Left at zero, the kernel
		// defaults the wakeup watermark to half the ring buffer, which
		// delays low-rate streams by minutes.
		Wakeup: 1,
	}

	switch d.Kind {
	case HardwareEvent:
		attr.Type = unix.PERF_TYPE_HARDWARE
	case SoftwareEvent:
		attr.Type = unix.PERF_TYPE_SOFTWARE
	case TracepointEvent:
		attr.Type = unix.PERF_TYPE_TRACEPOINT
	}

	if d.SampleFreq != 0 {
		attr.Sample = d.SampleFreq
		attr.Bits |= unix.PerfBitFreq
	} else {
		attr.Sample = d.SamplePeriod
	}

	if disabled {
		attr.Bits |= unix.PerfBitDisabled
	}
	if pinned {
		attr.Bits |= unix.PerfBitPinned
	}
	if d.ExcludeUser {
		attr.Bits |= unix.PerfBitExcludeUser
	}
	if d.ExcludeKernel {
		attr.Bits |= unix.PerfBitExcludeKernel
	}
	if d.ExcludeHV {
		attr.Bits |= unix.PerfBitExcludeHv
	}
	if d.ExcludeIdle {
		attr.Bits |= unix.PerfBitExcludeIdle
	}
	attr.Bits |= uint64(d.PreciseIP&3) << 15

	return attr
}

// Open opens the descriptor on the given CPU, disabled. The descriptor's
// tracepoint config is resolved through tracefs if necessary. The kernel
// errno is mapped onto the error taxonomy of this package.
func Open(desc *Descriptor, pid libpf.PID, cpu int) (*Event, error) {
	return open(desc, pid, cpu, false)
}

// OpenPinned opens the descriptor pinned: the kernel either schedules it on
// a hardware slot permanently or reports zero running time. The session
// controller probes the hardware slot limit this way.
func OpenPinned(desc *Descriptor, pid libpf.PID, cpu int) (*Event, error) {
	return open(desc, pid, cpu, true)
}

func open(desc *Descriptor, pid libpf.PID, cpu int, pinned bool) (*Event, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Kind == TracepointEvent && desc.Config == 0 {
		config, err := resolveTracepoint(desc.Name)
		if err != nil {
			return nil, err
		}
		desc.Config = config
	}

	fd, err := perfEventOpen(desc.attr(pinned, true), int(pid), cpu, -1,
		unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, mapOpenError(desc, err)
	}

	ev := &Event{fd: fd, cpu: cpu, desc: desc}
	if err = ev.ioctlPtr(unix.PERF_EVENT_IOC_ID, unsafe.Pointer(&ev.id)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to read ID of %s: %v", desc, err)
	}
	return ev, nil
}

func mapOpenError(desc *Descriptor, err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: %s (check perf_event_paranoid)", ErrPermissionDenied, desc)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, desc)
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENOMEM):
		return fmt.Errorf("%w: %s", ErrResourceExhausted, desc)
	default:
		return fmt.Errorf("failed to open %s: %v", desc, err)
	}
}

// FD returns the event file descriptor.
func (e *Event) FD() int {
	return e.fd
}

// ID returns the kernel-assigned event stream ID. Samples in shared ring
// buffers carry this ID in their identifier field.
func (e *Event) ID() uint64 {
	return e.id
}

// CPU returns the CPU the event is bound to.
func (e *Event) CPU() int {
	return e.cpu
}

// Descriptor returns the descriptor the event was opened from.
func (e *Event) Descriptor() *Descriptor {
	return e.desc
}

// Enable starts counting. The monitored process only observes that its
// counters increment; it is neither paused nor signaled.
func (e *Event) Enable() error {
	return unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Disable stops counting.
func (e *Event) Disable() error {
	return unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// SetOutput redirects the event's sample output into the ring buffer of
// the given leader event.
func (e *Event) SetOutput(leader *Event) error {
	return unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_SET_OUTPUT, leader.fd)
}

// ReadCount reads the current counter value together with the kernel's
// enabled/running time accounting.
func (e *Event) ReadCount() (Count, error) {
	var buf [32]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return Count{}, fmt.Errorf("failed to read count of %s: %v", e.desc, err)
	}
	if n < 32 {
		return Count{}, fmt.Errorf("short counter read of %s: %d bytes", e.desc, n)
	}
	c := (*[4]uint64)(unsafe.Pointer(&buf[0]))
	return Count{Value: c[0], TimeEnabled: c[1], TimeRunning: c[2], ID: c[3]}, nil
}

// Close releases the kernel resources of the event.
func (e *Event) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

func (e *Event) ioctlPtr(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
