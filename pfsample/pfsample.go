// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfsample decodes the binary records drained from the sample ring
// buffers. The body of a sample record is positional: which fields are
// present and in what order is dictated by the sample format the event was
// opened with, so the decoder must be constructed with the same format.
package pfsample // import "github.com/perfprobe/perfprobe/pfsample"

import (
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/pfevent"
	"github.com/perfprobe/perfprobe/pfring"
)

// ErrMalformedRecord is returned when a record body does not match the
// layout its header and the sample format promise. Malformed records are
// skipped and counted by the caller; they never terminate a session.
var ErrMalformedRecord = errors.New("malformed record")

// maxCallchainLen bounds the accepted callchain length. The kernel caps
// callchains well below this; anything larger indicates broken framing.
const maxCallchainLen = 1024

// Sample is one decoded sample record. Only the fields selected in the
// sample format are populated.
type Sample struct {
	Identifier uint64
	IP         uint64
	PID        libpf.PID
	TID        libpf.PID
	Time       uint64
	Addr       uint64
	CPU        uint32
	Period     uint64

	// Callchain holds the kernel-collected call addresses, innermost
	// first, interleaved with context marker values.
	Callchain []uint64

	Raw []byte

	// RegsABI is 0 when user register state was requested but not
	// available for this sample.
	RegsABI uint64
	Regs    []uint64

	// StackData is the copied slice of the user stack; StackDynSize is
	// the portion of it that was actually live.
	StackData    []byte
	StackDynSize uint64
}

// Lost is a kernel-reported loss notification: Count records were dropped
// from the stream identified by ID before they reached the ring.
type Lost struct {
	ID    uint64
	Count uint64
}

// Comm records a thread changing its name.
type Comm struct {
	PID  libpf.PID
	TID  libpf.PID
	Comm string
	Exec bool
}

// Task records a process fork or exit.
type Task struct {
	PID  libpf.PID
	PPID libpf.PID
	TID  libpf.PID
	PTID libpf.PID
	Time uint64
}

// Mmap records a new executable mapping in a monitored process.
type Mmap struct {
	PID      libpf.PID
	TID      libpf.PID
	Addr     uint64
	Length   uint64
	Offset   uint64
	Device   uint64
	Inode    uint64
	Prot     uint32
	Flags    uint32
	Filename string
}

// Throttle records the kernel throttling or unthrottling an event.
type Throttle struct {
	Enabled  bool
	Time     uint64
	ID       uint64
	StreamID uint64
}

// Decoder decodes record bodies according to a fixed sample format.
type Decoder struct {
	format pfevent.SampleFormat
	nregs  int
}

// NewDecoder returns a decoder for records produced by events opened with
// the given sample format.
func NewDecoder(format pfevent.SampleFormat) *Decoder {
	return &Decoder{
		format: format,
		nregs:  bits.OnesCount64(format.SampleRegsUser),
	}
}

// cursor walks a record body. All reads are bounds checked; the first
// failure sticks.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) fail(what string) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: truncated %s at offset %d (size %d)",
			ErrMalformedRecord, what, c.pos, len(c.data))
	}
}

func (c *cursor) u64(what string) uint64 {
	if c.err != nil {
		return 0
	}
	if c.pos+8 > len(c.data) {
		c.fail(what)
		return 0
	}
	v := uint64(c.data[c.pos]) | uint64(c.data[c.pos+1])<<8 |
		uint64(c.data[c.pos+2])<<16 | uint64(c.data[c.pos+3])<<24 |
		uint64(c.data[c.pos+4])<<32 | uint64(c.data[c.pos+5])<<40 |
		uint64(c.data[c.pos+6])<<48 | uint64(c.data[c.pos+7])<<56
	c.pos += 8
	return v
}

func (c *cursor) u32(what string) uint32 {
	if c.err != nil {
		return 0
	}
	if c.pos+4 > len(c.data) {
		c.fail(what)
		return 0
	}
	v := uint32(c.data[c.pos]) | uint32(c.data[c.pos+1])<<8 |
		uint32(c.data[c.pos+2])<<16 | uint32(c.data[c.pos+3])<<24
	c.pos += 4
	return v
}

func (c *cursor) bytes(n int, what string) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.fail(what)
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

// DecodeSample decodes the body of a sample record. The returned sample
// aliases the record body for the callchain, raw, register and stack
// slices; it must be consumed before the next drain from the same ring.
func (d *Decoder) DecodeSample(raw *pfring.RawRecord, s *Sample) error {
	*s = Sample{}
	c := cursor{data: raw.Data}
	sf := &d.format

	if sf.Identifier {
		s.Identifier = c.u64("identifier")
	}
	if sf.IP {
		s.IP = c.u64("ip")
	}
	if sf.TID {
		s.PID = libpf.PID(c.u32("pid"))
		s.TID = libpf.PID(c.u32("tid"))
	}
	if sf.Time {
		s.Time = c.u64("time")
	}
	if sf.Addr {
		s.Addr = c.u64("addr")
	}
	if sf.CPU {
		s.CPU = c.u32("cpu")
		c.u32("cpu reserved")
	}
	if sf.Period {
		s.Period = c.u64("period")
	}
	if sf.Callchain {
		nr := c.u64("callchain length")
		if c.err == nil && nr > maxCallchainLen {
			return fmt.Errorf("%w: callchain length %d exceeds limit",
				ErrMalformedRecord, nr)
		}
		chain := c.bytes(int(nr)*8, "callchain")
		if c.err == nil {
			s.Callchain = u64Slice(chain, int(nr))
		}
	}
	if sf.Raw {
		size := c.u32("raw size")
		s.Raw = c.bytes(int(size), "raw data")
	}
	if sf.RegsUser {
		s.RegsABI = c.u64("regs abi")
		if s.RegsABI != unix.PERF_SAMPLE_REGS_ABI_NONE {
			regs := c.bytes(d.nregs*8, "regs")
			if c.err == nil {
				s.Regs = u64Slice(regs, d.nregs)
			}
		}
	}
	if sf.StackUser {
		size := c.u64("stack size")
		s.StackData = c.bytes(int(size), "stack data")
		if c.err == nil && size != 0 {
			s.StackDynSize = c.u64("stack dyn size")
			if c.err == nil && s.StackDynSize > size {
				return fmt.Errorf("%w: stack dyn size %d exceeds copied size %d",
					ErrMalformedRecord, s.StackDynSize, size)
			}
		}
	}
	if c.err == nil && c.pos != len(c.data) {
		// The flag-implied layout must account for the whole body. Spare
		// bytes mean the record was produced with a different format.
		return fmt.Errorf("%w: %d trailing bytes after sample body",
			ErrMalformedRecord, len(c.data)-c.pos)
	}
	return c.err
}

// u64Slice decodes n little-endian uint64 values. The input is copied; the
// record body may sit in a reassembly scratch buffer reused by the ring.
func u64Slice(b []byte, n int) []uint64 {
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = uint64(b[i*8]) | uint64(b[i*8+1])<<8 |
			uint64(b[i*8+2])<<16 | uint64(b[i*8+3])<<24 |
			uint64(b[i*8+4])<<32 | uint64(b[i*8+5])<<40 |
			uint64(b[i*8+6])<<48 | uint64(b[i*8+7])<<56
	}
	return out
}

// DecodeLost decodes a lost-records notification.
func (d *Decoder) DecodeLost(raw *pfring.RawRecord) (Lost, error) {
	c := cursor{data: raw.Data}
	l := Lost{
		ID:    c.u64("lost id"),
		Count: c.u64("lost count"),
	}
	return l, c.err
}

// DecodeComm decodes a thread rename record.
func (d *Decoder) DecodeComm(raw *pfring.RawRecord) (Comm, error) {
	c := cursor{data: raw.Data}
	cm := Comm{
		PID:  libpf.PID(c.u32("comm pid")),
		TID:  libpf.PID(c.u32("comm tid")),
		Exec: raw.Header.Misc&unix.PERF_RECORD_MISC_COMM_EXEC != 0,
	}
	if c.err == nil {
		cm.Comm = cString(c.data[c.pos:])
	}
	return cm, c.err
}

// DecodeTask decodes a fork or exit record.
func (d *Decoder) DecodeTask(raw *pfring.RawRecord) (Task, error) {
	c := cursor{data: raw.Data}
	t := Task{
		PID:  libpf.PID(c.u32("task pid")),
		PPID: libpf.PID(c.u32("task ppid")),
		TID:  libpf.PID(c.u32("task tid")),
		PTID: libpf.PID(c.u32("task ptid")),
		Time: c.u64("task time"),
	}
	return t, c.err
}

// DecodeMmap decodes an executable mapping record.
func (d *Decoder) DecodeMmap(raw *pfring.RawRecord) (Mmap, error) {
	c := cursor{data: raw.Data}
	m := Mmap{
		PID:    libpf.PID(c.u32("mmap pid")),
		TID:    libpf.PID(c.u32("mmap tid")),
		Addr:   c.u64("mmap addr"),
		Length: c.u64("mmap len"),
		Offset: c.u64("mmap pgoff"),
	}
	maj := c.u32("mmap maj")
	min := c.u32("mmap min")
	m.Device = unix.Mkdev(maj, min)
	m.Inode = c.u64("mmap ino")
	c.u64("mmap ino generation")
	m.Prot = c.u32("mmap prot")
	m.Flags = c.u32("mmap flags")
	if c.err == nil {
		m.Filename = cString(c.data[c.pos:])
	}
	return m, c.err
}

// DecodeThrottle decodes a throttle or unthrottle record.
func (d *Decoder) DecodeThrottle(raw *pfring.RawRecord) (Throttle, error) {
	c := cursor{data: raw.Data}
	t := Throttle{
		Enabled:  raw.Header.Type == unix.PERF_RECORD_UNTHROTTLE,
		Time:     c.u64("throttle time"),
		ID:       c.u64("throttle id"),
		StreamID: c.u64("throttle stream id"),
	}
	return t, c.err
}

// cString extracts a NUL-terminated string from a fixed-size field. The
// result is copied; the record body does not outlive the drain.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	return string(b)
}
