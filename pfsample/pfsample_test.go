// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfsample

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/pfevent"
	"github.com/perfprobe/perfprobe/pfring"
)

// enc builds record bodies the way the kernel lays them out.
type enc struct {
	b []byte
}

func (e *enc) u64(v uint64) *enc {
	e.b = binary.LittleEndian.AppendUint64(e.b, v)
	return e
}

func (e *enc) u32(v uint32) *enc {
	e.b = binary.LittleEndian.AppendUint32(e.b, v)
	return e
}

func (e *enc) raw(b []byte) *enc {
	e.b = append(e.b, b...)
	return e
}

func record(typ uint32, body []byte) *pfring.RawRecord {
	return &pfring.RawRecord{
		Header: pfring.RecordHeader{
			Type: typ,
			Size: uint16(8 + len(body)),
		},
		Data: body,
	}
}

func fullFormat() pfevent.SampleFormat {
	return pfevent.SampleFormat{
		Identifier: true,
		IP:         true,
		TID:        true,
		Time:       true,
		Addr:       true,
		CPU:        true,
		Period:     true,
		Callchain:  true,
	}
}

func encodeSample(s *Sample) []byte {
	e := &enc{}
	e.u64(s.Identifier).
		u64(s.IP).
		u32(uint32(s.PID)).u32(uint32(s.TID)).
		u64(s.Time).
		u64(s.Addr).
		u32(s.CPU).u32(0).
		u64(s.Period).
		u64(uint64(len(s.Callchain)))
	for _, ip := range s.Callchain {
		e.u64(ip)
	}
	return e.b
}

func TestDecodeSampleRoundTrip(t *testing.T) {
	want := Sample{
		Identifier: 7,
		IP:         0xffffffff81000000,
		PID:        1234,
		TID:        1235,
		Time:       987654321,
		Addr:       0x7f0000001000,
		CPU:        3,
		Period:     4000037,
		Callchain: []uint64{
			0xffffffffffffff80, // kernel context marker
			0xffffffff81234567,
			0xfffffffffffffe00, // user context marker
			0x55deadbeef00,
			0x55deadc0de00,
		},
	}

	d := NewDecoder(fullFormat())
	var got Sample
	require.NoError(t, d.DecodeSample(
		record(unix.PERF_RECORD_SAMPLE, encodeSample(&want)), &got))
	assert.Equal(t, want, got)
}

func TestDecodeSampleSubsetFormat(t *testing.T) {
	// Only the selected fields appear in the body, in canonical order.
	d := NewDecoder(pfevent.SampleFormat{IP: true, Period: true})
	body := (&enc{}).u64(0x1000).u64(11).b

	var got Sample
	require.NoError(t, d.DecodeSample(record(unix.PERF_RECORD_SAMPLE, body), &got))
	assert.Equal(t, Sample{IP: 0x1000, Period: 11}, got)
}

func TestDecodeSampleMalformed(t *testing.T) {
	d := NewDecoder(fullFormat())

	// The fixed fields of fullFormat occupy 56 bytes, followed by the
	// 8-byte callchain length.
	truncated := encodeSample(&Sample{Callchain: []uint64{1, 2, 3}})[:72]
	absurd := encodeSample(&Sample{})
	binary.LittleEndian.PutUint64(absurd[56:], 1<<32)

	tests := map[string][]byte{
		"empty":               nil,
		"truncated header":    (&enc{}).u64(1).u64(2).b,
		"truncated callchain": truncated,
		"absurd callchain":    absurd,
		"trailing bytes":      append(encodeSample(&Sample{}), 0, 0, 0, 0, 0, 0, 0, 0),
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var s Sample
			err := d.DecodeSample(record(unix.PERF_RECORD_SAMPLE, body), &s)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

// TestDecodeSampleMalformedIsolated verifies a malformed record does not
// affect decoding of the records around it.
func TestDecodeSampleMalformedIsolated(t *testing.T) {
	d := NewDecoder(fullFormat())
	good := Sample{IP: 0x4242, PID: 1, TID: 1, Callchain: []uint64{0x4242}}

	var s Sample
	require.NoError(t, d.DecodeSample(
		record(unix.PERF_RECORD_SAMPLE, encodeSample(&good)), &s))
	assert.Equal(t, good, s)

	err := d.DecodeSample(record(unix.PERF_RECORD_SAMPLE, []byte{1, 2, 3}), &s)
	require.ErrorIs(t, err, ErrMalformedRecord)

	require.NoError(t, d.DecodeSample(
		record(unix.PERF_RECORD_SAMPLE, encodeSample(&good)), &s))
	assert.Equal(t, good, s)
}

func TestDecodeSampleRegsAndStack(t *testing.T) {
	format := pfevent.SampleFormat{
		IP:             true,
		RegsUser:       true,
		StackUser:      true,
		SampleRegsUser: 0b111, // three registers
		StackUserSize:  32,
	}
	d := NewDecoder(format)

	stack := make([]byte, 32)
	for i := range stack {
		stack[i] = byte(i)
	}
	body := (&enc{}).
		u64(0x1000).
		u64(2). // abi
		u64(10).u64(11).u64(12).
		u64(32).raw(stack).u64(24).b

	var s Sample
	require.NoError(t, d.DecodeSample(record(unix.PERF_RECORD_SAMPLE, body), &s))
	assert.Equal(t, uint64(2), s.RegsABI)
	assert.Equal(t, []uint64{10, 11, 12}, s.Regs)
	assert.Equal(t, stack, s.StackData)
	assert.Equal(t, uint64(24), s.StackDynSize)

	// ABI none: register values are omitted entirely.
	body = (&enc{}).u64(0x1000).u64(0).u64(0).b
	require.NoError(t, d.DecodeSample(record(unix.PERF_RECORD_SAMPLE, body), &s))
	assert.Zero(t, s.RegsABI)
	assert.Nil(t, s.Regs)

	// Dyn size larger than the copied slice is rejected.
	body = (&enc{}).u64(0x1000).u64(0).u64(32).raw(stack).u64(64).b
	err := d.DecodeSample(record(unix.PERF_RECORD_SAMPLE, body), &s)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecodeLost(t *testing.T) {
	d := NewDecoder(fullFormat())
	body := (&enc{}).u64(17).u64(42).b

	l, err := d.DecodeLost(record(unix.PERF_RECORD_LOST, body))
	require.NoError(t, err)
	assert.Equal(t, Lost{ID: 17, Count: 42}, l)
}

func TestDecodeComm(t *testing.T) {
	d := NewDecoder(fullFormat())
	name := append([]byte("myprocess"), 0, 0, 0, 0, 0, 0, 0)
	body := (&enc{}).u32(100).u32(101).raw(name).b

	raw := record(unix.PERF_RECORD_COMM, body)
	raw.Header.Misc = unix.PERF_RECORD_MISC_COMM_EXEC
	c, err := d.DecodeComm(raw)
	require.NoError(t, err)
	assert.Equal(t, Comm{PID: 100, TID: 101, Comm: "myprocess", Exec: true}, c)
}

func TestDecodeTask(t *testing.T) {
	d := NewDecoder(fullFormat())
	body := (&enc{}).u32(10).u32(1).u32(10).u32(1).u64(555).b

	task, err := d.DecodeTask(record(unix.PERF_RECORD_EXIT, body))
	require.NoError(t, err)
	assert.Equal(t, Task{PID: 10, PPID: 1, TID: 10, PTID: 1, Time: 555}, task)
}

func TestDecodeMmap(t *testing.T) {
	d := NewDecoder(fullFormat())
	name := append([]byte("/usr/lib/libc.so.6"), 0, 0)
	body := (&enc{}).
		u32(50).u32(51).
		u64(0x7f0000000000).u64(0x200000).u64(0x1000).
		u32(8).u32(1).
		u64(424242).u64(1).
		u32(5).u32(unix.MAP_PRIVATE).
		raw(name).b

	m, err := d.DecodeMmap(record(unix.PERF_RECORD_MMAP2, body))
	require.NoError(t, err)
	assert.Equal(t, libpf.PID(50), m.PID)
	assert.Equal(t, uint64(0x7f0000000000), m.Addr)
	assert.Equal(t, uint64(0x200000), m.Length)
	assert.Equal(t, uint64(0x1000), m.Offset)
	assert.Equal(t, unix.Mkdev(8, 1), m.Device)
	assert.Equal(t, uint64(424242), m.Inode)
	assert.Equal(t, "/usr/lib/libc.so.6", m.Filename)
}

func TestDecodeThrottle(t *testing.T) {
	d := NewDecoder(fullFormat())
	body := (&enc{}).u64(1000).u64(5).u64(6).b

	th, err := d.DecodeThrottle(record(unix.PERF_RECORD_THROTTLE, body))
	require.NoError(t, err)
	assert.Equal(t, Throttle{Enabled: false, Time: 1000, ID: 5, StreamID: 6}, th)

	th, err = d.DecodeThrottle(record(unix.PERF_RECORD_UNTHROTTLE, body))
	require.NoError(t, err)
	assert.True(t, th.Enabled)
}
