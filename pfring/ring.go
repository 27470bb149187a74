// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfring drains the kernel-owned per-CPU sample ring buffers.
//
// The ring is a fixed-size circular byte region shared with the kernel. The
// kernel advances the write position (data_head), the reader advances the
// read position (data_tail); both only ever grow and are taken modulo the
// region size. The reader must never write into the data region and must
// never let the read position pass the write position.
package pfring // import "github.com/perfprobe/perfprobe/pfring"

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/perfprobe/perfprobe/pfevent"
)

// recordHeaderSize is the size of the header preceding every record.
const recordHeaderSize = 8

// avgRecordFallback estimates the size of overwritten records before any
// record was observed.
const avgRecordFallback = 64

// RecordHeader is the header present in every record.
type RecordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// RawRecord is one complete record drained from a ring buffer. Data holds
// the record body without the header and is only valid until the next
// call to Next.
type RawRecord struct {
	Header RecordHeader
	Data   []byte
}

// Buffer is one sample ring buffer. It consists of the kernel's metadata
// page holding the cursors and the circular data region.
type Buffer struct {
	fd      int
	mapping []byte
	meta    *unix.PerfEventMmapPage
	data    []byte

	// scratch reassembles records straddling the end of the data region.
	scratch []byte

	// Running record size statistics, used to estimate how many records
	// an overwritten region contained.
	recordCount uint64
	recordBytes uint64

	lostRecords atomic.Uint64
}

// Map mmaps the ring buffer of the given perf event file descriptor with
// dataPages (a power of two) pages of data region.
func Map(fd, dataPages int) (*Buffer, error) {
	pageSize := unix.Getpagesize()
	if dataPages&(dataPages-1) != 0 {
		return nil, fmt.Errorf("data pages %d is not a power of two", dataPages)
	}
	size := (1 + dataPages) * pageSize
	mapping, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if err == unix.ENOMEM || err == unix.EPERM {
			return nil, fmt.Errorf("%w: mapping ring buffer (%d pages): %v",
				pfevent.ErrResourceExhausted, dataPages, err)
		}
		return nil, fmt.Errorf("failed to map ring buffer: %v", err)
	}

	b := newBuffer(
		(*unix.PerfEventMmapPage)(unsafe.Pointer(&mapping[0])),
		mapping[pageSize:])
	b.fd = fd
	b.mapping = mapping
	return b, nil
}

// newBuffer constructs a Buffer over an existing metadata page and data
// region. Used by Map and by the test suite with synthetic regions.
func newBuffer(meta *unix.PerfEventMmapPage, data []byte) *Buffer {
	return &Buffer{
		fd:      -1,
		meta:    meta,
		data:    data,
		scratch: make([]byte, 0, 512),
	}
}

// FD returns the perf event file descriptor the buffer was mapped from.
func (b *Buffer) FD() int {
	return b.fd
}

// Size returns the capacity of the data region in bytes.
func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

// LostRecords returns the number of records that were overwritten by the
// producer before they could be read. The count is exact for losses the
// kernel reports and an estimate (based on observed record sizes) for
// regions skipped after the producer lapped the reader.
func (b *Buffer) LostRecords() uint64 {
	return b.lostRecords.Load()
}

// AddLost folds an externally reported loss (a lost-record notification
// decoded from the stream) into the buffer's counter.
func (b *Buffer) AddLost(n uint64) {
	b.lostRecords.Add(n)
}

// HasPending reports whether unread bytes are available.
func (b *Buffer) HasPending() bool {
	head := atomic.LoadUint64(&b.meta.Data_head)
	tail := atomic.LoadUint64(&b.meta.Data_tail)
	return head != tail
}

// Next reads the next complete record into raw. It returns false when no
// complete record is pending: either the ring is empty or only the partial
// prefix of a record has been written so far. Partial records are left in
// place until more bytes arrive; they are never an error.
//
// A producer lap (write position advanced more than the capacity past the
// read position) is detected here: the overwritten region is skipped, the
// loss is accounted, and reading resumes at the oldest byte still valid.
func (b *Buffer) Next(raw *RawRecord) bool {
	size := b.Size()
	head := atomic.LoadUint64(&b.meta.Data_head)
	tail := atomic.LoadUint64(&b.meta.Data_tail)

	if head-tail > size {
		// The producer lapped us. Everything below head-size is
		// overwritten; skip to the oldest valid byte and estimate how
		// many records were destroyed.
		skipTo := head - size
		b.accountLost(skipTo - tail)
		tail = skipTo
		atomic.StoreUint64(&b.meta.Data_tail, tail)
	}

	for {
		if head == tail {
			return false
		}
		avail := head - tail
		if avail < recordHeaderSize {
			// Partial header, wait for more bytes.
			return false
		}

		var hdr [recordHeaderSize]byte
		b.copyRange(hdr[:], tail)
		raw.Header.Type = binary.LittleEndian.Uint32(hdr[0:4])
		raw.Header.Misc = binary.LittleEndian.Uint16(hdr[4:6])
		raw.Header.Size = binary.LittleEndian.Uint16(hdr[6:8])

		recSize := uint64(raw.Header.Size)
		if recSize < recordHeaderSize || recSize > size {
			// Framing is broken; this happens when a lap resync did
			// not land on a record boundary. Drop everything pending
			// and resume at the write position.
			b.accountLost(avail)
			tail = head
			atomic.StoreUint64(&b.meta.Data_tail, tail)
			return false
		}
		if avail < recSize {
			// Partial record body, wait for more bytes.
			return false
		}

		b.recordCount++
		b.recordBytes += recSize

		start := (tail + recordHeaderSize) % size
		end := (tail + recSize) % size
		body := recSize - recordHeaderSize
		if body == 0 {
			raw.Data = nil
		} else if end > start {
			raw.Data = b.data[start:end]
		} else {
			// The record straddles the end of the circular region;
			// reassemble a contiguous copy.
			if uint64(cap(b.scratch)) < body {
				b.scratch = make([]byte, 0, body)
			}
			b.scratch = b.scratch[:body]
			n := copy(b.scratch, b.data[start:])
			copy(b.scratch[n:], b.data[:end])
			raw.Data = b.scratch
		}

		// Consume the record. The release store tells the kernel the
		// space may be reused; the record data handed out above must
		// be processed before the next call to Next.
		tail += recSize
		atomic.StoreUint64(&b.meta.Data_tail, tail)
		return true
	}
}

// copyRange copies len(dst) bytes starting at absolute position pos,
// handling the wrap of the circular region.
func (b *Buffer) copyRange(dst []byte, pos uint64) {
	size := b.Size()
	start := pos % size
	n := copy(dst, b.data[start:])
	if n < len(dst) {
		copy(dst[n:], b.data[:len(dst)-n])
	}
}

// accountLost estimates the number of records contained in skipped bytes
// and adds them to the lost counter.
func (b *Buffer) accountLost(skippedBytes uint64) {
	if skippedBytes == 0 {
		return
	}
	avg := uint64(avgRecordFallback)
	if b.recordCount > 0 {
		avg = b.recordBytes / b.recordCount
	}
	if avg == 0 {
		avg = avgRecordFallback
	}
	lost := (skippedBytes + avg - 1) / avg
	b.lostRecords.Add(lost)
}

// Unmap releases the mapping. The file descriptor is not closed; it is
// owned by the session controller.
func (b *Buffer) Unmap() error {
	if b.mapping == nil {
		return nil
	}
	err := unix.Munmap(b.mapping)
	b.mapping = nil
	b.meta = nil
	b.data = nil
	return err
}
