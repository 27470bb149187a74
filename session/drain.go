// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/perfprobe/perfprobe/session"

import (
	"context"
	"encoding/binary"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/perfprobe/perfprobe/aggregator"
	"github.com/perfprobe/perfprobe/pfring"
	"github.com/perfprobe/perfprobe/pfsample"
)

// drainLoop polls one CPU's ring buffer until the context is cancelled.
// A final catch-up drain happens in Stop after the events are disabled.
func (s *Session) drainLoop(ctx context.Context, cr *cpuRing) error {
	pollInterval := s.intervals.PollInterval()
	for {
		if ctx.Err() != nil {
			return nil
		}
		// Drain after every poll return, ready or timed out: readiness
		// depends on the ring's wakeup settings, and records written
		// without a wakeup must still reach the aggregator promptly.
		if _, err := pfring.Poll(cr.ring, pollInterval); err != nil {
			return err
		}
		s.drainRing(cr)
	}
}

// drainRing consumes every complete record currently in the ring and
// forwards the ring's lost record estimate to the aggregator.
func (s *Session) drainRing(cr *cpuRing) {
	var raw pfring.RawRecord
	for cr.buf.Next(&raw) {
		s.handleRecord(&raw)
	}
	if lost := cr.buf.LostRecords(); lost > cr.lostSeen {
		s.agg.AddLost(lost - cr.lostSeen)
		cr.lostSeen = lost
	}
}

// handleRecord dispatches one raw record. Sample records are demultiplexed
// by their leading identifier; all other record types have a fixed layout
// independent of the sample format.
func (s *Session) handleRecord(raw *pfring.RawRecord) {
	switch raw.Header.Type {
	case unix.PERF_RECORD_SAMPLE:
		s.handleSample(raw)
	case unix.PERF_RECORD_LOST:
		lost, err := s.plainDecoder.DecodeLost(raw)
		if err != nil {
			s.agg.AddMalformed(1)
			return
		}
		s.agg.AddLost(lost.Count)
	case unix.PERF_RECORD_COMM:
		comm, err := s.plainDecoder.DecodeComm(raw)
		if err != nil {
			s.agg.AddMalformed(1)
			return
		}
		s.unw.HandleComm(&comm)
	case unix.PERF_RECORD_EXIT:
		task, err := s.plainDecoder.DecodeTask(raw)
		if err != nil {
			s.agg.AddMalformed(1)
			return
		}
		// Thread exits are irrelevant; only the death of the process
		// invalidates its cached state.
		if task.PID == task.TID {
			s.unw.HandleExit(task.PID)
		}
	case unix.PERF_RECORD_MMAP2:
		mmap, err := s.plainDecoder.DecodeMmap(raw)
		if err != nil {
			s.agg.AddMalformed(1)
			return
		}
		s.unw.HandleMmap(&mmap)
	case unix.PERF_RECORD_THROTTLE, unix.PERF_RECORD_UNTHROTTLE:
		s.throttles.Add(1)
	default:
		// FORK and future record types carry nothing the pipeline needs:
		// new processes are discovered lazily on their first sample.
	}
}

func (s *Session) handleSample(raw *pfring.RawRecord) {
	if len(raw.Data) < 8 {
		s.agg.AddMalformed(1)
		return
	}
	id := binary.LittleEndian.Uint64(raw.Data[:8])
	es := s.byID[id]
	if es == nil {
		log.Debugf("Sample with unknown stream ID %d", id)
		s.agg.AddMalformed(1)
		return
	}

	var sample pfsample.Sample
	if err := es.decoder.DecodeSample(raw, &sample); err != nil {
		s.agg.AddMalformed(1)
		return
	}

	// The decoder aliases the raw payload and stack bytes into the ring
	// buffer, which is overwritten as soon as draining continues. The
	// aggregator consumes samples asynchronously, so detach them.
	if len(sample.Raw) > 0 {
		sample.Raw = append([]byte(nil), sample.Raw...)
	}
	if len(sample.StackData) > 0 {
		sample.StackData = append([]byte(nil), sample.StackData...)
	}

	s.agg.Ingest(aggregator.Ingestable{
		Sample: sample,
		Scale:  s.scaleFor(es.desc.Name),
	})
}

// scaleFor returns the multiplexing weight correction for a descriptor: a
// descriptor enabled half the time has seen half the events, so each of
// its samples counts double.
func (s *Session) scaleFor(name string) float64 {
	frac := s.usage.fraction(name)
	if frac <= 0 || frac >= 1 {
		return 1.0
	}
	return 1.0 / frac
}
