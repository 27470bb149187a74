// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/perfprobe/perfprobe/metrics"

const (
	// IDInvalid is an invalid metric ID.
	IDInvalid MetricID = iota

	// IDLostSamples: number of samples the kernel dropped because a ring
	// buffer filled up or the reader was lapped.
	IDLostSamples

	// IDMalformedRecords: number of records rejected by the sample decoder.
	IDMalformedRecords

	// IDSamplesIngested: number of samples folded into the profile.
	IDSamplesIngested

	// IDTraceCacheHit: number of samples whose call chain was found in the
	// symbolized trace cache.
	IDTraceCacheHit

	// IDTraceCacheMiss: number of samples that required symbolization.
	IDTraceCacheMiss

	// IDUnwindSuccess: number of successfully unwound stacks.
	IDUnwindSuccess

	// IDUnwindFailure: number of stacks whose unwinding was aborted.
	IDUnwindFailure

	// IDStackTruncations: number of unwound stacks that hit the depth or
	// copied stack size limit.
	IDStackTruncations

	// IDRotations: number of counter set rotations performed.
	IDRotations

	// IDThrottleEvents: number of throttle/unthrottle records seen.
	IDThrottleEvents

	// IDRingBuffersActive: number of currently mapped sample ring buffers.
	IDRingBuffersActive

	// IDSymbolizerCacheHit: number of ELF symbol table cache hits.
	IDSymbolizerCacheHit

	// IDSymbolizerCacheMiss: number of executables whose symbol tables had
	// to be read from disk.
	IDSymbolizerCacheMiss

	// IDMax must be the highest metric ID plus one.
	IDMax
)

// definitions holds the descriptive data for all metric IDs.
var definitions = []MetricDefinition{
	{IDLostSamples, MetricTypeCounter, "samples.lost", "1",
		"samples dropped due to ring buffer overflow"},
	{IDMalformedRecords, MetricTypeCounter, "records.malformed", "1",
		"records rejected by the sample decoder"},
	{IDSamplesIngested, MetricTypeCounter, "samples.ingested", "1",
		"samples folded into the profile"},
	{IDTraceCacheHit, MetricTypeCounter, "tracecache.hit", "1",
		"call chains found in the symbolized trace cache"},
	{IDTraceCacheMiss, MetricTypeCounter, "tracecache.miss", "1",
		"call chains that required symbolization"},
	{IDUnwindSuccess, MetricTypeCounter, "unwind.success", "1",
		"successfully unwound stacks"},
	{IDUnwindFailure, MetricTypeCounter, "unwind.failure", "1",
		"stacks whose unwinding was aborted"},
	{IDStackTruncations, MetricTypeCounter, "unwind.truncations", "1",
		"stacks that hit the depth or copied stack size limit"},
	{IDRotations, MetricTypeCounter, "session.rotations", "1",
		"counter set rotations performed"},
	{IDThrottleEvents, MetricTypeCounter, "session.throttles", "1",
		"throttle and unthrottle records seen"},
	{IDRingBuffersActive, MetricTypeGauge, "session.ringbuffers", "1",
		"currently mapped sample ring buffers"},
	{IDSymbolizerCacheHit, MetricTypeCounter, "symbolizer.cache.hit", "1",
		"ELF symbol table cache hits"},
	{IDSymbolizerCacheMiss, MetricTypeCounter, "symbolizer.cache.miss", "1",
		"executables whose symbol tables were read from disk"},
}

// GetDefinitions returns the metric definitions.
func GetDefinitions() []MetricDefinition {
	return definitions
}
