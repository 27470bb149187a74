// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
)

const (
	// Default values for CLI flags
	defaultArgSampleFreq       = 97
	defaultArgReportInterval   = 5 * time.Second
	defaultArgMonitorInterval  = 5 * time.Second
	defaultArgRotationInterval = 500 * time.Millisecond
	defaultClockSyncInterval   = 3 * time.Minute
	defaultArgAggregation      = "flat"
	defaultArgUnwind           = "callchain"
	defaultArgMaxNodes         = 16384
)

// Help strings for command line arguments
var (
	eventsHelp = "Comma-separated list of events to sample, in the " +
		"symbolic event syntax, e.g. 'cycles:u' or 'sched:sched_switch'. " +
		"Hardware events beyond the PMU counter limit are multiplexed."
	pidHelp = "Profile only the given process. Default is system-wide " +
		"profiling, which requires perf_event_paranoid <= 0 or " +
		"CAP_PERFMON."
	freqHelp = "Set the sampling frequency (in Hz). Mutually exclusive " +
		"with -period."
	periodHelp = "Sample every N-th event instead of at a fixed " +
		"frequency. Mutually exclusive with -freq."
	durationHelp = "Stop profiling after this duration. Default is to " +
		"run until interrupted."
	aggregationHelp = "Profile aggregation mode: 'flat' accumulates " +
		"weight per leaf function, 'calltree' along root-to-leaf paths."
	unwindHelp = "Stack unwinding strategy: 'callchain' uses the kernel " +
		"collected call chain, 'fp' walks user-space frame pointers from " +
		"a sampled stack copy."
	maxNodesHelp = "Cap on distinct profile entries. Additional entries " +
		"coalesce into a synthetic '[other]' bucket."
	ringPagesHelp = "Per-CPU sample ring buffer size in pages. " +
		"Must be a power of two. 0 selects the built-in default."
	listEventsHelp        = "List the symbolic event names and exit."
	verboseModeHelp       = "Enable verbose logging and debugging capabilities."
	versionHelp           = "Show version."
	reportIntervalHelp    = "Set the interval of profile summary logging."
	monitorIntervalHelp   = "Set the interval of internal metric collection."
	rotationIntervalHelp  = "Set the interval of hardware counter set rotation."
	clockSyncIntervalHelp = "Set the sync interval with the realtime clock. " +
		"If zero, monotonic-realtime clock sync will be performed once, " +
		"on startup, but not periodically."
)

type arguments struct {
	events            string
	pid               int
	sampleFreq        uint64
	samplePeriod      uint64
	duration          time.Duration
	aggregation       string
	unwind            string
	maxNodes          int
	ringPages         int
	listEvents        bool
	verboseMode       bool
	version           bool
	reportInterval    time.Duration
	monitorInterval   time.Duration
	rotationInterval  time.Duration
	clockSyncInterval time.Duration

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("perfprobe", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.aggregation, "aggregation", defaultArgAggregation,
		aggregationHelp)

	fs.DurationVar(&args.clockSyncInterval, "clock-sync-interval",
		defaultClockSyncInterval, clockSyncIntervalHelp)

	fs.DurationVar(&args.duration, "duration", 0, durationHelp)

	fs.StringVar(&args.events, "e", "cycles", "Shorthand for -event.")
	fs.StringVar(&args.events, "event", "cycles", eventsHelp)

	fs.Uint64Var(&args.sampleFreq, "freq", 0, freqHelp)

	fs.BoolVar(&args.listEvents, "list-events", false, listEventsHelp)

	fs.IntVar(&args.maxNodes, "max-nodes", defaultArgMaxNodes, maxNodesHelp)

	fs.DurationVar(&args.monitorInterval, "monitor-interval",
		defaultArgMonitorInterval, monitorIntervalHelp)

	fs.Uint64Var(&args.samplePeriod, "period", 0, periodHelp)
	fs.IntVar(&args.pid, "pid", -1, pidHelp)

	fs.DurationVar(&args.reportInterval, "report-interval",
		defaultArgReportInterval, reportIntervalHelp)
	fs.IntVar(&args.ringPages, "ring-pages", 0, ringPagesHelp)
	fs.DurationVar(&args.rotationInterval, "rotation-interval",
		defaultArgRotationInterval, rotationIntervalHelp)

	fs.StringVar(&args.unwind, "unwind", defaultArgUnwind, unwindHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PERFPROBE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the
		// current build does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

// dump visits all flag values and dumps them to the log.
func (args *arguments) dump() {
	args.fs.VisitAll(func(f *flag.Flag) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", f.Name, f.Value)
	})
}
