// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// perfprobe is a sampling CPU profiler built on the kernel perf event
// interface. It opens the configured events on every online CPU, drains
// the sample ring buffers, unwinds and symbolizes the sampled stacks and
// aggregates them into a flat or call-tree profile.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/perfprobe/perfprobe/aggregator"
	"github.com/perfprobe/perfprobe/libpf"
	"github.com/perfprobe/perfprobe/periodiccaller"
	"github.com/perfprobe/perfprobe/pfevent"
	"github.com/perfprobe/perfprobe/rlimit"
	"github.com/perfprobe/perfprobe/session"
	"github.com/perfprobe/perfprobe/symbolizer"
	"github.com/perfprobe/perfprobe/times"
	"github.com/perfprobe/perfprobe/unwinder"
	"github.com/perfprobe/perfprobe/vc"
)

// stackDumpSize is the size of the user stack copy requested per sample
// when frame pointer unwinding is selected.
const stackDumpSize = 16 * 1024

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.version {
		fmt.Printf("perfprobe %s (revision %s, build timestamp %s)\n",
			vc.Version(), vc.Revision(), vc.BuildTimestamp())
		return exitSuccess
	}

	if args.listEvents {
		listEvents()
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	mode, err := aggregator.ParseMode(args.aggregation)
	if err != nil {
		return parseError("Invalid aggregation mode: %v", err)
	}
	strategy, err := unwinder.ParseStrategy(args.unwind)
	if err != nil {
		return parseError("Invalid unwind strategy: %v", err)
	}

	descriptors, err := buildDescriptors(args, strategy)
	if err != nil {
		return parseError("Invalid event specification: %v", err)
	}

	// Context to drive the main goroutine and the session.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()
	if args.duration > 0 {
		var durationCancel context.CancelFunc
		mainCtx, durationCancel = context.WithTimeout(mainCtx, args.duration)
		defer durationCancel()
	}

	log.Infof("Starting perfprobe %s", vc.Version())

	intervals := times.New(args.reportInterval, args.monitorInterval,
		args.rotationInterval)
	times.StartRealtimeSync(mainCtx, args.clockSyncInterval)

	// Ring buffer mmaps are charged against RLIMIT_MEMLOCK on older
	// kernels; lift it for the lifetime of the session.
	resetRlimit, err := rlimit.MaximizeMemlock()
	if err != nil {
		log.Warnf("Failed to raise the memlock limit, large ring "+
			"buffers may fail to map: %v", err)
	} else {
		defer resetRlimit()
	}

	sym, err := symbolizer.New(symbolizer.Config{})
	if err != nil {
		return failure("Failed to create symbolizer: %v", err)
	}
	unw, err := unwinder.New(sym, unwinder.Config{
		Strategy:          strategy,
		MapsResyncBackoff: intervals.MapsResyncBackoff(),
	})
	if err != nil {
		return failure("Failed to create unwinder: %v", err)
	}

	agg, err := aggregator.New(unw, aggregator.Config{
		Mode:     mode,
		MaxNodes: args.maxNodes,
	})
	if err != nil {
		return failure("Failed to create aggregator: %v", err)
	}
	s, err := session.Open(session.Config{
		Descriptors:   descriptors,
		Aggregator:    agg,
		Unwinder:      unw,
		Intervals:     intervals,
		RingDataPages: args.ringPages,
	})
	if err != nil {
		if errors.Is(err, pfevent.ErrPermissionDenied) {
			log.Error("Hint: system-wide profiling needs CAP_PERFMON or " +
				"kernel.perf_event_paranoid <= 0; use -pid to profile a " +
				"single process")
		}
		return failure("Failed to open session: %v", err)
	}
	defer func() {
		if err = s.Stop(); err != nil {
			log.Errorf("Failed to stop session: %v", err)
		}
	}()
	for _, dropped := range s.DroppedDescriptors() {
		log.Warnf("Event not supported on this system: %v", dropped.Err)
	}

	// The aggregation goroutine must outlive the final drain in Stop, so
	// it is bound to a context only canceled after the session ends.
	aggCtx, aggCancel := context.WithCancel(context.Background())
	defer aggCancel()
	agg.Start(aggCtx)
	log.Infof("Profiling session %s", agg.SessionID())

	if err = s.Start(mainCtx); err != nil {
		return failure("Failed to start session: %v", err)
	}
	log.Info("Profiling started")

	defer periodiccaller.Start(mainCtx, intervals.MonitorInterval(), func() {
		agg.ReportMetrics()
		unw.ReportMetrics()
		sym.ReportMetrics()
		s.ReportMetrics()
	})()

	defer periodiccaller.Start(mainCtx, intervals.ReportInterval(), func() {
		snap, err := agg.Snapshot(mainCtx)
		if err != nil {
			return
		}
		log.Infof("%d samples, total weight %.0f, %d lost, %d malformed",
			snap.Samples, snap.TotalWeight, snap.LostSamples,
			snap.MalformedRecords)
	})()

	// Block waiting for a signal or the duration to elapse.
	<-mainCtx.Done()

	log.Info("Stop profiling ...")
	if err = s.Stop(); err != nil {
		log.Errorf("Failed to stop session: %v", err)
	}

	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		return failure("Failed to take the final profile snapshot: %v", err)
	}
	printSnapshot(os.Stdout, snap)

	log.Info("Exiting ...")
	return exitSuccess
}

// buildDescriptors parses the event list and completes each descriptor
// with the sampling rate, target and sample format of this run.
func buildDescriptors(args *arguments,
	strategy unwinder.Strategy) ([]*pfevent.Descriptor, error) {
	format := pfevent.SampleFormat{
		IP:        true,
		TID:       true,
		Time:      true,
		CPU:       true,
		Period:    true,
		Callchain: true,
	}
	if strategy == unwinder.StrategyFramePointer {
		format.RegsUser = true
		format.SampleRegsUser = unwinder.SampleRegsUserMask
		format.StackUser = true
		format.StackUserSize = stackDumpSize
	}

	var descriptors []*pfevent.Descriptor
	for _, spec := range strings.Split(args.events, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		desc, err := pfevent.ParseEventSpec(spec)
		if err != nil {
			return nil, err
		}
		if args.samplePeriod != 0 {
			desc.SamplePeriod = args.samplePeriod
		} else {
			desc.SampleFreq = args.sampleFreq
		}
		desc.PID = libpf.PID(args.pid)
		desc.CPU = pfevent.AllCPUs
		desc.Format = format
		descriptors = append(descriptors, desc)
	}
	if len(descriptors) == 0 {
		return nil, errors.New("no events given")
	}
	return descriptors, nil
}

func listEvents() {
	fmt.Println("Symbolic events (hardware events are multiplexed when " +
		"they exceed the PMU counter limit):")
	for _, info := range pfevent.ListEvents() {
		if info.Alias != "" {
			fmt.Printf("  %-28s[%s] (alias: %s)\n",
				info.Symbol, info.Kind, info.Alias)
			continue
		}
		fmt.Printf("  %-28s[%s]\n", info.Symbol, info.Kind)
	}
	fmt.Println("Tracepoint events use the <category>:<name> syntax, " +
		"e.g. sched:sched_switch.")
}

func sanityCheck(args *arguments) exitCode {
	if args.sampleFreq != 0 && args.samplePeriod != 0 {
		return parseError("-freq and -period are mutually exclusive")
	}
	if args.sampleFreq == 0 && args.samplePeriod == 0 {
		args.sampleFreq = defaultArgSampleFreq
	}
	if args.pid < -1 || args.pid == 0 {
		return parseError("Invalid -pid %d", args.pid)
	}
	if args.ringPages < 0 || (args.ringPages != 0 &&
		args.ringPages&(args.ringPages-1) != 0) {
		return parseError("-ring-pages must be a power of two")
	}
	if args.rotationInterval < 10*time.Millisecond {
		return parseError("-rotation-interval below 10ms would spend " +
			"more time switching counters than counting")
	}
	return exitSuccess
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
