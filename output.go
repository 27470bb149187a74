// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/perfprobe/perfprobe/aggregator"
	"github.com/perfprobe/perfprobe/libpf"
)

// printSnapshot writes the final profile in a plain text rendering, as a
// weight-sorted flat table or an indented call tree.
func printSnapshot(w io.Writer, snap *aggregator.Snapshot) {
	fmt.Fprintf(w, "\nProfile %s (%s): %d samples, total weight %.0f",
		snap.SessionID, snap.Mode, snap.Samples, snap.TotalWeight)
	if snap.LostSamples > 0 || snap.MalformedRecords > 0 {
		fmt.Fprintf(w, " (%d lost, %d malformed)",
			snap.LostSamples, snap.MalformedRecords)
	}
	fmt.Fprintln(w)
	for name, frac := range snap.EnabledFractions {
		if frac < 1.0 {
			fmt.Fprintf(w, "  %s was on a hardware slot %.1f%% of the "+
				"time, weights are scaled up accordingly\n", name, frac*100)
		}
	}
	fmt.Fprintln(w)

	if snap.Mode == aggregator.ModeFlat {
		printFlat(w, snap)
		return
	}
	printTree(w, snap)
}

func printFlat(w io.Writer, snap *aggregator.Snapshot) {
	fmt.Fprintf(w, "%9s %14s %9s  %s\n", "WEIGHT%", "WEIGHT", "SAMPLES",
		"FUNCTION")
	for _, entry := range snap.Flat {
		fmt.Fprintf(w, "%8.2f%% %14.0f %9d  %s\n",
			percent(entry.Weight, snap.TotalWeight),
			entry.Weight, entry.Samples, frameLabel(&entry.Frame))
	}
}

func printTree(w io.Writer, snap *aggregator.Snapshot) {
	fmt.Fprintf(w, "%9s %9s  %s\n", "INCL%", "EXCL%", "CALL TREE")
	printTreeNode(w, snap, snap.Root, 0)
}

func printTreeNode(w io.Writer, snap *aggregator.Snapshot,
	node *aggregator.CallNode, depth int) {
	fmt.Fprintf(w, "%8.2f%% %8.2f%%  %s%s\n",
		percent(node.Inclusive, snap.TotalWeight),
		percent(node.Exclusive, snap.TotalWeight),
		strings.Repeat("  ", depth), frameLabel(&node.Frame))
	for _, child := range node.SortedChildren() {
		printTreeNode(w, snap, child, depth+1)
	}
}

func frameLabel(frame *libpf.Frame) string {
	label := frame.Symbol()
	if frame.Module != "" {
		label += " (" + frame.Module + ")"
	}
	return label
}

func percent(weight, total float64) float64 {
	if total == 0 {
		return 0
	}
	return weight / total * 100
}
