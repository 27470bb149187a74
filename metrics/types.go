// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/perfprobe/perfprobe/metrics"

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// MetricType classifies how a metric value is to be interpreted.
type MetricType uint8

const (
	MetricTypeCounter MetricType = iota
	MetricTypeGauge
)

// MetricDefinition describes a single metric.
type MetricDefinition struct {
	ID          MetricID
	Type        MetricType
	Name        string
	Unit        string
	Description string
}

// Summary helps summarizing metrics of the same ID from different sources before
// processing it further.
type Summary map[MetricID]MetricValue
