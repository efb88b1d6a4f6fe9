// Copyright 2025 MMSPLAB. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the telemetry counters needed to observe pipeline
// health: ingestion drops, per-sink drops, plot-sink drops (full plot-sink
// queues; samples skipped by decimation are not counted), exporter commit
// throughput, idle-watermark firings, and device anchor resets. Counters are declared as
// package-level vars and registered in init, with no per-request label
// cardinality — labels are bounded, known-at-startup identifiers like sink
// name or device name.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// IngestionDrops counts packets dropped by the synchronizer's bounded
	// ingestion queue on overflow.
	IngestionDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eesync",
		Subsystem: "ingestion",
		Name:      "drops_total",
		Help:      "Total sample packets dropped by ingestion queue overflow (drop-oldest).",
	})

	// SinkDrops counts payloads dropped for a specific full-rate sink queue
	// because that sink was full, labeled by sink name.
	SinkDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eesync",
		Subsystem: "sink",
		Name:      "drops_total",
		Help:      "Total payloads dropped for a full sink queue, by sink.",
	}, []string{"sink"})

	// PlotSinkDrops counts payloads dropped for a specific plot-sink queue
	// because that sink was full.
	PlotSinkDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eesync",
		Subsystem: "plot_sink",
		Name:      "drops_total",
		Help:      "Total payloads dropped for a full plot-sink queue, by sink.",
	}, []string{"sink"})

	// ExporterRowsCommitted counts signal rows committed to the signal CSV.
	ExporterRowsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eesync",
		Subsystem: "exporter",
		Name:      "rows_committed_total",
		Help:      "Total signal CSV rows committed by the exporter.",
	})

	// ExporterIdleWatermarkFired counts how many times the exporter's idle
	// watermark forced a final commit.
	ExporterIdleWatermarkFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eesync",
		Subsystem: "exporter",
		Name:      "idle_watermark_fired_total",
		Help:      "Total times the exporter's idle watermark forced a commit/flush.",
	})

	// DeviceAnchorResets counts per-device clock-regression anchor resets.
	DeviceAnchorResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eesync",
		Subsystem: "sync",
		Name:      "anchor_resets_total",
		Help:      "Total anchor resets due to backward device clock motion, by device.",
	}, []string{"device"})
)

func init() {
	prometheus.MustRegister(
		IngestionDrops,
		SinkDrops,
		PlotSinkDrops,
		ExporterRowsCommitted,
		ExporterIdleWatermarkFired,
		DeviceAnchorResets,
	)
}
