// Copyright 2021 PingCAP, Inc.
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

// Package model holds the wire types shared by every component of the
// acquisition pipeline: the producer-facing sample packet, the quantized
// payload union emitted by the synchronizer, and the marker event shapes
// the two buses broadcast.
package model

// ChannelValue is one (name, value) pair within a sample packet. Missing
// marks the value-sentinel case: it must survive filtering and quantization
// unchanged and round-trip to an empty CSV cell.
type ChannelValue struct {
	Name    string
	Value   float64
	Missing bool
}

// Sample is a producer -> synchronizer packet. DeviceTS is the device's own
// clock, in seconds, and is not assumed to be synchronized with any other
// device or with host time.
type Sample struct {
	DeviceTS   float64
	DeviceName string
	Channels   []ChannelValue
}

// PayloadKind discriminates the tagged union emitted by the synchronizer's
// consumer thread to every registered sink.
type PayloadKind int

const (
	// KindSample marks a quantized signal sample.
	KindSample PayloadKind = iota
	// KindEvent marks a sticky-event state transition.
	KindEvent
	// KindSpike marks a one-shot spike label.
	KindSpike
)

// Payload is the quantized union emitted to sinks: sample, event, or spike.
// Only the fields relevant to Kind are populated.
type Payload struct {
	Kind PayloadKind

	TQ float64 // quantized time, k*delta floored to `decimals` places
	K  int64   // grid index

	// Sample fields.
	Device   string
	Channels []ChannelValue

	// Event fields.
	Label     string // KindEvent: new sticky label. KindSpike: spike label.
	PrevLabel string // KindEvent only.
	Source    string // KindEvent, KindSpike: who triggered this.
}
