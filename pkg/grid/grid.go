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

// Package grid holds the quantization arithmetic shared by the synchronizer
// and the exporter: both must derive the same decimal precision and the
// same k/t_q mapping from a single delta, or exported rows and sink
// payloads would disagree about what a given k means.
package grid

import "math"

// ComputeDecimals derives the quantized-time decimal precision from the
// grid spacing: decimals = max(0, ceil(-log10(delta)) + 1). At delta = 1.0
// (fs_max = 1 Hz) this yields 1; at delta = 0.01 (fs_max = 100 Hz) it
// yields 3.
func ComputeDecimals(delta float64) int {
	d := int(math.Ceil(-math.Log10(delta))) + 1
	if d < 0 {
		d = 0
	}
	return d
}

// FloorToDecimals truncates v to decimals places (never rounds up), the
// formatting rule required for t_q.
func FloorToDecimals(v float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Floor(v*mult) / mult
}

// Quantize maps a host-relative timestamp onto the grid, returning the
// nearest integer index k and its quantized time t_q.
func Quantize(hostRelTS, delta float64, decimals int) (k int64, tq float64) {
	k = int64(math.Round(hostRelTS / delta))
	tq = FloorToDecimals(float64(k)*delta, decimals)
	return k, tq
}
