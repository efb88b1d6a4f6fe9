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

// Package filter implements the streaming second-order-section (SOS) filter
// engine (component A): a memoized, immutable cascade design keyed by
// (sensor, fs, spec), and a per-channel StreamingSOS wrapper that owns the
// mutable delay state. Section coefficients are stored in
// gonum.org/v1/gonum/mat.Dense rows, following the numerics-library-backed
// shape the DAQ sibling in this pack (dastard's DataSource, which carries a
// gonum mat.Dense for its projector/basis matrices) uses for per-channel
// configuration.
package filter

import (
	"fmt"
	"math"
)

// BandPass describes an optional band-pass section of the design input.
type BandPass struct {
	Order  int
	LowHz  float64
	HighHz float64
}

// Notch describes an optional mains-hum notch section of the design input.
type Notch struct {
	FreqHz float64
	Q      float64
}

// Spec is the immutable filter design input. Either field may be nil to
// disable that section.
type Spec struct {
	BandPass *BandPass
	Notch    *Notch
}

// canonicalKey canonicalizes (sensorKey, fs, spec) into a hashable string,
// rounding floating-point fields to a fixed decimal representation so that
// semantically identical specs do not miss the cache due to representation
// noise.
func canonicalKey(sensorKey string, fs float64, spec Spec) string {
	key := fmt.Sprintf("%s|fs=%s", sensorKey, round6(fs))
	if spec.Notch != nil {
		key += fmt.Sprintf("|notch(freq=%s,q=%s)", round6(spec.Notch.FreqHz), round6(spec.Notch.Q))
	}
	if spec.BandPass != nil {
		key += fmt.Sprintf("|bp(order=%d,low=%s,high=%s)", spec.BandPass.Order, round6(spec.BandPass.LowHz), round6(spec.BandPass.HighHz))
	}
	return key
}

func round6(v float64) string {
	return fmt.Sprintf("%.6f", math.Round(v*1e6)/1e6)
}

// validateBandPass checks the design input's band-pass parameters. It never
// returns an error for the notch frequency: an out-of-set value is clamped
// to 50 Hz with a warning logged by the caller instead of rejecting the
// whole design.
func (s Spec) validateBandPass(fs float64) error {
	if s.BandPass == nil {
		return nil
	}
	bp := s.BandPass
	if bp.Order < 1 {
		return fmt.Errorf("band-pass order must be >= 1, got %d", bp.Order)
	}
	if bp.LowHz <= 0 {
		return fmt.Errorf("band-pass low_hz must be > 0, got %f", bp.LowHz)
	}
	if bp.HighHz >= fs/2 {
		return fmt.Errorf("band-pass high_hz must be < fs/2 (%f), got %f", fs/2, bp.HighHz)
	}
	if bp.LowHz >= bp.HighHz {
		return fmt.Errorf("band-pass low_hz (%f) must be < high_hz (%f)", bp.LowHz, bp.HighHz)
	}
	return nil
}

// clampNotchFreq keeps freqHz if it is exactly 50 or 60 and coerces any
// other value to 50 (not to the nearer of the two), logging at the call
// site.
func clampNotchFreq(freqHz float64) (clamped float64, wasValid bool) {
	if freqHz == 50 || freqHz == 60 {
		return freqHz, true
	}
	return 50, false
}
