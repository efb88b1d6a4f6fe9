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

package filter

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Section is one second-order section, stored as a single 1x6 row
// [b0, b1, b2, a0, a1, a2] (a0 is always normalized to 1 after design, but is
// kept explicit to mirror scipy's sos row layout that the original Python
// toolchain this project was distilled from would have produced).
type Section struct {
	coeffs *mat.Dense
}

func newSection(b0, b1, b2, a0, a1, a2 float64) Section {
	return Section{coeffs: mat.NewDense(1, 6, []float64{b0, b1, b2, a0, a1, a2})}
}

// Row returns the six coefficients in [b0,b1,b2,a0,a1,a2] order.
func (s Section) Row() (b0, b1, b2, a0, a1, a2 float64) {
	r := s.coeffs.RawRowView(0)
	return r[0], r[1], r[2], r[3], r[4], r[5]
}

// Cascade is the immutable, designed SOS filter: a sequence of sections fed
// in order. An empty Cascade is the identity filter, the result when both
// the notch and band-pass stages are disabled.
type Cascade struct {
	Sections []Section
}

// IsIdentity reports whether the cascade has no sections, i.e. Apply is a
// no-op.
func (c *Cascade) IsIdentity() bool {
	return c == nil || len(c.Sections) == 0
}

// identityCascade is returned whenever design fails or both sections are
// disabled; the acquisition thread must never be killed by a design error.
func identityCascade() *Cascade {
	return &Cascade{}
}

// designNotchSection builds an RBJ-cookbook notch biquad at freqHz with
// quality factor q, normalized so a0 == 1.
func designNotchSection(freqHz, q, fs float64) Section {
	w0 := 2 * math.Pi * freqHz / fs
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	b0 := 1.0
	b1 := -2 * cosw0
	b2 := 1.0
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha

	return newSection(b0/a0, b1/a0, b2/a0, 1, a1/a0, a2/a0)
}

// designBandPassSection builds one RBJ-cookbook constant 0 dB peak gain
// band-pass biquad centered between low and high, normalized so a0 == 1.
// Cascading `order` of these sections approximates the sharper roll-off of a
// higher-order design, the same cascaded-biquad technique real-time DSP
// pipelines use when a single full pole-zero synthesis isn't available.
func designBandPassSection(lowHz, highHz, fs float64) Section {
	centerHz := math.Sqrt(lowHz * highHz)
	bandwidth := math.Log2(highHz / lowHz)
	w0 := 2 * math.Pi * centerHz / fs
	sinw0 := math.Sin(w0)
	cosw0 := math.Cos(w0)
	alpha := sinw0 * math.Sinh(math.Ln2/2*bandwidth*w0/sinw0)

	b0 := alpha
	b1 := 0.0
	b2 := -alpha
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha

	return newSection(b0/a0, b1/a0, b2/a0, 1, a1/a0, a2/a0)
}

// designCascade builds the cascade for a validated spec: notch section
// first (if enabled), then `order` band-pass sections. Callers must have
// already resolved/clamped the notch frequency.
func designCascade(spec Spec, notchFreqHz, fs float64) *Cascade {
	c := &Cascade{}
	if spec.Notch != nil {
		c.Sections = append(c.Sections, designNotchSection(notchFreqHz, spec.Notch.Q, fs))
	}
	if spec.BandPass != nil {
		for i := 0; i < spec.BandPass.Order; i++ {
			c.Sections = append(c.Sections, designBandPassSection(spec.BandPass.LowHz, spec.BandPass.HighHz, fs))
		}
	}
	return c
}
