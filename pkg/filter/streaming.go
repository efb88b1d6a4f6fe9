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
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// StreamingSOS owns one channel's mutable delay state (zi) against a
// shared, immutable Cascade. The cascade may be shared across instances; zi
// must not — each (device-instance, channel) pair gets its own
// StreamingSOS.
type StreamingSOS struct {
	cascade     *Cascade
	contextTag  string
	zi          [][2]float64 // per-section transposed direct-form-II state
	passThrough bool
	warnedOnce  bool
}

// NewStreamingSOS creates a streaming instance over cascade, tagged with
// contextTag for log messages (typically "<device>:<channel>").
func NewStreamingSOS(cascade *Cascade, contextTag string) *StreamingSOS {
	zi := make([][2]float64, len(cascade.Sections))
	return &StreamingSOS{cascade: cascade, contextTag: contextTag, zi: zi}
}

// Apply feeds one sample through the cascade. If missing is true, x is
// ignored and Apply returns (0, true) without advancing any zi state. Once
// the instance has degraded to pass-through (identity cascade, or a prior
// runtime failure), Apply returns x unchanged.
func (s *StreamingSOS) Apply(x float64, missing bool) (out float64, outMissing bool) {
	if missing {
		return 0, true
	}
	if s.passThrough || s.cascade.IsIdentity() {
		return x, false
	}

	y, err := s.applySections(x)
	if err != nil {
		s.degrade(err)
		return x, false
	}
	return y, false
}

// applySections runs the transposed direct-form-II biquad recurrence per
// section, the same state-update scipy's sosfilt uses. A recover guards
// against any arithmetic panic in a future section implementation so a
// single bad instance degrades rather than killing the acquisition
// goroutine.
func (s *StreamingSOS) applySections(x float64) (y float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sos section panicked: %v", r)
		}
	}()

	v := x
	for i, sec := range s.cascade.Sections {
		b0, b1, b2, _, a1, a2 := sec.Row()
		z1 := s.zi[i][0]
		z2 := s.zi[i][1]

		yi := b0*v + z1
		s.zi[i][0] = b1*v - a1*yi + z2
		s.zi[i][1] = b2*v - a2*yi
		v = yi
	}
	return v, nil
}

func (s *StreamingSOS) degrade(err error) {
	if !s.warnedOnce {
		s.warnedOnce = true
		log.Error("SOS filter runtime error, degrading to pass-through for remainder of session",
			zap.String("context", s.contextTag), zap.Error(err))
	}
	s.passThrough = true
}

// Reset rezeros all section delay state. Intended for device reconnect,
// where the same StreamingSOS instance keeps its cascade but must forget
// history.
func (s *StreamingSOS) Reset() {
	for i := range s.zi {
		s.zi[i] = [2]float64{}
	}
}

// PassThrough reports whether this instance has degraded to identity
// behavior after a runtime error.
func (s *StreamingSOS) PassThrough() bool {
	return s.passThrough
}
