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

// Package plotsink is the queue-reader side of the live plotting surface;
// the plotting surface itself lives outside this module. The decimation
// policy lives in pkg/sync, since only the synchronizer's consumer
// goroutine knows each device's current k; this package is the thin
// reader-side helper an out-of-scope UI goroutine uses to drain its
// registered plot-sink queue without re-deriving the payload-kind dispatch
// the synchronizer already resolved.
package plotsink

import (
	"time"

	"github.com/MMSPLAB/eesync/pkg/model"
	"github.com/MMSPLAB/eesync/pkg/queue"
)

// Reader drains one plot-sink queue and dispatches each payload to the
// matching callback. All three callbacks are optional; a nil callback
// silently discards payloads of that kind, matching a plot surface that
// only cares about, say, samples and not markers.
type Reader struct {
	queue    *queue.Bounded
	onSample func(model.Payload)
	onEvent  func(model.Payload)
	onSpike  func(model.Payload)
}

// NewReader wraps q, the queue the caller already passed to
// Synchronizer.AddPlotSinkQueue.
func NewReader(q *queue.Bounded) *Reader {
	return &Reader{queue: q}
}

// OnSample registers the callback for decimated sample payloads.
func (r *Reader) OnSample(cb func(model.Payload)) *Reader { r.onSample = cb; return r }

// OnEvent registers the callback for sticky-event payloads, which always
// bypass decimation.
func (r *Reader) OnEvent(cb func(model.Payload)) *Reader { r.onEvent = cb; return r }

// OnSpike registers the callback for spike payloads, which always bypass
// decimation.
func (r *Reader) OnSpike(cb func(model.Payload)) *Reader { r.onSpike = cb; return r }

// Pump blocks on the plot-sink queue with the given poll timeout and
// dispatches one payload per call; it returns false once the queue is
// closed and drained, so a caller loops `for reader.Pump(timeout) {}`
// against its own stop flag between iterations. Every blocking call bounds
// its wait so the caller's stop flag is checked promptly.
func (r *Reader) Pump(timeout time.Duration) bool {
	v, ok := r.queue.Get(timeout)
	if !ok {
		return !r.queue.Closed()
	}
	payload := v.(model.Payload)
	switch payload.Kind {
	case model.KindSample:
		if r.onSample != nil {
			r.onSample(payload)
		}
	case model.KindEvent:
		if r.onEvent != nil {
			r.onEvent(payload)
		}
	case model.KindSpike:
		if r.onSpike != nil {
			r.onSpike(payload)
		}
	}
	return true
}
