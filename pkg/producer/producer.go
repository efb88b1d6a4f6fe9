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

// Package producer holds the seam between the out-of-scope device/transport
// layer and the core: the packet contract every producer must satisfy to
// call into the Synchronizer, a shared stop flag producers poll between
// iterations, a bounded-grace-period join helper, and the schema-collection
// helper the exporter needs at construction time. The run/stop shape —
// poll a running flag, blocking read loop, graceful stop — generalizes to N
// independent producer goroutines supervised from one place instead of a
// single hardware source.
package producer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync/pkg/model"
)

// Sink is the subset of *sync.Synchronizer a producer needs: the
// non-blocking packet-ingestion contract. Defined as an interface here,
// not in pkg/sync, so producer packages never need to import the
// synchronizer's concrete type to satisfy Contract.
type Sink interface {
	EnqueuePacket(deviceTS float64, deviceName string, channels []model.ChannelValue)
}

// Contract is what the core requires of any device-specific producer: any
// producer that conforms to the packet contract may be plugged in. A
// producer owns its own transport (serial framing, LSL resolution, handler
// math) entirely outside this package; Run is the only method the
// orchestrator calls.
type Contract interface {
	// Name identifies the device for logging and telemetry.
	Name() string
	// Run pushes packets into sink until ctx is cancelled or the stop flag
	// is observed, then returns. Run must never block past the stop signal
	// by more than its own I/O timeout and must not panic on transport
	// errors; it owns translating those into its own retry/backoff policy.
	Run(ctx context.Context, stop *StopFlag, sink Sink) error
}

// StopFlag is the cancellation flag producers poll between iterations. The
// synchronizer consumer and the exporter worker keep stop flags of their
// own. Run receives it alongside a context.Context, so producers that only
// know how to poll a flag and producers that only know how to select on
// ctx.Done() are both first-class.
type StopFlag struct {
	flag atomic.Bool
}

// NewStopFlag returns a flag in the not-stopped state.
func NewStopFlag() *StopFlag {
	return &StopFlag{}
}

// Stop requests every poller to exit. Idempotent.
func (f *StopFlag) Stop() {
	f.flag.Store(true)
}

// Stopped reports whether Stop has been called.
func (f *StopFlag) Stopped() bool {
	return f.flag.Load()
}

// WaitForProducers starts one goroutine per producer and blocks until every
// producer returns or grace elapses after ctx is cancelled, whichever is
// sooner, so worker joins complete within a bounded grace period. The stop
// flag is handed to each producer's Run; WaitForProducers does not watch it
// itself. The first producer error is returned; producers
// that time out past grace are not waited on further, rather than blocking
// the orchestrator indefinitely on a misbehaving transport.
func WaitForProducers(ctx context.Context, stop *StopFlag, sink Sink, grace time.Duration, producers ...Contract) error {
	if len(producers) == 0 {
		return nil
	}

	done := make(chan error, len(producers))
	for _, p := range producers {
		p := p
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("producer panicked, treating as stopped", zap.String("device", p.Name()), zap.Any("panic", r))
					done <- errors.Errorf("producer %s panicked: %v", p.Name(), r)
					return
				}
			}()
			done <- p.Run(ctx, stop, sink)
		}()
	}

	var firstErr error
	remaining := len(producers)
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	deadlineArmed := false

	for remaining > 0 {
		select {
		case err := <-done:
			remaining--
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			if !deadlineArmed {
				deadlineArmed = true
				if !deadline.Stop() {
					select {
					case <-deadline.C:
					default:
					}
				}
				deadline.Reset(grace)
			}
			select {
			case err := <-done:
				remaining--
				if err != nil && firstErr == nil {
					firstErr = err
				}
			case <-deadline.C:
				log.Warn("producer join grace period elapsed, abandoning remaining producers",
					zap.Int("remaining", remaining))
				return firstErr
			}
		}
	}
	return firstErr
}

// CollectKnownChannels builds the exporter's ordered, deduplicated
// "device:channel" schema. deviceOrder fixes the declaration order the
// out-of-scope config-merging layer observed; config.Config.Devices is a Go
// map and therefore cannot supply that order itself. channelsByDevice is
// typically cfg.Devices[name].Channels for each enabled device.
func CollectKnownChannels(deviceOrder []string, channelsByDevice map[string][]string) []string {
	seen := make(map[string]struct{})
	var schema []string
	for _, device := range deviceOrder {
		for _, ch := range channelsByDevice[device] {
			col := device + ":" + ch
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			schema = append(schema, col)
		}
	}
	return schema
}
