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

// Package synchronizer implements the single consumer goroutine that
// anchors every device's clock to host time, quantizes samples and markers
// onto a shared grid, and fans the resulting payloads out to registered
// sinks and plot sinks. The supervision shape is a single long-running
// goroutine, a stop flag checked on every timeout tick, and an errgroup the
// stop path joins on.
package synchronizer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MMSPLAB/eesync/pkg/bus"
	"github.com/MMSPLAB/eesync/pkg/cerror"
	"github.com/MMSPLAB/eesync/pkg/grid"
	"github.com/MMSPLAB/eesync/pkg/metrics"
	"github.com/MMSPLAB/eesync/pkg/model"
	"github.com/MMSPLAB/eesync/pkg/queue"
)

// deviceAnchor is one device's clock-mapping state. Touched only by the
// consumer goroutine, so it needs no locking of its own.
type deviceAnchor struct {
	firstDeviceTS float64
	hostTSAtFirst float64
	lastDeviceTS  float64
	epoch         uint64
}

type ingestKind int

const (
	ingestSample ingestKind = iota
	ingestEvent
	ingestSpike
)

// ingestItem is the in-band queue element. Samples are quantized by the
// consumer; event/spike payloads arrive already quantized since
// SetEvent/TriggerSpike compute k/t_q at the caller's instant.
type ingestItem struct {
	kind    ingestKind
	sample  model.Sample
	payload model.Payload
}

type sinkReg struct {
	name  string
	queue *queue.Bounded
}

// Synchronizer is component D. One instance may run multiple sessions
// sequentially (StartSession / StopSession), but never concurrently.
type Synchronizer struct {
	eventBus *bus.EventBus
	spikeBus *bus.SpikeBus

	ingestCapacity int
	plotDecimateHz float64

	// regMu guards sink/plot-sink registration, which is only legal before
	// StartSession or between sessions.
	regMu     sync.Mutex
	sinks     []sinkReg
	plotSinks []sinkReg

	// lifecycleMu guards session start/stop bookkeeping.
	lifecycleMu sync.Mutex
	started     bool
	hostEpoch   time.Time
	delta       float64
	decimals    int
	ingestQueue *queue.Bounded

	stopFlag atomic.Bool
	group    *errgroup.Group

	// anchors and lastEmittedK are consumer-goroutine-exclusive state: only
	// ever touched from consume(), which is single-instanced per session.
	anchors      map[string]*deviceAnchor
	lastEmittedK map[string]int64
}

// New builds a Synchronizer around the given marker buses. ingestCapacity
// bounds the ingestion queue; plotDecimateHz is the plot fan-out rate, <= 0
// disables decimation (every sample reaches plot sinks).
func New(eventBus *bus.EventBus, spikeBus *bus.SpikeBus, ingestCapacity int, plotDecimateHz float64) *Synchronizer {
	return &Synchronizer{
		eventBus:       eventBus,
		spikeBus:       spikeBus,
		ingestCapacity: ingestCapacity,
		plotDecimateHz: plotDecimateHz,
	}
}

// StartSession begins a new session on the shared delta grid spacing
// (typically 1/fs_max). Returns cerror.ErrAlreadyStarted if a session is
// already running.
func (s *Synchronizer) StartSession(delta float64) error {
	s.lifecycleMu.Lock()
	if s.started {
		s.lifecycleMu.Unlock()
		return errors.Trace(cerror.ErrAlreadyStarted)
	}

	s.delta = delta
	s.decimals = grid.ComputeDecimals(delta)
	s.hostEpoch = time.Now()
	s.anchors = make(map[string]*deviceAnchor)
	s.lastEmittedK = make(map[string]int64)
	s.ingestQueue = queue.NewBounded("ingestion", s.ingestCapacity)
	s.stopFlag.Store(false)
	s.started = true

	g, _ := errgroup.WithContext(context.Background())
	s.group = g
	s.lifecycleMu.Unlock()

	g.Go(func() error {
		s.consume()
		return nil
	})

	log.Info("synchronizer session started", zap.Float64("delta", delta), zap.Int("decimals", s.decimals))
	return nil
}

// StopSession ends the running session. Safe to call even if StartSession
// failed or was never called (no-op), and safe to call twice (the second
// call is a no-op). Queued-but-unconsumed items are discarded, not drained.
func (s *Synchronizer) StopSession() error {
	s.lifecycleMu.Lock()
	if !s.started {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.started = false
	q := s.ingestQueue
	g := s.group
	s.lifecycleMu.Unlock()

	s.stopFlag.Store(true)
	q.Close()
	_ = g.Wait()

	log.Info("synchronizer session stopped")
	return nil
}

// AddSinkQueue registers a full-rate fan-out queue. Valid only before
// StartSession or between sessions; returns cerror.ErrSessionRunning
// otherwise. Registering the same queue twice is a documented error
// (cerror.ErrSinkAlreadyRegistered) rather than a silent duplicate no-op,
// since a duplicate would silently double a sink's effective throughput.
func (s *Synchronizer) AddSinkQueue(name string, q *queue.Bounded) error {
	return s.addReg(&s.sinks, name, q)
}

// AddPlotSinkQueue registers a decimated plot fan-out queue. Same
// registration-window and duplicate-registration rules as AddSinkQueue.
func (s *Synchronizer) AddPlotSinkQueue(name string, q *queue.Bounded) error {
	return s.addReg(&s.plotSinks, name, q)
}

func (s *Synchronizer) addReg(list *[]sinkReg, name string, q *queue.Bounded) error {
	s.lifecycleMu.Lock()
	running := s.started
	s.lifecycleMu.Unlock()
	if running {
		return errors.Trace(cerror.ErrSessionRunning)
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()
	for _, r := range *list {
		if r.queue == q {
			return errors.Trace(cerror.ErrSinkAlreadyRegistered)
		}
	}
	*list = append(*list, sinkReg{name: name, queue: q})
	return nil
}

// EnqueuePacket admits a producer sample packet into the ingestion queue.
// Never blocks; if no session is running the packet is silently dropped,
// matching the producer contract that EnqueuePacket never blocks or errors
// regardless of synchronizer state.
func (s *Synchronizer) EnqueuePacket(deviceTS float64, deviceName string, channels []model.ChannelValue) {
	s.lifecycleMu.Lock()
	q := s.ingestQueue
	s.lifecycleMu.Unlock()
	if q == nil {
		return
	}
	if q.Put(ingestItem{kind: ingestSample, sample: model.Sample{DeviceTS: deviceTS, DeviceName: deviceName, Channels: channels}}) {
		metrics.IngestionDrops.Inc()
	}
}

// SetEvent quantizes now to the grid, forwards key to the Event bus (which
// applies the sticky toggle-back rule and broadcasts synchronously to bus
// subscribers), then replays the resolved transition through the consumer's
// in-band queue so data sinks see it ordered against concurrent samples.
// Returns the (new, prev) pair the bus resolved; ("", "") if the bus is
// disabled or key is unmapped.
func (s *Synchronizer) SetEvent(key, source string) (newLabel, prevLabel string) {
	newLabel, prevLabel = s.eventBus.SetEvent(key, source)
	if newLabel == "" && prevLabel == "" {
		return newLabel, prevLabel
	}
	s.enqueueMarker(ingestEvent, model.Payload{
		Kind:      model.KindEvent,
		Label:     newLabel,
		PrevLabel: prevLabel,
		Source:    source,
	})
	return newLabel, prevLabel
}

// TriggerSpike quantizes now to the grid, forwards key to the Spike bus
// (stateless), then replays the resolved label through the consumer's
// in-band queue. Returns ("", false) if the bus is disabled or key is
// unmapped.
func (s *Synchronizer) TriggerSpike(key, source string) (label string, ok bool) {
	label, ok = s.spikeBus.SetSpike(key, source)
	if !ok {
		return "", false
	}
	s.enqueueMarker(ingestSpike, model.Payload{
		Kind:   model.KindSpike,
		Label:  label,
		Source: source,
	})
	return label, true
}

func (s *Synchronizer) enqueueMarker(kind ingestKind, payload model.Payload) {
	s.lifecycleMu.Lock()
	q := s.ingestQueue
	delta := s.delta
	decimals := s.decimals
	epoch := s.hostEpoch
	s.lifecycleMu.Unlock()
	if q == nil {
		return
	}

	hostRelTS := time.Since(epoch).Seconds()
	k, tq := grid.Quantize(hostRelTS, delta, decimals)
	payload.K = k
	payload.TQ = tq

	q.Put(ingestItem{kind: kind, payload: payload})
}

// consume is the single consumer goroutine launched by StartSession. It
// polls the ingestion queue with a bounded timeout so it can observe the
// stop flag promptly without busy-spinning.
func (s *Synchronizer) consume() {
	for {
		if s.stopFlag.Load() {
			return
		}
		item, ok := s.ingestQueue.Get(250 * time.Millisecond)
		if !ok {
			continue
		}
		s.handleItem(item)
	}
}

func (s *Synchronizer) handleItem(item ingestItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("synchronizer consumer recovered from panic, continuing", zap.Any("panic", r))
		}
	}()

	switch item.kind {
	case ingestSample:
		s.handleSample(item.sample)
	case ingestEvent, ingestSpike:
		s.emitToSinks(item.payload)
		s.emitToPlotSinks(item.payload)
	}
}

// handleSample maps a producer packet onto host time via the device's
// anchor, quantizes it to (k, t_q), and fans the resulting payload out.
func (s *Synchronizer) handleSample(sample model.Sample) {
	hostRelTS := s.mapToHost(sample.DeviceName, sample.DeviceTS)
	k, tq := grid.Quantize(hostRelTS, s.delta, s.decimals)

	payload := model.Payload{
		Kind:     model.KindSample,
		TQ:       tq,
		K:        k,
		Device:   sample.DeviceName,
		Channels: sample.Channels,
	}
	s.emitToSinks(payload)
	s.emitToPlotSinks(payload)
}

// mapToHost maps deviceTS onto host-relative seconds through that device's
// anchor, resetting the anchor on backward clock motion.
// Consumer-goroutine-exclusive: no locking.
func (s *Synchronizer) mapToHost(device string, deviceTS float64) float64 {
	a, ok := s.anchors[device]
	if !ok {
		hostRel := time.Since(s.hostEpoch).Seconds()
		s.anchors[device] = &deviceAnchor{firstDeviceTS: deviceTS, hostTSAtFirst: hostRel, lastDeviceTS: deviceTS}
		return hostRel
	}
	if deviceTS < a.lastDeviceTS {
		hostRel := time.Since(s.hostEpoch).Seconds()
		a.epoch++
		log.Warn("device clock moved backward, resetting anchor",
			zap.String("device", device),
			zap.Float64("device-ts", deviceTS),
			zap.Float64("last-device-ts", a.lastDeviceTS),
			zap.Uint64("epoch", a.epoch))
		metrics.DeviceAnchorResets.WithLabelValues(device).Inc()
		a.firstDeviceTS = deviceTS
		a.hostTSAtFirst = hostRel
		a.lastDeviceTS = deviceTS
		return hostRel
	}
	a.lastDeviceTS = deviceTS
	return a.hostTSAtFirst + (deviceTS - a.firstDeviceTS)
}

func (s *Synchronizer) emitToSinks(payload model.Payload) {
	s.regMu.Lock()
	sinks := s.sinks
	s.regMu.Unlock()
	for _, r := range sinks {
		if !r.queue.TryPut(payload) {
			metrics.SinkDrops.WithLabelValues(r.name).Inc()
		}
	}
}

// emitToPlotSinks applies plot decimation to sample payloads only; events
// and spikes always bypass decimation so markers are never dropped from the
// live plot.
func (s *Synchronizer) emitToPlotSinks(payload model.Payload) {
	if payload.Kind == model.KindSample && !s.shouldForwardToPlot(payload.Device, payload.K) {
		return
	}

	s.regMu.Lock()
	plotSinks := s.plotSinks
	s.regMu.Unlock()
	for _, r := range plotSinks {
		if !r.queue.TryPut(payload) {
			metrics.PlotSinkDrops.WithLabelValues(r.name).Inc()
		}
	}
}

// shouldForwardToPlot decides whether sample k for device is due at the
// plot decimation rate. All channels of one packet share a single k, so a
// per-(device, channel) cursor collapses to a per-device one without losing
// anything: the forward/drop decision is made once per whole payload, not
// once per channel inside it.
func (s *Synchronizer) shouldForwardToPlot(device string, k int64) bool {
	if s.plotDecimateHz <= 0 {
		return true
	}
	binWidth := int64(math.Ceil(1 / (s.delta * s.plotDecimateHz)))
	if binWidth < 1 {
		binWidth = 1
	}
	last, seen := s.lastEmittedK[device]
	if !seen || k-last >= binWidth {
		s.lastEmittedK[device] = k
		return true
	}
	return false
}
