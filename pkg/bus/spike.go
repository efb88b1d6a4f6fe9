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

package bus

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// SpikeHandler observes a one-shot spike broadcast.
type SpikeHandler func(now time.Time, label, source string)

// SpikeBus is the stateless one-shot marker bus (component C). Unlike
// EventBus it holds no persistent label; every call is an independent
// broadcast.
type SpikeBus struct {
	mu         sync.Mutex
	keymap     map[string]string
	enabled    bool
	subs       map[SubscriptionID]SpikeHandler
	nextSubID  SubscriptionID
	warnedOnce map[string]struct{}
}

// NewSpikeBus builds a bus from the SPIKE_KEYMAP configuration key.
func NewSpikeBus(keymap map[string]string, enabled bool) *SpikeBus {
	return &SpikeBus{
		keymap:     keymap,
		enabled:    enabled,
		subs:       make(map[SubscriptionID]SpikeHandler),
		warnedOnce: make(map[string]struct{}),
	}
}

// Subscribe registers h for future spikes.
func (b *SpikeBus) Subscribe(h SpikeHandler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = h
	return id
}

// Unsubscribe removes a subscription; unknown ids are a no-op.
func (b *SpikeBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SetSpike resolves key through the keymap and broadcasts the label to every
// subscriber. ok is false if the bus is disabled or key is unmapped, in
// which case nothing is broadcast.
func (b *SpikeBus) SetSpike(key, source string) (label string, ok bool) {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		log.Warn("spike bus disabled, ignoring trigger_spike", zap.String("key", key), zap.String("source", source))
		return "", false
	}
	label, ok = b.keymap[key]
	if !ok {
		_, warned := b.warnedOnce[key]
		if !warned {
			b.warnedOnce[key] = struct{}{}
			b.mu.Unlock()
			log.Warn("unmapped spike key, ignoring", zap.String("key", key), zap.String("source", source))
		} else {
			b.mu.Unlock()
		}
		return "", false
	}
	handlers := b.snapshotHandlers()
	b.mu.Unlock()

	now := time.Now()
	b.broadcast(handlers, now, label, source)
	return label, true
}

// AnnounceAt replays an already-resolved spike label at an externally
// supplied time, without re-resolving the keymap. The synchronizer uses this
// to route a spike through the consumer loop at its quantized instant.
func (b *SpikeBus) AnnounceAt(at time.Time, label, source string) {
	b.mu.Lock()
	handlers := b.snapshotHandlers()
	b.mu.Unlock()
	b.broadcast(handlers, at, label, source)
}

func (b *SpikeBus) snapshotHandlers() []SpikeHandler {
	out := make([]SpikeHandler, 0, len(b.subs))
	for _, h := range b.subs {
		out = append(out, h)
	}
	return out
}

func (b *SpikeBus) broadcast(handlers []SpikeHandler, at time.Time, label, source string) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("spike bus subscriber panicked", zap.Any("panic", r))
				}
			}()
			h(at, label, source)
		}()
	}
}
