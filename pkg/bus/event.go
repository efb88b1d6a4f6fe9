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

// Package bus implements two marker buses: a sticky Event bus and a
// stateless Spike bus. Both snapshot their subscribers under a mutex and
// then call each callback synchronously with the mutex released, with
// subscription by opaque handle (Subscribe/Unsubscribe); a subscriber panic
// is caught and never escapes the bus.
package bus

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// SubscriptionID is the opaque handle returned by Subscribe.
type SubscriptionID uint64

// EventHandler observes a sticky-event transition.
type EventHandler func(now time.Time, newLabel, prevLabel, source string)

// EventBus is the sticky-state marker bus. Its current label persists until
// changed; SetEvent applies the toggle-back rule.
type EventBus struct {
	mu           sync.Mutex
	keys         []string          // ordered keys, first is the default
	keymap       map[string]string // key -> label
	currentLabel string
	lastChange   time.Time
	enabled      bool
	subs         map[SubscriptionID]EventHandler
	nextSubID    SubscriptionID
	warnedOnce   map[string]struct{}
}

// NewEventBus builds a bus from an ordered key->label keymap (EVENT_KEYMAP).
// keys supplies iteration order since Go maps have none; keys[0] is the
// default sticky label, matching the first declared EVENT_KEYMAP entry.
func NewEventBus(keys []string, keymap map[string]string, enabled bool) *EventBus {
	defaultLabel := ""
	if len(keys) > 0 {
		defaultLabel = keymap[keys[0]]
	}
	return &EventBus{
		keys:         keys,
		keymap:       keymap,
		currentLabel: defaultLabel,
		enabled:      enabled,
		subs:         make(map[SubscriptionID]EventHandler),
		warnedOnce:   make(map[string]struct{}),
	}
}

// DefaultLabel returns the label a fresh session starts with.
func (b *EventBus) DefaultLabel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.keys) == 0 {
		return ""
	}
	return b.keymap[b.keys[0]]
}

// CurrentLabel returns the sticky label currently in effect.
func (b *EventBus) CurrentLabel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLabel
}

// Subscribe registers h for every future transition and returns a handle for
// Unsubscribe.
func (b *EventBus) Subscribe(h EventHandler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = h
	return id
}

// Unsubscribe removes a subscription. Safe to call with an unknown/removed
// id (no-op).
func (b *EventBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SetEvent resolves key through the keymap and applies the toggle-back rule:
// if the resolved label equals the current label, the bus reverts to the
// default label; otherwise it adopts the resolved label. Returns the
// (new, previous) label pair. If the bus is disabled, or key is unmapped,
// state is left untouched and ("", "") is returned.
func (b *EventBus) SetEvent(key, source string) (newLabel, prevLabel string) {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		log.Warn("event bus disabled, ignoring set_event", zap.String("key", key), zap.String("source", source))
		return "", ""
	}
	label, ok := b.keymap[key]
	if !ok {
		_, warned := b.warnedOnce[key]
		if !warned {
			b.warnedOnce[key] = struct{}{}
			b.mu.Unlock()
			log.Warn("unmapped event key, ignoring", zap.String("key", key), zap.String("source", source))
		} else {
			b.mu.Unlock()
		}
		return "", ""
	}

	prev := b.currentLabel
	next := label
	if label == b.currentLabel {
		next = b.keymap[b.keys[0]]
	}
	b.currentLabel = next
	b.lastChange = time.Now()
	handlers := b.snapshotHandlers()
	b.mu.Unlock()

	b.broadcast(handlers, time.Now(), next, prev, source)
	return next, prev
}

// AnnounceChangeAt broadcasts an already-resolved transition at an
// externally supplied time without touching sticky state. The synchronizer
// uses this to replay a transition through the consumer loop so event
// ordering with concurrent samples is preserved.
func (b *EventBus) AnnounceChangeAt(at time.Time, newLabel, prevLabel, source string) {
	b.mu.Lock()
	handlers := b.snapshotHandlers()
	b.mu.Unlock()
	b.broadcast(handlers, at, newLabel, prevLabel, source)
}

func (b *EventBus) snapshotHandlers() []EventHandler {
	out := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		out = append(out, h)
	}
	return out
}

func (b *EventBus) broadcast(handlers []EventHandler, at time.Time, newLabel, prevLabel, source string) {
	for _, h := range handlers {
		safeCall(h, at, newLabel, prevLabel, source)
	}
}

func safeCall(h EventHandler, at time.Time, newLabel, prevLabel, source string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event bus subscriber panicked", zap.Any("panic", r))
		}
	}()
	h(at, newLabel, prevLabel, source)
}
