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
	"container/list"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultCacheSize = 256

// designCache is a bounded LRU keyed on the canonicalized (sensor, fs, spec)
// tuple: a map for O(1) lookup paired with a doubly linked list tracking
// recency, evicting the least-recently-used entry once bounded.
type designCache struct {
	mu       sync.Mutex
	maxSize  int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key     string
	cascade *Cascade
}

func newDesignCache(maxSize int) *designCache {
	return &designCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *designCache) get(key string) (*Cascade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).cascade, true
}

func (c *designCache) put(key string, cascade *Cascade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).cascade = cascade
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, cascade: cascade})
	c.entries[key] = el
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

var globalCache = newDesignCache(defaultCacheSize)

// DesignSOS memoizes cascade construction across the whole process. Design
// validation errors and unusable notch frequencies never propagate to
// the caller: they are logged and the factory falls back to (or partially
// falls back to) the identity cascade, because the acquisition thread must
// never be killed by a design error.
func DesignSOS(sensorKey string, fs float64, spec Spec) *Cascade {
	notchFreq := 50.0
	if spec.Notch != nil {
		clamped, valid := clampNotchFreq(spec.Notch.FreqHz)
		if !valid {
			log.Warn("invalid notch frequency, clamping to 50Hz",
				zap.String("sensor", sensorKey), zap.Float64("requested-hz", spec.Notch.FreqHz))
		}
		notchFreq = clamped
	}

	key := canonicalKey(sensorKey, fs, spec)
	if cascade, ok := globalCache.get(key); ok {
		return cascade
	}

	if err := spec.validateBandPass(fs); err != nil {
		log.Warn("filter design invalid, degrading to identity cascade",
			zap.String("sensor", sensorKey), zap.Error(err))
		cascade := identityCascade()
		globalCache.put(key, cascade)
		return cascade
	}

	cascade := designCascade(spec, notchFreq, fs)
	globalCache.put(key, cascade)
	return cascade
}
