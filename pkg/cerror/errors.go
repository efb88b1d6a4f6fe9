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

// Package cerror holds the sentinel errors shared across the acquisition
// pipeline, so callers can branch on errors.Cause(err) instead of
// string-matching.
package cerror

import "github.com/pingcap/errors"

var (
	// ErrAlreadyStarted is returned by StartSession when called twice on the
	// same Synchronizer.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotStarted marks an operation that needs a running session. The
	// Synchronizer does not return it: EnqueuePacket and the marker calls
	// silently do nothing when no session has been started.
	ErrNotStarted = errors.New("session not started")
	// ErrQueueClosed marks use of a closed queue. pkg/queue.Bounded does not
	// return it: Put/TryPut/Get report a closed queue through their boolean
	// results.
	ErrQueueClosed = errors.New("queue closed")
	// ErrWouldBlock marks a non-blocking put against a full queue.
	// pkg/queue.Bounded does not return it: Put drops the oldest element and
	// TryPut returns false.
	ErrWouldBlock = errors.New("would block")
	// ErrFilterSpecInvalid marks an invalid filter design input. pkg/filter's
	// band-pass validation reports plain errors that do not wrap it, and
	// DesignSOS degrades to an identity cascade instead of returning an
	// error to the acquisition thread.
	ErrFilterSpecInvalid = errors.New("invalid filter spec")
	// ErrSinkAlreadyRegistered is returned by AddSinkQueue/AddPlotSinkQueue
	// when the same queue identity is registered twice.
	ErrSinkAlreadyRegistered = errors.New("sink already registered")
	// ErrConfigInvalid marks a malformed or missing configuration value.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrDeviceStartFailed marks a device/producer startup failure, fatal at
	// the orchestrator level.
	ErrDeviceStartFailed = errors.New("device startup failed")
	// ErrSessionRunning is returned by AddSinkQueue/AddPlotSinkQueue when
	// called while a session is active; registration is only valid before
	// StartSession or between sessions.
	ErrSessionRunning = errors.New("cannot register sink while session is running")
)
