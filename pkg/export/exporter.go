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

// Package export implements the exporter: a single worker that reads
// quantized payloads from its sink queue, assembles wide CSV rows keyed by
// grid index k, and tolerates minor reordering via a lookahead window
// before committing a row permanently. Buffered-writer and periodic-flush
// shape follows etalazz-vsa's SBatchFileSink
// (internal/sinks/sbatch_file_sink.go); the worker-goroutine-plus-stop-flag
// shape matches the synchronizer's consumer loop.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MMSPLAB/eesync/pkg/grid"
	"github.com/MMSPLAB/eesync/pkg/metrics"
	"github.com/MMSPLAB/eesync/pkg/model"
	"github.com/MMSPLAB/eesync/pkg/queue"
)

// Config is the exporter's construction-time configuration.
type Config struct {
	LookaheadSec     float64
	FlushPeriodSec   float64
	FlushRows        int
	IdleWatermarkSec float64
	SignalEnable     bool
	MarkerEnable     bool
	IncludeKColumn   bool
	SignalDir        string
	MarkerDir        string
}

// openRow is one not-yet-committed grid index's accumulated state. Ordered
// in a btree.BTree keyed by k so commitUntil can walk ascending k without a
// sort on every checkpoint.
type openRow struct {
	k        int64
	tq       float64
	channels []float64
	present  []bool
	spike    string
	hasSpike bool
}

func (r *openRow) Less(than btree.Item) bool {
	return r.k < than.(*openRow).k
}

// Exporter is component E. One instance serves one session: construct,
// Start, feed payloads via the queue passed to Start, Stop.
type Exporter struct {
	schema      []string
	columnIndex map[string]int
	fsMax       float64
	delta       float64
	decimals    int

	lookaheadRows int64
	flushPeriod   time.Duration
	flushRows     int
	idleWatermark time.Duration

	cfg       Config
	sessionID string

	queue *queue.Bounded

	// Worker-goroutine-exclusive state; the worker is single-instanced per
	// session so none of this needs a mutex.
	openRows             *btree.BTree
	pendingEventOverride map[int64]string
	kSeenMax             int64
	haveSeen             bool
	stickyEvent          string
	defaultEvent         string
	emittedDefaultRow    bool
	rowsSinceFlush       int
	lastFlush            time.Time
	lastPacket           time.Time
	idleFired            bool

	signalFile *os.File
	signalBuf  *bufio.Writer
	signalCSV  *csv.Writer
	markerFile *os.File
	markerBuf  *bufio.Writer
	markerCSV  *csv.Writer

	stopFlag atomic.Bool
	group    *errgroup.Group
}

// New builds an Exporter. schema is the ordered, deduplicated
// "device:channel" column list collected from the enabled devices'
// configuration. defaultEvent is the sticky event bus's default label,
// emitted unconditionally on the first committed row.
func New(schema []string, fsMax float64, defaultEvent string, cfg Config) (*Exporter, error) {
	if fsMax <= 0 {
		return nil, errors.New("exporter: fs_max must be > 0")
	}
	delta := 1 / fsMax
	decimals := grid.ComputeDecimals(delta)

	lookaheadRows := int64(math.Max(0, math.Round(cfg.LookaheadSec*fsMax)))
	flushRows := cfg.FlushRows
	if flushRows <= 0 {
		flushRows = int(math.Round(fsMax * cfg.FlushPeriodSec))
		if flushRows < 64 {
			flushRows = 64
		}
		if flushRows > 2048 {
			flushRows = 2048
		}
	}

	columnIndex := make(map[string]int, len(schema))
	for i, c := range schema {
		columnIndex[c] = i
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Annotate(err, "failed to generate session id")
	}

	return &Exporter{
		schema:      schema,
		columnIndex: columnIndex,
		fsMax:       fsMax,
		delta:       delta,
		decimals:    decimals,

		lookaheadRows: lookaheadRows,
		flushPeriod:   time.Duration(cfg.FlushPeriodSec * float64(time.Second)),
		flushRows:     flushRows,
		idleWatermark: time.Duration(cfg.IdleWatermarkSec * float64(time.Second)),

		cfg:       cfg,
		sessionID: id.String(),

		openRows:             btree.New(32),
		pendingEventOverride: make(map[int64]string),
		stickyEvent:          defaultEvent,
		defaultEvent:         defaultEvent,
	}, nil
}

// SessionID returns the UUID used in this session's output file names.
func (e *Exporter) SessionID() string {
	return e.sessionID
}

func (e *Exporter) signalHeader() []string {
	h := make([]string, 0, 3+len(e.schema))
	if e.cfg.IncludeKColumn {
		h = append(h, "k")
	}
	h = append(h, "t_q")
	h = append(h, e.schema...)
	h = append(h, "spike", "event")
	return h
}

// Start opens the output CSVs (per the enabled gates) and launches the
// single worker goroutine that reads from q.
func (e *Exporter) Start(q *queue.Bounded) error {
	if e.cfg.SignalEnable {
		path := filepath.Join(e.cfg.SignalDir, fmt.Sprintf("synced_%s.csv", e.sessionID))
		f, err := os.Create(path)
		if err != nil {
			return errors.Annotate(err, "failed to create signal csv")
		}
		e.signalFile = f
		e.signalBuf = bufio.NewWriterSize(f, 1<<20)
		e.signalCSV = csv.NewWriter(e.signalBuf)
		if err := e.signalCSV.Write(e.signalHeader()); err != nil {
			return errors.Annotate(err, "failed to write signal header")
		}
	}
	if e.cfg.MarkerEnable {
		path := filepath.Join(e.cfg.MarkerDir, fmt.Sprintf("markers_%s.csv", e.sessionID))
		f, err := os.Create(path)
		if err != nil {
			return errors.Annotate(err, "failed to create marker csv")
		}
		e.markerFile = f
		e.markerBuf = bufio.NewWriterSize(f, 1<<16)
		e.markerCSV = csv.NewWriter(e.markerBuf)
		if err := e.markerCSV.Write([]string{"t_q", "event", "spike", "source"}); err != nil {
			return errors.Annotate(err, "failed to write marker header")
		}
	}

	e.queue = q
	e.lastFlush = time.Now()
	e.lastPacket = time.Now()
	e.stopFlag.Store(false)

	g, _ := errgroup.WithContext(context.Background())
	e.group = g
	g.Go(func() error {
		e.run()
		return nil
	})
	return nil
}

// Stop signals the worker, joins it, and closes output files. Safe to call
// once after a successful Start.
func (e *Exporter) Stop() error {
	e.stopFlag.Store(true)
	e.queue.Close()
	_ = e.group.Wait()
	return e.closeFiles()
}

func (e *Exporter) closeFiles() error {
	var firstErr error
	if e.signalFile != nil {
		if err := e.signalFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.markerFile != nil {
		if err := e.markerFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Exporter) run() {
	for {
		if e.stopFlag.Load() {
			e.commitUntil(math.MaxInt64)
			e.flushAll()
			return
		}
		v, ok := e.queue.Get(e.flushPeriod)
		if ok {
			e.lastPacket = time.Now()
			e.idleFired = false
			e.handleSafely(v.(model.Payload))
		}
		e.checkpoint()
	}
}

// handleSafely dispatches one payload, catching any panic so a single bad
// row never kills the exporter worker.
func (e *Exporter) handleSafely(p model.Payload) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("exporter worker recovered from panic, continuing", zap.Any("panic", r))
		}
	}()

	switch p.Kind {
	case model.KindSample:
		e.handleSample(p)
	case model.KindEvent:
		e.handleEvent(p)
	case model.KindSpike:
		e.handleSpike(p)
	}
}

func (e *Exporter) observeK(k int64) {
	if !e.haveSeen || k > e.kSeenMax {
		e.kSeenMax = k
		e.haveSeen = true
	}
}

func (e *Exporter) getOrCreateRow(k int64, tq float64) *openRow {
	if item := e.openRows.Get(&openRow{k: k}); item != nil {
		return item.(*openRow)
	}
	row := &openRow{k: k, tq: tq, channels: make([]float64, len(e.schema)), present: make([]bool, len(e.schema))}
	e.openRows.ReplaceOrInsert(row)
	return row
}

func (e *Exporter) handleSample(p model.Payload) {
	row := e.getOrCreateRow(p.K, p.TQ)
	for _, ch := range p.Channels {
		idx, ok := e.columnIndex[p.Device+":"+ch.Name]
		if !ok {
			continue
		}
		if !ch.Missing {
			row.channels[idx] = ch.Value
			row.present[idx] = true
		}
	}
	e.observeK(p.K)
}

func (e *Exporter) handleEvent(p model.Payload) {
	e.writeMarkerRow(p.TQ, p.Label, "", p.Source)
	if e.openRows.Get(&openRow{k: p.K}) == nil && e.haveSeen && p.K <= e.kSeenMax-e.lookaheadRows {
		// k is at or below the commit horizon with no open row: its row has
		// already been written, so the label takes effect from the next row.
		e.stickyEvent = p.Label
	} else {
		e.pendingEventOverride[p.K] = p.Label
	}
	e.observeK(p.K)
}

// handleSpike records the spike in the markers file unconditionally, and
// additionally attaches it to the still-open signal row for k if one
// exists. A spike whose k has already committed (or whose k never produced
// a sample) is marker-only: the signal row cannot be retroactively
// rewritten.
func (e *Exporter) handleSpike(p model.Payload) {
	e.writeMarkerRow(p.TQ, "", p.Label, p.Source)
	if item := e.openRows.Get(&openRow{k: p.K}); item != nil {
		row := item.(*openRow)
		row.spike = p.Label
		row.hasSpike = true
	}
	e.observeK(p.K)
}

// checkpoint runs the periodic steps of the worker loop regardless of
// whether this iteration delivered a payload or timed out.
func (e *Exporter) checkpoint() {
	if e.haveSeen {
		e.commitUntil(e.kSeenMax - e.lookaheadRows)
	}

	now := time.Now()
	if e.rowsSinceFlush >= e.flushRows || now.Sub(e.lastFlush) >= e.flushPeriod {
		e.flushAll()
	}
	if e.haveSeen && !e.idleFired && now.Sub(e.lastPacket) >= e.idleWatermark {
		e.commitUntil(e.kSeenMax)
		e.flushAll()
		log.Warn("exporter idle watermark fired, finalized all open rows",
			zap.Int64("k-seen-max", e.kSeenMax))
		metrics.ExporterIdleWatermarkFired.Inc()
		e.idleFired = true
	}
}

// commitUntil walks open rows in ascending k, materializing and removing
// every row with k <= kCap.
func (e *Exporter) commitUntil(kCap int64) {
	var toCommit []*openRow
	e.openRows.Ascend(func(item btree.Item) bool {
		row := item.(*openRow)
		if row.k > kCap {
			return false
		}
		toCommit = append(toCommit, row)
		return true
	})
	for _, row := range toCommit {
		e.commitRow(row)
		e.openRows.Delete(row)
	}
}

// commitRow resolves the event column and writes one signal CSV row. A
// pending override always advances sticky_event, even on the first row of
// the session, whose displayed event cell is forced to the default label
// regardless.
func (e *Exporter) commitRow(row *openRow) {
	label := e.stickyEvent
	if override, ok := e.pendingEventOverride[row.k]; ok {
		label = override
		e.stickyEvent = override
		delete(e.pendingEventOverride, row.k)
	}
	if !e.emittedDefaultRow {
		label = e.defaultEvent
		e.emittedDefaultRow = true
	}
	e.writeSignalRow(row, label)
}

func (e *Exporter) writeSignalRow(row *openRow, eventLabel string) {
	if !e.cfg.SignalEnable {
		return
	}
	rec := make([]string, 0, 3+len(e.schema))
	if e.cfg.IncludeKColumn {
		rec = append(rec, strconv.FormatInt(row.k, 10))
	}
	rec = append(rec, e.formatFloat(row.tq))
	for i := range e.schema {
		if row.present[i] {
			rec = append(rec, e.formatFloat(row.channels[i]))
		} else {
			rec = append(rec, "")
		}
	}
	if row.hasSpike {
		rec = append(rec, row.spike)
	} else {
		rec = append(rec, "")
	}
	rec = append(rec, eventLabel)

	if err := e.signalCSV.Write(rec); err != nil {
		log.Error("failed to write signal row, dropping", zap.Int64("k", row.k), zap.Error(err))
		return
	}
	e.rowsSinceFlush++
	metrics.ExporterRowsCommitted.Inc()
}

func (e *Exporter) writeMarkerRow(tq float64, event, spike, source string) {
	if !e.cfg.MarkerEnable {
		return
	}
	rec := []string{e.formatFloat(tq), event, spike, source}
	if err := e.markerCSV.Write(rec); err != nil {
		log.Error("failed to write marker row, dropping", zap.Error(err))
	}
}

func (e *Exporter) formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', e.decimals, 64)
}

func (e *Exporter) flushAll() {
	if e.cfg.SignalEnable {
		e.signalCSV.Flush()
		_ = e.signalBuf.Flush()
	}
	if e.cfg.MarkerEnable {
		e.markerCSV.Flush()
		_ = e.markerBuf.Flush()
	}
	e.rowsSinceFlush = 0
	e.lastFlush = time.Now()
}
