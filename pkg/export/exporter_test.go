package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MMSPLAB/eesync/pkg/model"
	"github.com/MMSPLAB/eesync/pkg/queue"
)

func newTestExporter(t *testing.T, schema []string, fsMax float64, cfg Config) (*Exporter, *queue.Bounded) {
	t.Helper()
	dir := t.TempDir()
	if cfg.SignalDir == "" {
		cfg.SignalDir = dir
	}
	if cfg.MarkerDir == "" {
		cfg.MarkerDir = dir
	}
	cfg.SignalEnable = true
	cfg.MarkerEnable = true
	e, err := New(schema, fsMax, "REST", cfg)
	require.NoError(t, err)
	q := queue.NewBounded("export", 256)
	require.NoError(t, e.Start(q))
	return e, q
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func (e *Exporter) signalPath() string {
	return filepath.Join(e.cfg.SignalDir, "synced_"+e.sessionID+".csv")
}

func (e *Exporter) markerPath() string {
	return filepath.Join(e.cfg.MarkerDir, "markers_"+e.sessionID+".csv")
}

func TestExporterWithholdsRowsInsideLookaheadWindow(t *testing.T) {
	e, q := newTestExporter(t, []string{"A:ch"}, 100, Config{
		LookaheadSec:     0.03, // 3 rows at 100Hz
		FlushPeriodSec:   0.03,
		IdleWatermarkSec: 10,
	})

	for k := int64(0); k <= 2; k++ {
		q.TryPut(model.Payload{Kind: model.KindSample, K: k, TQ: float64(k) * 0.01, Device: "A",
			Channels: []model.ChannelValue{{Name: "ch", Value: float64(k)}}})
	}
	time.Sleep(100 * time.Millisecond) // kSeenMax=2, commit_until(2-3=-1): nothing committed yet

	rows := readCSV(t, e.signalPath())
	require.Len(t, rows, 1, "only the header should be flushed while every row is inside the lookahead window")

	q.TryPut(model.Payload{Kind: model.KindSample, K: 3, TQ: 0.03, Device: "A",
		Channels: []model.ChannelValue{{Name: "ch", Value: 3}}})
	time.Sleep(100 * time.Millisecond) // kSeenMax=3, commit_until(0): k=0 now committable

	require.NoError(t, e.Stop())
	rows = readCSV(t, e.signalPath())
	require.Len(t, rows, 5) // header + k=0..3, the rest finalized by Stop
}

func TestExporterIdleWatermarkFinalizesOpenRows(t *testing.T) {
	e, q := newTestExporter(t, []string{"A:ch"}, 100, Config{
		LookaheadSec:     0.1, // 10 rows
		FlushPeriodSec:   0.05,
		IdleWatermarkSec: 0.2,
	})

	for k := int64(0); k <= 4; k++ {
		q.TryPut(model.Payload{Kind: model.KindSample, K: k, TQ: float64(k) * 0.01, Device: "A",
			Channels: []model.ChannelValue{{Name: "ch", Value: float64(k)}}})
	}
	time.Sleep(400 * time.Millisecond) // past idle watermark, well before Stop
	require.NoError(t, e.Stop())

	rows := readCSV(t, e.signalPath())
	require.Len(t, rows, 6) // header + 5 rows, all committed despite lookahead=10
}

func TestExporterMissingChannelIsEmptyCell(t *testing.T) {
	e, q := newTestExporter(t, []string{"A:ch1", "A:ch2"}, 100, Config{
		LookaheadSec: 0, FlushPeriodSec: 0.05, IdleWatermarkSec: 10,
	})
	q.TryPut(model.Payload{Kind: model.KindSample, K: 0, TQ: 0, Device: "A",
		Channels: []model.ChannelValue{{Name: "ch1", Value: 1.5}, {Name: "ch2", Missing: true}}})
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, e.Stop())

	rows := readCSV(t, e.signalPath())
	require.Equal(t, []string{"t_q", "A:ch1", "A:ch2", "spike", "event"}, rows[0])
	require.Equal(t, "1.500", rows[1][1])
	require.Equal(t, "", rows[1][2])
}

func TestExporterEventOverrideAdvancesStickyAndFirstRowForcesDefault(t *testing.T) {
	e, q := newTestExporter(t, []string{"A:ch"}, 100, Config{
		LookaheadSec: 0, FlushPeriodSec: 0.05, IdleWatermarkSec: 10,
	})
	q.TryPut(model.Payload{Kind: model.KindSample, K: 0, TQ: 0, Device: "A",
		Channels: []model.ChannelValue{{Name: "ch", Value: 1}}})
	q.TryPut(model.Payload{Kind: model.KindEvent, K: 0, TQ: 0, Label: "TASK", PrevLabel: "REST", Source: "keyboard"})
	q.TryPut(model.Payload{Kind: model.KindSample, K: 1, TQ: 0.01, Device: "A",
		Channels: []model.ChannelValue{{Name: "ch", Value: 2}}})
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, e.Stop())

	rows := readCSV(t, e.signalPath())
	require.Equal(t, "REST", rows[1][len(rows[1])-1]) // first row forces default regardless of override
	require.Equal(t, "TASK", rows[2][len(rows[2])-1]) // sticky advanced for subsequent rows

	markers := readCSV(t, e.markerPath())
	require.Equal(t, []string{"t_q", "event", "spike", "source"}, markers[0])
	require.Equal(t, "TASK", markers[1][1])
	require.Equal(t, "keyboard", markers[1][3])
}

func TestExporterLateSpikeOnAlreadyCommittedRowIsMarkerOnly(t *testing.T) {
	e, q := newTestExporter(t, []string{"A:ch"}, 100, Config{
		LookaheadSec: 0, FlushPeriodSec: 0.05, IdleWatermarkSec: 10,
	})
	q.TryPut(model.Payload{Kind: model.KindSample, K: 0, TQ: 0, Device: "A",
		Channels: []model.ChannelValue{{Name: "ch", Value: 1}}})
	time.Sleep(100 * time.Millisecond) // row for k=0 commits (lookahead=0)

	q.TryPut(model.Payload{Kind: model.KindSpike, K: 0, TQ: 0, Label: "BLINK", Source: "demo"})
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, e.Stop())

	rows := readCSV(t, e.signalPath())
	require.Equal(t, "", rows[1][2]) // spike column on the already-committed row is untouched

	markers := readCSV(t, e.markerPath())
	require.Len(t, markers, 2) // header + one spike-only marker row
	require.Equal(t, "BLINK", markers[1][2])
}

func TestExporterLastWriteWinsOnSameKColumn(t *testing.T) {
	e, q := newTestExporter(t, []string{"A:ch"}, 100, Config{
		LookaheadSec: 0.05, FlushPeriodSec: 0.05, IdleWatermarkSec: 10,
	})
	q.TryPut(model.Payload{Kind: model.KindSample, K: 0, TQ: 0, Device: "A",
		Channels: []model.ChannelValue{{Name: "ch", Value: 1}}})
	q.TryPut(model.Payload{Kind: model.KindSample, K: 0, TQ: 0, Device: "A",
		Channels: []model.ChannelValue{{Name: "ch", Value: 99}}})
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, e.Stop())

	rows := readCSV(t, e.signalPath())
	require.Equal(t, "99.000", rows[1][1])
}

func TestExporterFlushRowsDerivedFromFsMaxWhenUnset(t *testing.T) {
	e, err := New([]string{"A:ch"}, 250, "REST", Config{
		LookaheadSec: 0, FlushPeriodSec: 1, IdleWatermarkSec: 5,
		SignalEnable: false, MarkerEnable: false,
	})
	require.NoError(t, err)
	require.Equal(t, 250, e.flushRows) // round(250*1) clamped into [64,2048]
}

func TestExporterFlushRowsClampedToBounds(t *testing.T) {
	e, err := New([]string{"A:ch"}, 1, "REST", Config{
		LookaheadSec: 0, FlushPeriodSec: 1, IdleWatermarkSec: 5,
		SignalEnable: false, MarkerEnable: false,
	})
	require.NoError(t, err)
	require.Equal(t, 64, e.flushRows) // round(1*1)=1, clamped up to the 64 floor
}
