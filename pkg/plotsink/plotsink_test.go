package plotsink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MMSPLAB/eesync/pkg/model"
	"github.com/MMSPLAB/eesync/pkg/queue"
)

func TestReaderDispatchesByPayloadKind(t *testing.T) {
	q := queue.NewBounded("plot", 8)
	var sampleSeen, eventSeen, spikeSeen bool
	r := NewReader(q).
		OnSample(func(model.Payload) { sampleSeen = true }).
		OnEvent(func(model.Payload) { eventSeen = true }).
		OnSpike(func(model.Payload) { spikeSeen = true })

	q.TryPut(model.Payload{Kind: model.KindSample})
	require.True(t, r.Pump(time.Second))
	require.True(t, sampleSeen)

	q.TryPut(model.Payload{Kind: model.KindEvent})
	require.True(t, r.Pump(time.Second))
	require.True(t, eventSeen)

	q.TryPut(model.Payload{Kind: model.KindSpike})
	require.True(t, r.Pump(time.Second))
	require.True(t, spikeSeen)
}

func TestReaderMissingCallbackDiscardsSilently(t *testing.T) {
	q := queue.NewBounded("plot", 8)
	r := NewReader(q)
	q.TryPut(model.Payload{Kind: model.KindSample})
	require.NotPanics(t, func() {
		require.True(t, r.Pump(time.Second))
	})
}

func TestReaderPumpTimesOutTrueWhenOpen(t *testing.T) {
	q := queue.NewBounded("plot", 8)
	r := NewReader(q)
	require.True(t, r.Pump(10*time.Millisecond))
}

func TestReaderPumpFalseAfterClose(t *testing.T) {
	q := queue.NewBounded("plot", 8)
	r := NewReader(q)
	q.Close()
	require.False(t, r.Pump(10*time.Millisecond))
}
