package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func restSpikeKeymap() map[string]string {
	return map[string]string{"s": "BLINK", "b": "BUMP"}
}

func TestSpikeBusBroadcasts(t *testing.T) {
	b := NewSpikeBus(restSpikeKeymap(), true)
	var gotLabel, gotSource string
	b.Subscribe(func(now time.Time, label, source string) {
		gotLabel, gotSource = label, source
	})

	label, ok := b.SetSpike("s", "keyboard")
	require.True(t, ok)
	require.Equal(t, "BLINK", label)
	require.Equal(t, "BLINK", gotLabel)
	require.Equal(t, "keyboard", gotSource)
}

func TestSpikeBusDisabled(t *testing.T) {
	b := NewSpikeBus(restSpikeKeymap(), false)
	_, ok := b.SetSpike("s", "keyboard")
	require.False(t, ok)
}

func TestSpikeBusUnmappedKey(t *testing.T) {
	b := NewSpikeBus(restSpikeKeymap(), true)
	_, ok := b.SetSpike("nope", "keyboard")
	require.False(t, ok)
}

func TestSpikeBusIsStateless(t *testing.T) {
	b := NewSpikeBus(restSpikeKeymap(), true)
	label1, _ := b.SetSpike("s", "a")
	label2, _ := b.SetSpike("s", "b")
	require.Equal(t, label1, label2)
}

func TestSpikeBusAnnounceAtBroadcastsToSubscribers(t *testing.T) {
	b := NewSpikeBus(restSpikeKeymap(), true)
	var gotAt time.Time
	var gotLabel, gotSource string
	b.Subscribe(func(now time.Time, label, source string) {
		gotAt, gotLabel, gotSource = now, label, source
	})

	at := time.Now().Add(-time.Second)
	b.AnnounceAt(at, "BLINK", "replay")
	require.True(t, gotAt.Equal(at))
	require.Equal(t, "BLINK", gotLabel)
	require.Equal(t, "replay", gotSource)
}

func TestSpikeBusAnnounceAtSkipsKeymapResolution(t *testing.T) {
	b := NewSpikeBus(restSpikeKeymap(), true)
	var gotLabel string
	b.Subscribe(func(now time.Time, label, source string) {
		gotLabel = label
	})

	b.AnnounceAt(time.Now(), "UNMAPPED_LABEL", "replay")
	require.Equal(t, "UNMAPPED_LABEL", gotLabel)
}
