package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDesignSOSIsMemoized(t *testing.T) {
	spec := Spec{BandPass: &BandPass{Order: 2, LowHz: 1, HighHz: 40}}
	c1 := DesignSOS("gsr", 250, spec)
	c2 := DesignSOS("gsr", 250, spec)
	require.Same(t, c1, c2)
}

func TestDesignSOSBothDisabledIsIdentity(t *testing.T) {
	c := DesignSOS("raw", 250, Spec{})
	require.True(t, c.IsIdentity())
}

func TestDesignSOSInvalidBandEdgesDegradesToIdentity(t *testing.T) {
	c := DesignSOS("bad", 100, Spec{BandPass: &BandPass{Order: 2, LowHz: 60, HighHz: 10}})
	require.True(t, c.IsIdentity())
}

func TestDesignSOSBuildOrderNotchBeforeBandPass(t *testing.T) {
	spec := Spec{
		Notch:    &Notch{FreqHz: 50, Q: 30},
		BandPass: &BandPass{Order: 2, LowHz: 1, HighHz: 40},
	}
	c := DesignSOS("gsr", 250, spec)
	require.Len(t, c.Sections, 3) // 1 notch + 2 band-pass sections
}

func TestDesignSOSClampsInvalidNotchFrequency(t *testing.T) {
	spec := Spec{Notch: &Notch{FreqHz: 55, Q: 30}}
	c := DesignSOS("clamped", 250, spec)
	require.Len(t, c.Sections, 1)
}

func TestStreamingSOSPassesThroughMissingWithoutAdvancingState(t *testing.T) {
	spec := Spec{Notch: &Notch{FreqHz: 50, Q: 30}}
	cascade := DesignSOS("ecg", 250, spec)

	withGap := NewStreamingSOS(cascade, "deviceA:ecg")
	v1, m1 := withGap.Apply(1.0, false)
	require.False(t, m1)
	v2, m2 := withGap.Apply(0, true)
	require.True(t, m2)
	require.Equal(t, 0.0, v2)
	v3, _ := withGap.Apply(1.0, false)

	withoutGap := NewStreamingSOS(cascade, "deviceA:ecg")
	w1, _ := withoutGap.Apply(1.0, false)
	w2, _ := withoutGap.Apply(1.0, false)

	require.Equal(t, v1, w1)
	require.Equal(t, v3, w2)
}

func TestStreamingSOSIdentityCascadeIsPassThrough(t *testing.T) {
	cascade := DesignSOS("raw", 250, Spec{})
	s := NewStreamingSOS(cascade, "deviceA:raw")
	v, m := s.Apply(3.14, false)
	require.False(t, m)
	require.Equal(t, 3.14, v)
}

func TestStreamingSOSResetRezeroesState(t *testing.T) {
	spec := Spec{Notch: &Notch{FreqHz: 50, Q: 30}}
	cascade := DesignSOS("eeg", 250, spec)
	s := NewStreamingSOS(cascade, "deviceA:eeg")
	s.Apply(1.0, false)
	s.Apply(1.0, false)
	s.Reset()

	fresh := NewStreamingSOS(cascade, "deviceA:eeg")
	v1, _ := s.Apply(1.0, false)
	v2, _ := fresh.Apply(1.0, false)
	require.Equal(t, v2, v1)
}

func TestCascadeSharedAcrossInstancesZiIndependent(t *testing.T) {
	spec := Spec{Notch: &Notch{FreqHz: 50, Q: 30}}
	cascade := DesignSOS("shared", 250, spec)

	s1 := NewStreamingSOS(cascade, "dev1:ch")
	s2 := NewStreamingSOS(cascade, "dev2:ch")
	s1.Apply(5.0, false)
	s1.Apply(5.0, false)

	v2, _ := s2.Apply(5.0, false)
	fresh := NewStreamingSOS(cascade, "fresh")
	vFresh, _ := fresh.Apply(5.0, false)
	require.Equal(t, vFresh, v2)
}
