// Copyright 2025 MMSPLAB. All Rights Reserved.
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

// Package config loads and exposes the recognized device/export/UI
// configuration surface. Layering defaults, environment overrides, and CLI
// flags happens upstream of this package; it only decodes a single TOML
// document via github.com/BurntSushi/toml.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/MMSPLAB/eesync/pkg/cerror"
)

// KeymapEntry is one ordered (key, label) pair of an EVENT_KEYMAP/
// SPIKE_KEYMAP. TOML arrays-of-tables preserve declaration order, which a
// plain map cannot, and the first EVENT_KEYMAP entry is taken as the
// default sticky label.
type KeymapEntry struct {
	Key   string `toml:"key"`
	Label string `toml:"label"`
}

// Keys returns the keymap's keys in declaration order.
func Keys(entries []KeymapEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

// Map returns the keymap as a key->label lookup.
func Map(entries []KeymapEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Label
	}
	return out
}

// SystemConfig gates external collaborators this core does not implement.
type SystemConfig struct {
	CheckDependencies bool `toml:"CHECK_DEPENDENCIES"`
}

// TelemetryConfig configures the rolling window used by external handler
// telemetry counters; the core only stores the value for producers to read.
type TelemetryConfig struct {
	WindowS float64 `toml:"WINDOW_S"`
}

// EventsConfig configures the sticky event bus.
type EventsConfig struct {
	EnableTriggers bool          `toml:"ENABLE_TRIGGERS"`
	EventKeymap    []KeymapEntry `toml:"EVENT_KEYMAP"`
}

// SpikesConfig configures the spike bus.
type SpikesConfig struct {
	EnableTriggers bool          `toml:"ENABLE_TRIGGERS"`
	SpikeKeymap    []KeymapEntry `toml:"SPIKE_KEYMAP"`
}

// OutConfig names the export output directories.
type OutConfig struct {
	SyncedDir  string `toml:"SYNCED_DIR"`
	MarkersDir string `toml:"MARKERS_DIR"`
}

// ExportConfig configures the asynchronous exporter (component E).
type ExportConfig struct {
	Enable           bool      `toml:"EXPORT_ENABLE"`
	CSVSignalEnable  bool      `toml:"CSV_SIGNAL_ENABLE"`
	CSVMarkerEnable  bool      `toml:"CSV_MARKER_ENABLE"`
	LookaheadSec     float64   `toml:"LOOKAHEAD_SEC"`
	FlushPeriodSec   float64   `toml:"FLUSH_PERIOD_SEC"`
	FlushRows        int       `toml:"FLUSH_ROWS"`
	IdleWatermarkSec float64   `toml:"IDLE_WATERMARK_SEC"`
	PrintK           bool      `toml:"PRINT_K"`
	Out              OutConfig `toml:"OUT"`
}

// UIConfig configures the live plotting surface's interface with the core
// (decimation rate only; the plot surface itself is out of scope).
type UIConfig struct {
	PlotDecimateHz float64 `toml:"PLOT_DECIMATE_HZ"`
}

// FilterConfig is one device channel's SOS filter design input, as it
// appears in a device's FILTERS block.
type FilterConfig struct {
	BandPassOrder  int     `toml:"BAND_PASS_ORDER"`
	BandPassLowHz  float64 `toml:"BAND_PASS_LOW_HZ"`
	BandPassHighHz float64 `toml:"BAND_PASS_HIGH_HZ"`
	NotchFreqHz    float64 `toml:"NOTCH_FREQ_HZ"`
	NotchQ         float64 `toml:"NOTCH_Q"`
}

// DeviceConfig is one per-device block. CHANNELS and FILTERS are decoded
// into typed fields; PARAMS is device-driver owned and is preserved
// verbatim as a generic document for that collaborator to interpret.
type DeviceConfig struct {
	Enabled      bool                    `toml:"ENABLED"`
	DeviceName   string                  `toml:"DEVICE_NAME"`
	FS           float64                 `toml:"FS"`
	PlotEnable   bool                    `toml:"PLOT_ENABLE"`
	ExportEnable bool                    `toml:"EXPORT_ENABLE"`
	Channels     []string                `toml:"CHANNELS"`
	Filters      map[string]FilterConfig `toml:"FILTERS"`
	Params       map[string]interface{}  `toml:"PARAMS"`
}

// Config is the full recognized configuration surface.
type Config struct {
	System    SystemConfig            `toml:"system"`
	Telemetry TelemetryConfig         `toml:"telemetry"`
	Events    EventsConfig            `toml:"events"`
	Spikes    SpikesConfig            `toml:"spikes"`
	Export    ExportConfig            `toml:"export"`
	UI        UIConfig                `toml:"ui"`
	Devices   map[string]DeviceConfig `toml:"devices"`
}

// Load decodes a TOML configuration document from path and validates it.
// Malformed or missing configuration is a fatal, startup-time error.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Annotate(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}

// Validate checks the minimal shape the core depends on: at least one
// enabled device, and a sensible event keymap if event triggers are on.
func (c *Config) Validate() error {
	anyEnabled := false
	for name, d := range c.Devices {
		if d.Enabled {
			anyEnabled = true
		}
		if d.Enabled && d.FS <= 0 {
			return errors.Annotatef(cerror.ErrConfigInvalid, "device %q: FS must be > 0 when ENABLED", name)
		}
	}
	if !anyEnabled {
		return errors.Annotate(cerror.ErrConfigInvalid, "no device is ENABLED in configuration")
	}
	if c.Events.EnableTriggers && len(c.Events.EventKeymap) == 0 {
		return errors.Annotate(cerror.ErrConfigInvalid, "events.ENABLE_TRIGGERS is true but EVENT_KEYMAP is empty")
	}
	return nil
}

// FSMax returns the highest FS across enabled devices, the synchronizer's
// grid frequency input (delta = 1/FSMax).
func (c *Config) FSMax() float64 {
	max := 0.0
	for _, d := range c.Devices {
		if d.Enabled && d.FS > max {
			max = d.FS
		}
	}
	return max
}
