package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/MMSPLAB/eesync/pkg/cerror"
)

const validTOML = `
[events]
ENABLE_TRIGGERS = true

[[events.EVENT_KEYMAP]]
key = "0"
label = "REST"

[[events.EVENT_KEYMAP]]
key = "1"
label = "TASK"

[devices.eeg]
ENABLED = true
DEVICE_NAME = "eeg"
FS = 250.0
CHANNELS = ["ch1", "ch2"]
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, validTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 250.0, cfg.FSMax())
	require.Equal(t, []string{"0", "1"}, Keys(cfg.Events.EventKeymap))
	require.Equal(t, "REST", Map(cfg.Events.EventKeymap)["0"])
}

func TestLoadRejectsNoEnabledDevices(t *testing.T) {
	path := writeTemp(t, `
[devices.eeg]
ENABLED = false
FS = 250.0
`)
	_, err := Load(path)
	require.Equal(t, cerror.ErrConfigInvalid, errors.Cause(err))
}

func TestLoadRejectsEnabledDeviceWithoutFS(t *testing.T) {
	path := writeTemp(t, `
[devices.eeg]
ENABLED = true
FS = 0
`)
	_, err := Load(path)
	require.Equal(t, cerror.ErrConfigInvalid, errors.Cause(err))
}

func TestLoadRejectsTriggersEnabledWithEmptyKeymap(t *testing.T) {
	path := writeTemp(t, `
[events]
ENABLE_TRIGGERS = true

[devices.eeg]
ENABLED = true
FS = 250.0
`)
	_, err := Load(path)
	require.Equal(t, cerror.ErrConfigInvalid, errors.Cause(err))
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeTemp(t, `this is not [valid toml`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestFSMaxIgnoresDisabledDevices(t *testing.T) {
	path := writeTemp(t, `
[devices.eeg]
ENABLED = true
FS = 250.0

[devices.other]
ENABLED = false
FS = 1000.0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 250.0, cfg.FSMax())
}
