package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(1024), cfg.Mux.Depth)
	assert.Equal(t, 1232, cfg.Mux.MTU)
	assert.Equal(t, uint64(1), cfg.Mux.Burst)
	assert.Zero(t, cfg.Mux.CrMax)
	assert.Equal(t, -1, cfg.Demo.FirstCore)
	assert.Equal(t, time.Second, cfg.Monitor.CswitchInterval)
	assert.Empty(t, cfg.Recorder.Path)
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("TILEMUX_MUX_DEPTH", "64")
	t.Setenv("TILEMUX_MUX_CR_MAX", "32")
	t.Setenv("TILEMUX_DEMO_SOURCES", "4")
	t.Setenv("TILEMUX_DEMO_DURATION", "250ms")
	t.Setenv("TILEMUX_LOG_LEVEL", "debug")
	t.Setenv("TILEMUX_RECORDER_DB", "/tmp/frags.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(64), cfg.Mux.Depth)
	assert.Equal(t, uint64(32), cfg.Mux.CrMax)
	assert.Equal(t, 4, cfg.Demo.Sources)
	assert.Equal(t, 250*time.Millisecond, cfg.Demo.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/frags.db", cfg.Recorder.Path)
}

func TestLoadFileOverlaysEnvironment(t *testing.T) {
	t.Setenv("TILEMUX_DEMO_SOURCES", "4")
	t.Setenv("TILEMUX_MUX_BURST", "2")

	path := filepath.Join(t.TempDir(), "tilemux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mux:
  depth: 256
demo:
  sources: 3
  duration: 2s
monitor:
  addr: 127.0.0.1:9100
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), cfg.Mux.Depth)
	assert.Equal(t, uint64(2), cfg.Mux.Burst, "keys absent from the file keep the environment value")
	assert.Equal(t, 3, cfg.Demo.Sources)
	assert.Equal(t, 2*time.Second, cfg.Demo.Duration)
	assert.Equal(t, "127.0.0.1:9100", cfg.Monitor.Addr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mux: [1, 2"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	t.Setenv("TILEMUX_MUX_DEPTH", "not-a-number")
	_, err = Load("")
	require.Error(t, err)
	assert.NotNil(t, LoadOrDefault())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		apply func(*Config)
	}{
		{"zero wksp", func(c *Config) { c.Wksp.Size = 0 }},
		{"depth not pow2", func(c *Config) { c.Mux.Depth = 100 }},
		{"depth one", func(c *Config) { c.Mux.Depth = 1 }},
		{"mtu zero", func(c *Config) { c.Mux.MTU = 0 }},
		{"mtu huge", func(c *Config) { c.Mux.MTU = 1 << 16 }},
		{"burst zero", func(c *Config) { c.Mux.Burst = 0 }},
		{"cr_max above depth", func(c *Config) { c.Mux.CrMax = 4096 }},
		{"no sources", func(c *Config) { c.Demo.Sources = 0 }},
		{"dup rate", func(c *Config) { c.Demo.DupRate = 1.5 }},
		{"payload above mtu", func(c *Config) { c.Demo.PayloadMax = 4096 }},
		{"payload inverted", func(c *Config) { c.Demo.PayloadMin = 600; c.Demo.PayloadMax = 100 }},
		{"relay batch", func(c *Config) { c.Demo.RelayBatch = 0 }},
		{"dedup bits", func(c *Config) { c.Demo.DedupBits = 31 }},
		{"recorder batch", func(c *Config) { c.Recorder.Batch = 0 }},
		{"cswitch interval", func(c *Config) { c.Monitor.CswitchInterval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.apply(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
