package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.7, cfg.Analysis.ConnectionType.ShellMaxTimeToReply)
	assert.Equal(t, 20, cfg.Analysis.SteppingStone.MinDatagrams)
	assert.Equal(t, []uint16{22}, cfg.Capture.Ports)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshtrace.yaml")
	content := `
log:
  level: debug
  format: json
capture:
  ports: [22, 2222]
analysis:
  connection_type:
    shell_min_replies: 0.8
  stepping_stone:
    group_tolerance: 5
engine:
  workers: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []uint16{22, 2222}, cfg.Capture.Ports)
	assert.Equal(t, 0.8, cfg.Analysis.ConnectionType.ShellMinReplies)
	assert.Equal(t, 0.7, cfg.Analysis.ConnectionType.ShellMaxTimeToReply, "unset keys keep their default")
	assert.Equal(t, 5.0, cfg.Analysis.SteppingStone.GroupTolerance)
	assert.Equal(t, 0.98, cfg.Analysis.SteppingStone.NModalDistribution)
	assert.Equal(t, 3, cfg.Engine.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("engine: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative reply ratio", func(c *Config) { c.Analysis.ConnectionType.ShellMinReplies = -0.1 }},
		{"zero time to reply", func(c *Config) { c.Analysis.ConnectionType.ReverseShellMaxTimeToReply = 0 }},
		{"scp up above half", func(c *Config) { c.Analysis.ConnectionType.ScpUpMaxAsymmetry = 0.6 }},
		{"modal share above one", func(c *Config) { c.Analysis.SteppingStone.NModalDistribution = 1.5 }},
		{"no samples", func(c *Config) { c.Analysis.SteppingStone.MinSamples = 0 }},
		{"negative tolerance", func(c *Config) { c.Analysis.SteppingStone.GroupTolerance = -1 }},
		{"no workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"pacing without burst", func(c *Config) { c.Engine.BroadcastBurst = 0 }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"no upload room", func(c *Config) { c.Server.MaxUploadMB = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
