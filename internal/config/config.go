package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"sshtrace/internal/conntype"
	"sshtrace/internal/steppingstone"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete sshtrace configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Capture  CaptureConfig  `yaml:"capture"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Engine   EngineConfig   `yaml:"engine"`
	Server   ServerConfig   `yaml:"server"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// CaptureConfig controls how packets are grouped into connections.
type CaptureConfig struct {
	// Ports keeps only sessions with a server on one of these ports.
	// Empty keeps every TCP session.
	Ports []uint16 `yaml:"ports"`
}

// AnalysisConfig carries the analyser thresholds.
type AnalysisConfig struct {
	ConnectionType conntype.Config      `yaml:"connection_type"`
	SteppingStone  steppingstone.Config `yaml:"stepping_stone"`
}

// EngineConfig sizes the batch pipeline.
type EngineConfig struct {
	Workers        int     `yaml:"workers"`
	BroadcastRate  float64 `yaml:"broadcast_rate"` // messages per second, 0 disables pacing
	BroadcastBurst int     `yaml:"broadcast_burst"`
}

// ServerConfig configures the web front end.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Capture: CaptureConfig{
			Ports: []uint16{22},
		},
		Analysis: AnalysisConfig{
			ConnectionType: conntype.DefaultConfig(),
			SteppingStone:  steppingstone.DefaultConfig(),
		},
		Engine: EngineConfig{
			Workers:        runtime.NumCPU(),
			BroadcastRate:  2000,
			BroadcastBurst: 200,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 100,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return Parse(buf)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(buf []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every threshold is in range.
func (c *Config) Validate() error {
	ct := c.Analysis.ConnectionType
	for name, v := range map[string]float64{
		"shell_max_time_to_reply":         ct.ShellMaxTimeToReply,
		"reverse_shell_max_time_to_reply": ct.ReverseShellMaxTimeToReply,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: connection_type.%s must be positive, got %v", ErrInvalidConfig, name, v)
		}
	}
	for name, v := range map[string]float64{
		"shell_min_replies":         ct.ShellMinReplies,
		"reverse_shell_min_replies": ct.ReverseShellMinReplies,
		"scp_down_min_asymmetry":    ct.ScpDownMinAsymmetry,
		"scp_up_max_asymmetry":      ct.ScpUpMaxAsymmetry,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: connection_type.%s must be within [0, 1], got %v", ErrInvalidConfig, name, v)
		}
	}
	if ct.ScpUpMaxAsymmetry > 0.5 || ct.ScpDownMinAsymmetry < 0.5 {
		return fmt.Errorf("%w: scp_up_max_asymmetry must not exceed 0.5 and scp_down_min_asymmetry must be at least 0.5", ErrInvalidConfig)
	}

	ss := c.Analysis.SteppingStone
	if ss.MinDatagrams < 0 || ss.MinSamples < 1 {
		return fmt.Errorf("%w: stepping_stone.min_datagrams must be >= 0 and min_samples >= 1", ErrInvalidConfig)
	}
	if ss.CloseEnough < 0 || ss.GroupTolerance < 0 {
		return fmt.Errorf("%w: stepping_stone.close_enough and group_tolerance must not be negative", ErrInvalidConfig)
	}
	for name, v := range map[string]float64{
		"iat_rtt_different":    ss.IATRTTDifferent,
		"min_group_size":       ss.MinGroupSize,
		"n_modal_distribution": ss.NModalDistribution,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: stepping_stone.%s must be within [0, 1], got %v", ErrInvalidConfig, name, v)
		}
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("%w: engine.workers must be at least 1, got %d", ErrInvalidConfig, c.Engine.Workers)
	}
	if c.Engine.BroadcastRate < 0 {
		return fmt.Errorf("%w: engine.broadcast_rate must not be negative", ErrInvalidConfig)
	}
	if c.Engine.BroadcastRate > 0 && c.Engine.BroadcastBurst < 1 {
		return fmt.Errorf("%w: engine.broadcast_burst must be at least 1 when pacing", ErrInvalidConfig)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format must be console or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("%w: server.max_upload_mb must be at least 1", ErrInvalidConfig)
	}
	return nil
}
