package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

type Config struct {
	Audio    AudioConfig `json:"audio"`
	DSP      DSPConfig   `json:"dsp"`
	LogLevel string      `json:"log_level"`
}

type AudioConfig struct {
	FramesPerBuffer int `json:"frames_per_buffer"` // larger lowers CPU load, raises latency
	OutputChannels  int `json:"output_channels"`
}

type DSPConfig struct {
	MinTempoRatio     float64 `json:"min_tempo_ratio"`
	MaxTempoRatio     float64 `json:"max_tempo_ratio"`
	MaxPitchSemitones float64 `json:"max_pitch_semitones"`
	ReverbWet         float64 `json:"reverb_wet"`
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	path := configPath()

	// Default config
	cfg := &Config{
		Audio: AudioConfig{
			FramesPerBuffer: 1024,
			OutputChannels:  2,
		},
		DSP: DSPConfig{
			MinTempoRatio:     0.25,
			MaxTempoRatio:     2.0,
			MaxPitchSemitones: 6,
			ReverbWet:         0.45,
		},
		LogLevel: "info",
	}

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := configPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "stemplayer", "config.json")
}
