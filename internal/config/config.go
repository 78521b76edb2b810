package config

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	BLE         BLEConfig         `yaml:"ble"`
	Spectrogram SpectrogramConfig `yaml:"spectrogram"`
	Pairing     PairingConfig     `yaml:"pairing"`
	Recording   RecordingConfig   `yaml:"recording"`
	Publish     PublishConfig     `yaml:"publish"`
}

// BLEConfig holds scanning and connection settings.
type BLEConfig struct {
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	ValidationTimeout  time.Duration `yaml:"validation_timeout"`
	AutoConnectPaired  bool          `yaml:"auto_connect_paired"`
	ValidateDiscovered bool          `yaml:"validate_discovered"`
	RequireProperties  bool          `yaml:"require_properties"`
	Reconnect          bool          `yaml:"reconnect"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	MaxWriteBytes      int           `yaml:"max_write_bytes"`
}

// SpectrogramConfig holds the streaming spectrogram parameters.
type SpectrogramConfig struct {
	WindowSize int `yaml:"window_size"`
	HopSize    int `yaml:"hop_size"`
	FFTSize    int `yaml:"fft_size"`
	MaxFrames  int `yaml:"max_frames"`
	LogSize    int `yaml:"log_size"` // decoded-sample log entries kept per device
}

// PairingConfig holds the paired-device store location.
type PairingConfig struct {
	Path string `yaml:"path"`
}

// RecordingConfig holds session recording settings.
type RecordingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	SampleRate int    `yaml:"sample_rate"` // nominal notify rate written to the WAV header
}

// PublishConfig holds NATS publication settings. An empty URL disables it.
type PublishConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sensorscope")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ScanTimeout:        10 * time.Second,
			ValidationTimeout:  8 * time.Second,
			AutoConnectPaired:  true,
			ValidateDiscovered: true,
			ReconnectMax:       30 * time.Second,
			MaxWriteBytes:      20,
		},
		Spectrogram: SpectrogramConfig{
			WindowSize: 128,
			HopSize:    64,
			FFTSize:    128,
			MaxFrames:  100,
			LogSize:    50,
		},
		Pairing: PairingConfig{
			Path: filepath.Join(home, ".config", "sensorscope", "paired.yaml"),
		},
		Recording: RecordingConfig{
			Dir:        filepath.Join(home, ".local", "share", "sensorscope", "recordings"),
			SampleRate: 100,
		},
		Publish: PublishConfig{
			SubjectPrefix: "sensorscope",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Pairing.Path = expandTilde(cfg.Pairing.Path)
	cfg.Recording.Dir = expandTilde(cfg.Recording.Dir)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := append([]byte("# sensorscope configuration\n"), data...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ValidationTimeout <= 0 {
		return fmt.Errorf("ble.validation_timeout must be > 0")
	}
	if c.BLE.ReconnectMax <= 0 {
		return fmt.Errorf("ble.reconnect_max must be > 0")
	}
	if c.BLE.MaxWriteBytes <= 0 {
		return fmt.Errorf("ble.max_write_bytes must be > 0")
	}

	s := c.Spectrogram
	if s.WindowSize <= 0 {
		return fmt.Errorf("spectrogram.window_size must be > 0")
	}
	if s.HopSize <= 0 || s.HopSize > s.WindowSize {
		return fmt.Errorf("spectrogram.hop_size must be in (0, window_size], got %d", s.HopSize)
	}
	if s.FFTSize < s.WindowSize || bits.OnesCount(uint(s.FFTSize)) != 1 {
		return fmt.Errorf("spectrogram.fft_size must be a power of two >= window_size, got %d", s.FFTSize)
	}
	if s.MaxFrames <= 0 {
		return fmt.Errorf("spectrogram.max_frames must be > 0")
	}
	if s.LogSize <= 0 {
		return fmt.Errorf("spectrogram.log_size must be > 0")
	}

	if c.Pairing.Path == "" {
		return fmt.Errorf("pairing.path must not be empty")
	}

	if c.Recording.Enabled {
		if c.Recording.Dir == "" {
			return fmt.Errorf("recording.dir must not be empty when recording is enabled")
		}
		if c.Recording.SampleRate <= 0 {
			return fmt.Errorf("recording.sample_rate must be > 0")
		}
	}

	if c.Publish.NATSURL != "" && c.Publish.SubjectPrefix == "" {
		return fmt.Errorf("publish.subject_prefix must not be empty when nats_url is set")
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
