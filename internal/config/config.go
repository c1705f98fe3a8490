// Package config holds the stream client configuration: defaults, an
// optional YAML file and a watcher that reloads it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the runtime configuration for the stream client.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`
	LogLevel    string `yaml:"log_level"`
	LogColor    bool   `yaml:"log_color"`
	// LogFile additionally writes logs to a size-rotated file.
	LogFile string `yaml:"log_file"`
	// SignalRateLimit caps /offer and /reconfigure per client and minute.
	SignalRateLimit int `yaml:"signal_rate_limit"`

	Decoder   DecoderConfig   `yaml:"decoder"`
	Display   DisplayConfig   `yaml:"display"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Recording RecordingConfig `yaml:"recording"`
}

// DecoderConfig sizes the decoder and its hand-off timing.
type DecoderConfig struct {
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	InputSlots   int           `yaml:"input_slots"`
	OutputSlots  int           `yaml:"output_slots"`
	SlotSize     int           `yaml:"slot_size"`
	MaxRepolls   int           `yaml:"max_repolls"`
	DrainBudget  time.Duration `yaml:"drain_budget"`
	LatchTimeout time.Duration `yaml:"latch_timeout"`
}

// DisplayConfig describes the render host.
type DisplayConfig struct {
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	RenderInterval  time.Duration `yaml:"render_interval"`
	SnapshotQuality int           `yaml:"snapshot_quality"`
}

// WebRTCConfig configures the ingest peer connection.
type WebRTCConfig struct {
	STUNServers    []string      `yaml:"stun_servers"`
	MaxLatePackets uint16        `yaml:"max_late_packets"`
	PLIInterval    time.Duration `yaml:"pli_interval"`
}

// RecordingConfig configures the stream recorder.
type RecordingConfig struct {
	OutputPath string `yaml:"output_path"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8082",
		MetricsAddr: ":9091",
		PprofAddr:   ":6061",
		LogLevel:    "info",
		LogColor:    true,

		SignalRateLimit: 30,
		Decoder: DecoderConfig{
			Width:        1280,
			Height:       720,
			InputSlots:   4,
			OutputSlots:  4,
			SlotSize:     512 * 1024,
			MaxRepolls:   8,
			DrainBudget:  30 * time.Millisecond,
			LatchTimeout: 40 * time.Millisecond,
		},
		Display: DisplayConfig{
			Width:           640,
			Height:          360,
			RenderInterval:  16 * time.Millisecond,
			SnapshotQuality: 80,
		},
		WebRTC: WebRTCConfig{
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			MaxLatePackets: 128,
			PLIInterval:    3 * time.Second,
		},
		Recording: RecordingConfig{
			OutputPath: "./recordings",
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("strict config parse error: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func Validate(cfg Config) error {
	var errs []error
	if cfg.Decoder.Width <= 0 || cfg.Decoder.Height <= 0 {
		errs = append(errs, fmt.Errorf("decoder size %dx%d must be positive", cfg.Decoder.Width, cfg.Decoder.Height))
	}
	if cfg.Decoder.InputSlots <= 0 || cfg.Decoder.OutputSlots <= 0 {
		errs = append(errs, errors.New("decoder slot counts must be positive"))
	}
	if cfg.Decoder.SlotSize <= 0 {
		errs = append(errs, errors.New("decoder slot_size must be positive"))
	}
	if cfg.Decoder.DrainBudget < 0 || cfg.Decoder.LatchTimeout < 0 {
		errs = append(errs, errors.New("decoder timings must not be negative"))
	}
	if cfg.Display.Width <= 0 || cfg.Display.Height <= 0 {
		errs = append(errs, fmt.Errorf("display size %dx%d must be positive", cfg.Display.Width, cfg.Display.Height))
	}
	if cfg.Display.RenderInterval <= 0 {
		errs = append(errs, errors.New("display render_interval must be positive"))
	}
	if q := cfg.Display.SnapshotQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("display snapshot_quality %d out of range 1-100", q))
	}
	if cfg.SignalRateLimit <= 0 {
		errs = append(errs, errors.New("signal_rate_limit must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
