package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"openenterprise/otaloader/netota"
	"openenterprise/otaloader/ota"
	"openenterprise/otaloader/partition"
)

// Config is an otasim.yaml file. Every value is optional.
type Config struct {
	DeviceName      string       `yaml:"device_name"`
	Firmware        string       `yaml:"firmware"`
	ConsolePassword string       `yaml:"console_password"`
	Advertise       string       `yaml:"advertise"`
	Listen          ListenConfig `yaml:"listen"`
	Flash           FlashConfig  `yaml:"flash"`
	PullURL         string       `yaml:"pull_url"`
	ImageOut        string       `yaml:"image_out"`
	RestartDelay    Duration     `yaml:"restart_delay"`
	MaxSize         uint32       `yaml:"max_size"`
	LogLevel        string       `yaml:"log_level"`
}

// ListenConfig holds the listen addresses. An empty address disables the
// transport.
type ListenConfig struct {
	OTA       string `yaml:"ota"`
	Discovery string `yaml:"discovery"`
	Console   string `yaml:"console"`
	BLE       string `yaml:"ble"`
}

// FlashConfig selects the running slot. Updates go to the other one.
type FlashConfig struct {
	Running string `yaml:"running"`
}

// Duration wraps time.Duration for YAML strings like "1s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// DefaultConfig returns the configuration used without a file.
func DefaultConfig() Config {
	return Config{
		DeviceName: "otasim",
		Firmware:   "otasim",
		Advertise:  "127.0.0.1",
		Listen: ListenConfig{
			OTA:       fmt.Sprintf(":%d", netota.DefaultPort),
			Discovery: fmt.Sprintf(":%d", netota.DiscoveryPort),
			Console:   ":2323",
			BLE:       ":14444",
		},
		Flash:        FlashConfig{Running: "A"},
		RestartDelay: Duration{ota.DefaultRestartDelay},
		MaxSize:      ota.MaxFirmwareSize,
		LogLevel:     "info",
	}
}

// LoadConfig reads path over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values the simulator cannot start with.
func (c Config) Validate() error {
	if _, err := c.RunningSlot(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.MaxSize > partition.PartitionMaxSize {
		return fmt.Errorf("max_size %d exceeds slot size %d", c.MaxSize, partition.PartitionMaxSize)
	}
	return nil
}

// RunningSlot returns the configured running partition.
func (c Config) RunningSlot() (partition.Slot, error) {
	switch strings.ToUpper(c.Flash.Running) {
	case "", "A":
		return partition.SlotFor(partition.PartitionA), nil
	case "B":
		return partition.SlotFor(partition.PartitionB), nil
	}
	return partition.Slot{}, fmt.Errorf("flash.running %q: want A or B", c.Flash.Running)
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
