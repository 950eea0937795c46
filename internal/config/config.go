package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Device    DeviceConfig    `yaml:"device"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	OCR       OCRConfig       `yaml:"ocr"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Index     IndexConfig     `yaml:"index"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
}

// ServerConfig holds the listener settings. EndGrace is how long the device
// connection stays open after "end" so clients can render the terminal event.
// TrustLoopback admits pages served from localhost when AllowedOrigins is
// empty, which is how the observer page is developed.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TrustLoopback  bool          `yaml:"trust_loopback"`
	EndGrace       time.Duration `yaml:"end_grace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DeviceConfig describes how the capture device is driven. Commands are argv
// lists; the literal "{path}" in CaptureCommand is replaced by the target file.
type DeviceConfig struct {
	CaptureDir     string   `yaml:"capture_dir"`
	FilePrefix     string   `yaml:"file_prefix"`
	Extension      string   `yaml:"extension"`
	InitCommand    []string `yaml:"init_command"`
	CaptureCommand []string `yaml:"capture_command"`
	ReleaseCommand []string `yaml:"release_command"`
	// ReplayDir switches to a replay camera that cycles through the images
	// in this directory instead of running commands.
	ReplayDir      string   `yaml:"replay_dir"`
}

type ArtifactsConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

type OCRConfig struct {
	Languages   []string `yaml:"languages"`
	PageSegMode int      `yaml:"page_seg_mode"`
}

type CleanupConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

type IndexConfig struct {
	DataDir string `yaml:"data_dir"`
}

type PipelineConfig struct {
	// StageTimeout bounds each collaborator call. Zero disables the bound.
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
}

type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8000,
			Host:          "0.0.0.0",
			TrustLoopback: true,
			EndGrace:      2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Device: DeviceConfig{
			CaptureDir:     "captures",
			FilePrefix:     "capture",
			Extension:      "jpg",
			CaptureCommand: []string{"fswebcam", "--no-banner", "-r", "1920x1080", "{path}"},
		},
		OCR: OCRConfig{
			Languages:   []string{"eng"},
			PageSegMode: 3,
		},
		Cleanup: CleanupConfig{
			Enabled:    true,
			BaseURL:    "http://localhost:11434",
			Model:      "llama3.2",
			Timeout:    120 * time.Second,
			RatePerSec: 2,
		},
		MQTT: MQTTConfig{
			ClientID: "scanstream",
			Topic:    "scanstream/events",
			QoS:      1,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path over the defaults. A missing file is an
// error; callers that want to run on defaults use Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("config: invalid")

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Server.EndGrace < 0 {
		return fmt.Errorf("%w: server.end_grace must not be negative", ErrInvalid)
	}
	if c.Pipeline.StageTimeout < 0 {
		return fmt.Errorf("%w: pipeline.stage_timeout must not be negative", ErrInvalid)
	}
	if c.Device.ReplayDir == "" && len(c.Device.CaptureCommand) == 0 {
		return fmt.Errorf("%w: device.capture_command is required", ErrInvalid)
	}
	if c.Device.FilePrefix == "" || c.Device.Extension == "" {
		return fmt.Errorf("%w: device.file_prefix and device.extension are required", ErrInvalid)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("%w: influxdb.url and influxdb.bucket are required when influxdb is enabled", ErrInvalid)
	}
	return nil
}
