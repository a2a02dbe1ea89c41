// Package config loads and validates the gateway configuration from a YAML
// file with GATEWAY_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete gateway configuration.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Ingest IngestConfig `mapstructure:"ingest"`
	Avtec  AvtecConfig  `mapstructure:"avtec"`
	Hub    HubConfig    `mapstructure:"hub"`
	TGMeta TGMetaConfig `mapstructure:"tgmeta"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	HTTP   HTTPConfig   `mapstructure:"http"`
}

// LogConfig controls the zap logger and optional file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// IngestConfig contains the UDP telemetry listener settings.
type IngestConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	AudioPort   int    `mapstructure:"audio_port"`
	FFTPort     int    `mapstructure:"fft_port"`
	ReadBuffer  int    `mapstructure:"read_buffer"`
}

// AvtecConfig contains the legacy console streaming target.
type AvtecConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ControlHost string `mapstructure:"control_host"`
	ControlPort int    `mapstructure:"control_port"`
	AudioHost   string `mapstructure:"audio_host"`
	AudioPort   int    `mapstructure:"audio_port"`
}

// HubConfig contains WebSocket fan-out settings.
type HubConfig struct {
	ClientQueue  int `mapstructure:"client_queue"`
	WriteTimeout int `mapstructure:"write_timeout_ms"`
}

// TGMetaConfig points at the talkgroup metadata service.
type TGMetaConfig struct {
	URL        string `mapstructure:"url"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// KafkaConfig enables the optional call-event publisher when Brokers is
// non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HTTPConfig contains the control/status API listener.
type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// Load reads the configuration file at path (optional; defaults apply when
// empty or missing) and applies GATEWAY_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("ingest.bind_address", "0.0.0.0")
	v.SetDefault("ingest.audio_port", 9123)
	v.SetDefault("ingest.fft_port", 9124)
	v.SetDefault("ingest.read_buffer", 1<<20)
	v.SetDefault("avtec.enabled", false)
	v.SetDefault("avtec.control_port", 50000)
	v.SetDefault("avtec.audio_port", 50001)
	v.SetDefault("hub.client_queue", 256)
	v.SetDefault("hub.write_timeout_ms", 5000)
	v.SetDefault("tgmeta.ttl_seconds", 300)
	v.SetDefault("kafka.topic", "radio-call-events")
	v.SetDefault("http.address", ":8080")
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Avtec.Validate(); err != nil {
		return fmt.Errorf("avtec: %w", err)
	}
	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http: address cannot be empty")
	}
	return nil
}

func (i *IngestConfig) Validate() error {
	if i.AudioPort < 1 || i.AudioPort > 65535 {
		return fmt.Errorf("audio_port must be between 1 and 65535, got %d", i.AudioPort)
	}
	if i.FFTPort < 1 || i.FFTPort > 65535 {
		return fmt.Errorf("fft_port must be between 1 and 65535, got %d", i.FFTPort)
	}
	if i.AudioPort == i.FFTPort {
		return fmt.Errorf("audio_port and fft_port must differ, both are %d", i.AudioPort)
	}
	if i.ReadBuffer < 1024 {
		return fmt.Errorf("read_buffer must be at least 1024 bytes, got %d", i.ReadBuffer)
	}
	return nil
}

func (a *AvtecConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.ControlHost == "" {
		return fmt.Errorf("control_host cannot be empty when enabled")
	}
	if a.ControlPort < 1 || a.ControlPort > 65535 {
		return fmt.Errorf("control_port must be between 1 and 65535, got %d", a.ControlPort)
	}
	if a.AudioHost == "" {
		return fmt.Errorf("audio_host cannot be empty when enabled")
	}
	if a.AudioPort < 1 || a.AudioPort > 65535 {
		return fmt.Errorf("audio_port must be between 1 and 65535, got %d", a.AudioPort)
	}
	return nil
}

func (h *HubConfig) Validate() error {
	if h.ClientQueue < 1 {
		return fmt.Errorf("client_queue must be at least 1, got %d", h.ClientQueue)
	}
	if h.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout_ms must be at least 1, got %d", h.WriteTimeout)
	}
	return nil
}

func (k *KafkaConfig) Validate() error {
	if len(k.Brokers) > 0 && k.Topic == "" {
		return fmt.Errorf("topic cannot be empty when brokers are configured")
	}
	return nil
}

// WriteTimeoutDuration returns the hub write timeout as a time.Duration.
func (h *HubConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Millisecond
}

// TTL returns the metadata cache TTL as a time.Duration.
func (t *TGMetaConfig) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}
