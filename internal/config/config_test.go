package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadDefaults verifies loading with no file yields a valid config.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.AudioPort != 9123 || cfg.Ingest.FFTPort != 9124 {
		t.Fatalf("ingest defaults mismatch: %+v", cfg.Ingest)
	}
	if cfg.Avtec.Enabled {
		t.Fatal("avtec must default to disabled")
	}
	if cfg.Hub.ClientQueue != 256 || cfg.Hub.WriteTimeout != 5000 {
		t.Fatalf("hub defaults mismatch: %+v", cfg.Hub)
	}
	if cfg.TGMeta.TTLSeconds != 300 {
		t.Fatalf("tgmeta default mismatch: %+v", cfg.TGMeta)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("http default mismatch: %+v", cfg.HTTP)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log default mismatch: %+v", cfg.Log)
	}
}

// TestLoadFile verifies YAML values override defaults.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := `
ingest:
  audio_port: 7001
  fft_port: 7002
avtec:
  enabled: true
  control_host: 10.1.2.3
  audio_host: 10.1.2.3
kafka:
  brokers: ["broker1:9092", "broker2:9092"]
  topic: calls
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.AudioPort != 7001 || cfg.Ingest.FFTPort != 7002 {
		t.Fatalf("ingest override mismatch: %+v", cfg.Ingest)
	}
	if !cfg.Avtec.Enabled || cfg.Avtec.ControlHost != "10.1.2.3" {
		t.Fatalf("avtec override mismatch: %+v", cfg.Avtec)
	}
	if cfg.Avtec.ControlPort != 50000 {
		t.Fatalf("avtec default port lost: %+v", cfg.Avtec)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "calls" {
		t.Fatalf("kafka override mismatch: %+v", cfg.Kafka)
	}
}

// TestLoadMissingFile verifies a named but absent file is an error.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// TestValidate exercises the per-section validation rules.
func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"audio port zero", func(c *Config) { c.Ingest.AudioPort = 0 }},
		{"fft port too high", func(c *Config) { c.Ingest.FFTPort = 70000 }},
		{"audio and fft ports equal", func(c *Config) { c.Ingest.FFTPort = c.Ingest.AudioPort }},
		{"read buffer too small", func(c *Config) { c.Ingest.ReadBuffer = 512 }},
		{"avtec enabled without control host", func(c *Config) {
			c.Avtec.Enabled = true
			c.Avtec.AudioHost = "10.0.0.1"
		}},
		{"avtec enabled without audio host", func(c *Config) {
			c.Avtec.Enabled = true
			c.Avtec.ControlHost = "10.0.0.1"
		}},
		{"avtec bad control port", func(c *Config) {
			c.Avtec.Enabled = true
			c.Avtec.ControlHost = "10.0.0.1"
			c.Avtec.AudioHost = "10.0.0.1"
			c.Avtec.ControlPort = -1
		}},
		{"hub queue zero", func(c *Config) { c.Hub.ClientQueue = 0 }},
		{"hub write timeout zero", func(c *Config) { c.Hub.WriteTimeout = 0 }},
		{"kafka brokers without topic", func(c *Config) {
			c.Kafka.Brokers = []string{"b:9092"}
			c.Kafka.Topic = ""
		}},
		{"empty http address", func(c *Config) { c.HTTP.Address = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	// Disabled avtec skips its checks entirely.
	cfg := base()
	cfg.Avtec.Enabled = false
	cfg.Avtec.ControlPort = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled avtec must not be validated: %v", err)
	}
}

// TestDurationHelpers verifies the unit conversions.
func TestDurationHelpers(t *testing.T) {
	h := HubConfig{WriteTimeout: 1500}
	if h.WriteTimeoutDuration().Milliseconds() != 1500 {
		t.Fatalf("write timeout: %v", h.WriteTimeoutDuration())
	}
	tg := TGMetaConfig{TTLSeconds: 60}
	if tg.TTL().Seconds() != 60 {
		t.Fatalf("ttl: %v", tg.TTL())
	}
}
