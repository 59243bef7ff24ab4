package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	content := `
detection:
  acc_threshold: 3.0
  crash_window: 3s
  baseline_window: 20

escalation:
  countdown: 30s
  audio_sources:
    - name: Siren
      uri: file:///sdcard/siren.ogg
  vibration_pattern: [500ms, 200ms]
  emergency_numbers:
    de: "110"

nats:
  url: nats://10.0.0.2:4222

telegram:
  bot_token: "test_token"
  chat_id: "test_chat_id"
  enabled: true

storage:
  max_crashes: 100
  db_path: "./data/test.db"

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Detection.AccThreshold != 3.0 {
		t.Errorf("Unexpected acc threshold: %v", cfg.Detection.AccThreshold)
	}
	if cfg.Detection.CrashWindow != 3*time.Second {
		t.Errorf("Unexpected crash window: %v", cfg.Detection.CrashWindow)
	}
	if cfg.Detection.Debounce != 500*time.Millisecond {
		t.Errorf("Expected default debounce, got %v", cfg.Detection.Debounce)
	}
	if cfg.Escalation.Countdown != 30*time.Second {
		t.Errorf("Unexpected countdown: %v", cfg.Escalation.Countdown)
	}
	if len(cfg.Escalation.AudioSources) != 1 || cfg.Escalation.AudioSources[0].Name != "Siren" {
		t.Errorf("Unexpected audio sources: %+v", cfg.Escalation.AudioSources)
	}
	if len(cfg.Escalation.VibrationPattern) != 2 || cfg.Escalation.VibrationPattern[0] != 500*time.Millisecond {
		t.Errorf("Unexpected vibration pattern: %v", cfg.Escalation.VibrationPattern)
	}
	if cfg.Escalation.EmergencyNumbers["de"] != "110" {
		t.Errorf("Unexpected emergency numbers: %v", cfg.Escalation.EmergencyNumbers)
	}
	if !cfg.Escalation.AlwaysVibrate {
		t.Error("Expected always_vibrate to default to true")
	}
	if cfg.NATS.SubjectPrefix != "crashguard" {
		t.Errorf("Unexpected subject prefix: %q", cfg.NATS.SubjectPrefix)
	}
	if cfg.NATS.FixMaxAge != 2*time.Minute {
		t.Errorf("Unexpected fix max age: %v", cfg.NATS.FixMaxAge)
	}
	if cfg.Storage.MaxCrashes != 100 {
		t.Errorf("Unexpected max crashes: %d", cfg.Storage.MaxCrashes)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Escalation.Countdown != 40*time.Second {
		t.Errorf("Unexpected default countdown: %v", cfg.Escalation.Countdown)
	}
	if len(cfg.Escalation.AudioSources) != 4 {
		t.Errorf("Expected 4 default audio sources, got %d", len(cfg.Escalation.AudioSources))
	}
	if cfg.Detection.RotMultiplier != 3.0 {
		t.Errorf("Unexpected default rot multiplier: %v", cfg.Detection.RotMultiplier)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults should validate: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRASHGUARD_TELEGRAM_CHAT_ID", "from-env")
	cfg, err := Load(writeConfig(t, "telegram:\n  chat_id: from-file\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.ChatID != "from-env" {
		t.Errorf("Expected env override, got %q", cfg.Telegram.ChatID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing telegram token when enabled", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }},
		{"non-positive acc threshold", func(c *Config) { c.Detection.AccThreshold = 0 }},
		{"multiplier not above one", func(c *Config) { c.Detection.RotMultiplier = 1 }},
		{"window shorter than debounce", func(c *Config) { c.Detection.CrashWindow = 100 * time.Millisecond }},
		{"empty baseline window", func(c *Config) { c.Detection.BaselineWindow = 0 }},
		{"countdown below one tick", func(c *Config) { c.Escalation.Countdown = 0 }},
		{"audio source without uri", func(c *Config) {
			c.Escalation.AudioSources = []AudioSourceConfig{{Name: "Broken"}}
		}},
		{"empty vibration pattern", func(c *Config) { c.Escalation.VibrationPattern = nil }},
		{"blank emergency number", func(c *Config) { c.Escalation.EmergencyNumbers = map[string]string{"DE": ""} }},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }},
		{"missing geocoder url", func(c *Config) { c.Geocoder.BaseURL = "" }},
		{"zero max crashes", func(c *Config) { c.Storage.MaxCrashes = 0 }},
		{"zero rotate interval", func(c *Config) { c.Storage.RotateInterval = 0 }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Detection: DetectionConfig{
			AccThreshold:     2.5,
			RotThreshold:     200,
			AccMultiplier:    2.5,
			RotMultiplier:    3.0,
			CrashWindow:      2 * time.Second,
			Debounce:         500 * time.Millisecond,
			BaselineInterval: 5 * time.Second,
			BaselineWindow:   50,
			SampleInterval:   100 * time.Millisecond,
		},
		Escalation: EscalationConfig{
			Countdown:        40 * time.Second,
			Tick:             time.Second,
			VibrationPattern: []time.Duration{time.Second, 300 * time.Millisecond},
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "crashguard",
			RequestTimeout: 3 * time.Second,
		},
		Geocoder: GeocoderConfig{
			BaseURL:    "https://nominatim.openstreetmap.org",
			MaxRetries: 3,
		},
		Storage: StorageConfig{MaxCrashes: 500, RotateInterval: time.Hour},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}
