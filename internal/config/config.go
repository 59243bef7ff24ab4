package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Detection  DetectionConfig  `mapstructure:"detection"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Geocoder   GeocoderConfig   `mapstructure:"geocoder"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DetectionConfig holds crash detection thresholds and timing
type DetectionConfig struct {
	AccThreshold     float64       `mapstructure:"acc_threshold"` // g
	RotThreshold     float64       `mapstructure:"rot_threshold"` // °/s
	AccMultiplier    float64       `mapstructure:"acc_multiplier"`
	RotMultiplier    float64       `mapstructure:"rot_multiplier"`
	CrashWindow      time.Duration `mapstructure:"crash_window"`
	Debounce         time.Duration `mapstructure:"debounce"`
	BaselineInterval time.Duration `mapstructure:"baseline_interval"`
	BaselineWindow   int           `mapstructure:"baseline_window"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	AutoStart        bool          `mapstructure:"auto_start"`
}

// AudioSourceConfig is one alert sound candidate
type AudioSourceConfig struct {
	Name string `mapstructure:"name"`
	URI  string `mapstructure:"uri"`
}

// EscalationConfig holds emergency countdown and alert configuration
type EscalationConfig struct {
	Countdown        time.Duration       `mapstructure:"countdown"`
	Tick             time.Duration       `mapstructure:"tick"`
	AudioSources     []AudioSourceConfig `mapstructure:"audio_sources"`
	VibrationPattern []time.Duration     `mapstructure:"vibration_pattern"`
	AlwaysVibrate    bool                `mapstructure:"always_vibrate"`
	LocateTimeout    time.Duration       `mapstructure:"locate_timeout"`
	DialTimeout      time.Duration       `mapstructure:"dial_timeout"`
	EmergencyNumbers map[string]string   `mapstructure:"emergency_numbers"` // ISO code -> number overrides
}

// NATSConfig holds the host bus connection
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FixMaxAge      time.Duration `mapstructure:"fix_max_age"`
}

// GeocoderConfig holds reverse geocoding API configuration
type GeocoderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// TelegramConfig holds emergency-contact notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	MaxCrashes     int           `mapstructure:"max_crashes"`
	DBPath         string        `mapstructure:"db_path"`
	RotateInterval time.Duration `mapstructure:"rotate_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// CRASHGUARD_TELEGRAM_BOT_TOKEN overrides telegram.bot_token, etc.
	v.SetEnvPrefix("CRASHGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Detection defaults
	v.SetDefault("detection.acc_threshold", 2.5)
	v.SetDefault("detection.rot_threshold", 200.0)
	v.SetDefault("detection.acc_multiplier", 2.5)
	v.SetDefault("detection.rot_multiplier", 3.0)
	v.SetDefault("detection.crash_window", "2s")
	v.SetDefault("detection.debounce", "500ms")
	v.SetDefault("detection.baseline_interval", "5s")
	v.SetDefault("detection.baseline_window", 50)
	v.SetDefault("detection.sample_interval", "100ms") // 10 Hz per stream
	v.SetDefault("detection.auto_start", true)

	// Escalation defaults
	v.SetDefault("escalation.countdown", "40s")
	v.SetDefault("escalation.tick", "1s")
	v.SetDefault("escalation.audio_sources", []map[string]string{
		{"name": "Alarm Clock", "uri": "https://actions.google.com/sounds/v1/alarms/alarm_clock.ogg"},
		{"name": "Bugle", "uri": "https://actions.google.com/sounds/v1/alarms/bugle_tune.ogg"},
		{"name": "Beep", "uri": "https://actions.google.com/sounds/v1/alarms/beep_short.ogg"},
		{"name": "Bell", "uri": "https://www.soundjay.com/misc/sounds/bell-ringing-05.mp3"},
	})
	v.SetDefault("escalation.vibration_pattern", []string{"1000ms", "300ms"})
	v.SetDefault("escalation.always_vibrate", true)
	v.SetDefault("escalation.locate_timeout", "15s")
	v.SetDefault("escalation.dial_timeout", "10s")

	// NATS defaults
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "crashguard")
	v.SetDefault("nats.request_timeout", "3s")
	v.SetDefault("nats.fix_max_age", "2m")

	// Geocoder defaults
	v.SetDefault("geocoder.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoder.user_agent", "crashguard/1.0")
	v.SetDefault("geocoder.timeout", "10s")
	v.SetDefault("geocoder.max_retries", 3)
	v.SetDefault("geocoder.retry_delay_base", "1s")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.max_crashes", 500)
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.rotate_interval", "1h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Detection config
	d := c.Detection
	if d.AccThreshold <= 0 {
		return fmt.Errorf("detection.acc_threshold must be positive")
	}
	if d.RotThreshold <= 0 {
		return fmt.Errorf("detection.rot_threshold must be positive")
	}
	if d.AccMultiplier <= 1 || d.RotMultiplier <= 1 {
		return fmt.Errorf("detection baseline multipliers must be greater than 1")
	}
	if d.Debounce <= 0 {
		return fmt.Errorf("detection.debounce must be positive")
	}
	if d.CrashWindow < d.Debounce {
		return fmt.Errorf("detection.crash_window must be at least detection.debounce")
	}
	if d.BaselineInterval < d.SampleInterval {
		return fmt.Errorf("detection.baseline_interval must be at least detection.sample_interval")
	}
	if d.BaselineWindow < 1 {
		return fmt.Errorf("detection.baseline_window must be at least 1")
	}
	if d.SampleInterval <= 0 {
		return fmt.Errorf("detection.sample_interval must be positive")
	}

	// Validate Escalation config
	e := c.Escalation
	if e.Tick <= 0 {
		return fmt.Errorf("escalation.tick must be positive")
	}
	if e.Countdown < e.Tick {
		return fmt.Errorf("escalation.countdown must be at least one tick")
	}
	for i, src := range e.AudioSources {
		if src.URI == "" {
			return fmt.Errorf("escalation.audio_sources[%d].uri is required", i)
		}
	}
	if len(e.VibrationPattern) == 0 {
		return fmt.Errorf("escalation.vibration_pattern must not be empty")
	}
	for code, number := range e.EmergencyNumbers {
		if number == "" {
			return fmt.Errorf("escalation.emergency_numbers.%s must not be empty", code)
		}
	}

	// Validate NATS config
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required")
	}
	if c.NATS.RequestTimeout <= 0 {
		return fmt.Errorf("nats.request_timeout must be positive")
	}

	// Validate Geocoder config
	if c.Geocoder.BaseURL == "" {
		return fmt.Errorf("geocoder.base_url is required")
	}
	if c.Geocoder.MaxRetries < 1 {
		return fmt.Errorf("geocoder.max_retries must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.MaxCrashes < 1 {
		return fmt.Errorf("storage.max_crashes must be at least 1")
	}
	if c.Storage.RotateInterval <= 0 {
		return fmt.Errorf("storage.rotate_interval must be positive")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
