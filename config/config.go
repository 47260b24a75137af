// Package config loads phone and coordination server settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/shipcall/transport"
)

// ErrInvalidConfig indicates a setting failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete settings tree. Phones read Phone, Call, Direct,
// Relay and Audio; the coordination server reads Server.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Phone  PhoneConfig  `yaml:"phone"`
	Call   CallConfig   `yaml:"call"`
	Direct DirectConfig `yaml:"direct"`
	Relay  RelayConfig  `yaml:"relay"`
	Audio  AudioConfig  `yaml:"audio"`
	Server ServerConfig `yaml:"server"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`  // panic..trace
	Format string `yaml:"format"` // text or json
}

// PhoneConfig identifies the phone and its coordination server.
type PhoneConfig struct {
	ID             string   `yaml:"id"`
	DisplayName    string   `yaml:"display_name"`
	ServerURL      string   `yaml:"server_url"`
	EventMode      string   `yaml:"event_mode"` // websocket or poll
	PollInterval   Duration `yaml:"poll_interval"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// CallConfig bounds each phase of a call.
type CallConfig struct {
	Transport       string   `yaml:"transport"` // direct or relayed
	InitiateTimeout Duration `yaml:"initiate_timeout"`
	AnswerTimeout   Duration `yaml:"answer_timeout"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	JitterBudget    Duration `yaml:"jitter_budget"`
}

// DirectConfig configures the device-to-device TCP transport.
type DirectConfig struct {
	ListenHost  string   `yaml:"listen_host"`
	Port        int      `yaml:"port"`
	Advertise   []string `yaml:"advertise"`
	DialTimeout Duration `yaml:"dial_timeout"`
	Encrypt     bool     `yaml:"encrypt"`
}

// RelayConfig configures the server-relayed transport.
type RelayConfig struct {
	PingPeriod Duration `yaml:"ping_period"`
	PongWait   Duration `yaml:"pong_wait"`
}

// AudioConfig describes the local audio device.
type AudioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	PeriodMs   uint32 `yaml:"period_ms"`
}

// ServerConfig configures the coordination server.
type ServerConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	MaxRingTime Duration `yaml:"max_ring_time"`
	EventLog    int      `yaml:"event_log"`
}

// Default returns the settings used when a file omits a value.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Phone: PhoneConfig{
			ServerURL:      "http://127.0.0.1:8080",
			EventMode:      "websocket",
			PollInterval:   Duration{time.Second},
			RequestTimeout: Duration{5 * time.Second},
		},
		Call: CallConfig{
			Transport:       "direct",
			InitiateTimeout: Duration{45 * time.Second},
			AnswerTimeout:   Duration{10 * time.Second},
			ConnectTimeout:  Duration{10 * time.Second},
			JitterBudget:    Duration{250 * time.Millisecond},
		},
		Direct: DirectConfig{
			Port:        7800,
			DialTimeout: Duration{3 * time.Second},
		},
		Relay: RelayConfig{
			PingPeriod: Duration{10 * time.Second},
			PongWait:   Duration{25 * time.Second},
		},
		Audio: AudioConfig{
			Enabled:    true,
			SampleRate: 48000,
			Channels:   1,
			PeriodMs:   20,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MaxRingTime: Duration{60 * time.Second},
			EventLog:    256,
		},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations. Phone identity is not required
// here because the server shares the file format.
func (c *Config) Validate() error {
	if _, err := transport.ParseKind(c.Call.Transport); err != nil {
		return fmt.Errorf("call.transport %q: %w", c.Call.Transport, ErrInvalidConfig)
	}
	if c.Phone.EventMode != "websocket" && c.Phone.EventMode != "poll" {
		return fmt.Errorf("phone.event_mode %q: %w", c.Phone.EventMode, ErrInvalidConfig)
	}

	positive := map[string]Duration{
		"phone.poll_interval":   c.Phone.PollInterval,
		"call.initiate_timeout": c.Call.InitiateTimeout,
		"call.answer_timeout":   c.Call.AnswerTimeout,
		"call.connect_timeout":  c.Call.ConnectTimeout,
		"call.jitter_budget":    c.Call.JitterBudget,
		"direct.dial_timeout":   c.Direct.DialTimeout,
		"relay.ping_period":     c.Relay.PingPeriod,
		"server.max_ring_time":  c.Server.MaxRingTime,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive: %w", name, ErrInvalidConfig)
		}
	}
	if c.Relay.PongWait.Duration <= c.Relay.PingPeriod.Duration {
		return fmt.Errorf("relay.pong_wait must exceed relay.ping_period: %w", ErrInvalidConfig)
	}
	if c.Direct.Port < 0 || c.Direct.Port > 65535 {
		return fmt.Errorf("direct.port %d: %w", c.Direct.Port, ErrInvalidConfig)
	}
	if c.Audio.Enabled {
		if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
			return fmt.Errorf("audio.sample_rate %d: %w", c.Audio.SampleRate, ErrInvalidConfig)
		}
		if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
			return fmt.Errorf("audio.channels %d: %w", c.Audio.Channels, ErrInvalidConfig)
		}
		if c.Audio.PeriodMs == 0 {
			return fmt.Errorf("audio.period_ms must be positive: %w", ErrInvalidConfig)
		}
	}
	return nil
}

// TransportKind returns the parsed call.transport.
func (c *Config) TransportKind() transport.Kind {
	k, _ := transport.ParseKind(c.Call.Transport)
	return k
}
