// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads jigstat settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
	"github.com/Thermoquad/jigstat/pkg/logging"
)

// Transport names
const (
	TransportBLE       = "ble"
	TransportSerial    = "serial"
	TransportWebSocket = "ws"
	TransportSim       = "sim"
)

// Recorder backends
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

type Config struct {
	Transport string          `yaml:"transport"`
	Target    string          `yaml:"target"`
	Encoding  string          `yaml:"encoding"`
	Serial    SerialConfig    `yaml:"serial"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Session   SessionConfig   `yaml:"session"`
	Command   CommandConfig   `yaml:"command"`
	Run       RunConfig       `yaml:"run"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Log       logging.Options `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type SerialConfig struct {
	BaudRate int `yaml:"baud_rate"`
}

type WebSocketConfig struct {
	Username         string        `yaml:"username"`
	SkipTLSVerify    bool          `yaml:"skip_tls_verify"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type SessionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	HeartbeatGrace time.Duration `yaml:"heartbeat_grace"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type CommandConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type RunConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
	ClosedMax   float64       `yaml:"closed_max"`
	OpenMin     float64       `yaml:"open_min"`
	Subject     string        `yaml:"subject"`
}

type RecorderConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Transport: TransportBLE,
		Encoding:  jigproto.EncodingJSON.String(),
		Serial: SerialConfig{
			BaudRate: 115200,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			ConnectTimeout: 20 * time.Second,
			MaxReconnects:  5,
			HeartbeatGrace: 10 * time.Second,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     10 * time.Second,
		},
		Command: CommandConfig{
			MaxAttempts: 3,
			RetryDelay:  200 * time.Millisecond,
		},
		Run: RunConfig{
			StepTimeout: 60 * time.Second,
			ClosedMax:   jigproto.DefaultClosedMax,
			OpenMin:     jigproto.DefaultOpenMin,
		},
		Recorder: RecorderConfig{
			Backend: BackendFile,
			Path:    "jigstat-runs.cbor",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "jigstat",
			},
		},
		Log: logging.Options{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional loads path when it exists and returns the defaults otherwise
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportBLE, TransportSerial, TransportWebSocket, TransportSim:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if _, err := jigproto.ParseEncoding(c.Encoding); err != nil {
		return err
	}
	if c.Command.MaxAttempts < 1 {
		return fmt.Errorf("command.max_attempts must be at least 1")
	}
	if c.Session.MaxReconnects < 0 {
		return fmt.Errorf("session.max_reconnects must not be negative")
	}
	if c.Session.HeartbeatGrace < 0 || c.Run.StepTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Run.ClosedMax >= c.Run.OpenMin {
		return fmt.Errorf("run.closed_max (%g) must be below run.open_min (%g)", c.Run.ClosedMax, c.Run.OpenMin)
	}
	switch c.Recorder.Backend {
	case BackendFile:
		if c.Recorder.Path == "" {
			return fmt.Errorf("recorder.path is required for the file backend")
		}
	case BackendRedis:
		if c.Recorder.Redis.Addr == "" {
			return fmt.Errorf("recorder.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown recorder backend %q", c.Recorder.Backend)
	}
	return nil
}

// Thresholds returns the configured classification thresholds
func (c *Config) Thresholds() jigproto.Thresholds {
	return jigproto.Thresholds{ClosedMax: c.Run.ClosedMax, OpenMin: c.Run.OpenMin}
}
