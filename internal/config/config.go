// Package config loads the relayd configuration: defaults, overlaid by an
// optional YAML file, overlaid by RELAY_* environment variables, then
// normalized.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"jsonrpc-relay/daemon/internal/engine"
)

const DefaultListenAddr = "127.0.0.1:8177"

type Config struct {
	Listen string        `yaml:"listen"`
	Engine engine.Config `yaml:"engine"`
	HTTP   HTTPConfig    `yaml:"http"`
	Log    LogConfig     `yaml:"log"`
}

type HTTPConfig struct {
	MaxBodyBytes    int64             `yaml:"maxBodyBytes"`
	CallTimeout     time.Duration     `yaml:"callTimeout"`
	AllowNullOrigin bool              `yaml:"allowNullOrigin"`
	RateLimit       RateLimitConfig   `yaml:"rateLimit"`
	Streams         StreamLimitConfig `yaml:"streams"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type StreamLimitConfig struct {
	MaxGlobal    int `yaml:"maxGlobal"`
	MaxPerClient int `yaml:"maxPerClient"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Listen: DefaultListenAddr,
		Engine: engine.DefaultConfig(),
		HTTP: HTTPConfig{
			MaxBodyBytes: 1 << 20,
			// CallTimeout zero: the core defines no expiry; opting in is a
			// deployment decision.
			RateLimit: RateLimitConfig{Enabled: true, RPS: 30, Burst: 60},
			Streams:   StreamLimitConfig{MaxGlobal: 128, MaxPerClient: 8},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// fileConfig mirrors Config with pointer fields where absence must be
// distinguishable from the zero value.
type fileConfig struct {
	Listen string `yaml:"listen"`
	Engine struct {
		Transport     string        `yaml:"transport"`
		Command       []string      `yaml:"command"`
		Dir           string        `yaml:"dir"`
		StopGrace     time.Duration `yaml:"stopGrace"`
		MaxFrameBytes int           `yaml:"maxFrameBytes"`
	} `yaml:"engine"`
	HTTP struct {
		MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
		CallTimeout     time.Duration `yaml:"callTimeout"`
		AllowNullOrigin *bool         `yaml:"allowNullOrigin"`
		RateLimit       struct {
			Enabled *bool   `yaml:"enabled"`
			RPS     float64 `yaml:"rps"`
			Burst   int     `yaml:"burst"`
		} `yaml:"rateLimit"`
		Streams struct {
			MaxGlobal    int `yaml:"maxGlobal"`
			MaxPerClient int `yaml:"maxPerClient"`
		} `yaml:"streams"`
	} `yaml:"http"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads the config at path, or the default candidates when path is
// empty. A missing or unparseable file falls back to defaults; env
// overrides and normalization always apply.
func Load(path string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates,
			"relayd.yaml",
			"configs/relayd.yaml",
		)
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg
}

func merge(dst *Config, src fileConfig) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Engine.Transport != "" {
		dst.Engine.Transport = src.Engine.Transport
	}
	if src.Engine.Command != nil {
		dst.Engine.Command = src.Engine.Command
	}
	if src.Engine.Dir != "" {
		dst.Engine.Dir = src.Engine.Dir
	}
	if src.Engine.StopGrace != 0 {
		dst.Engine.StopGrace = src.Engine.StopGrace
	}
	if src.Engine.MaxFrameBytes != 0 {
		dst.Engine.MaxFrameBytes = src.Engine.MaxFrameBytes
	}
	if src.HTTP.MaxBodyBytes != 0 {
		dst.HTTP.MaxBodyBytes = src.HTTP.MaxBodyBytes
	}
	if src.HTTP.CallTimeout != 0 {
		dst.HTTP.CallTimeout = src.HTTP.CallTimeout
	}
	if src.HTTP.AllowNullOrigin != nil {
		dst.HTTP.AllowNullOrigin = *src.HTTP.AllowNullOrigin
	}
	if src.HTTP.RateLimit.Enabled != nil {
		dst.HTTP.RateLimit.Enabled = *src.HTTP.RateLimit.Enabled
	}
	if src.HTTP.RateLimit.RPS != 0 {
		dst.HTTP.RateLimit.RPS = src.HTTP.RateLimit.RPS
	}
	if src.HTTP.RateLimit.Burst != 0 {
		dst.HTTP.RateLimit.Burst = src.HTTP.RateLimit.Burst
	}
	if src.HTTP.Streams.MaxGlobal != 0 {
		dst.HTTP.Streams.MaxGlobal = src.HTTP.Streams.MaxGlobal
	}
	if src.HTTP.Streams.MaxPerClient != 0 {
		dst.HTTP.Streams.MaxPerClient = src.HTTP.Streams.MaxPerClient
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ENGINE_TRANSPORT")); v != "" {
		cfg.Engine.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ENGINE_COMMAND")); v != "" {
		cfg.Engine.Command = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_FORMAT")); v != "" {
		cfg.Log.Format = v
	}
	if raw := strings.TrimSpace(os.Getenv("RELAY_RATE_LIMIT_ENABLED")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.HTTP.RateLimit.Enabled = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListenAddr
	}
	if cfg.Engine.Transport == "" {
		cfg.Engine.Transport = engine.TransportLoopback
	}
	if cfg.Engine.StopGrace <= 0 {
		cfg.Engine.StopGrace = 3 * time.Second
	}
	if cfg.Engine.MaxFrameBytes < 64*1024 {
		cfg.Engine.MaxFrameBytes = 64 * 1024
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}
	if cfg.HTTP.CallTimeout < 0 {
		cfg.HTTP.CallTimeout = 0
	}
	if cfg.HTTP.RateLimit.RPS <= 0 {
		cfg.HTTP.RateLimit.RPS = 30
	}
	if cfg.HTTP.RateLimit.Burst <= 0 {
		cfg.HTTP.RateLimit.Burst = 60
	}
	if cfg.HTTP.Streams.MaxGlobal <= 0 {
		cfg.HTTP.Streams.MaxGlobal = 128
	}
	if cfg.HTTP.Streams.MaxPerClient <= 0 {
		cfg.HTTP.Streams.MaxPerClient = 8
	}
}
