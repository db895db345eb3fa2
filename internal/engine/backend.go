// Package engine manages the backing process the relay bridges to: the
// long-lived peer that consumes request lines on stdin and produces response
// lines on stdout. Backends are pluggable; a real subprocess for production
// and an in-memory loopback for tests and local development.
package engine

import (
	"context"
	"io"
	"time"
)

// Transport names accepted in configuration.
const (
	TransportSubprocess = "subprocess"
	TransportLoopback   = "loopback"
)

// Config describes how to run the backing engine.
type Config struct {
	Transport     string        `yaml:"transport"`
	Command       []string      `yaml:"command"`
	Dir           string        `yaml:"dir"`
	StopGrace     time.Duration `yaml:"stopGrace"`
	MaxFrameBytes int           `yaml:"maxFrameBytes"`
}

func DefaultConfig() Config {
	return Config{
		Transport:     TransportLoopback,
		StopGrace:     3 * time.Second,
		MaxFrameBytes: 8 << 20,
	}
}

// Backend is one running engine transport. Stdin and Stdout are only valid
// after Start returns nil. Done is closed when the engine has exited, after
// which Err reports the exit error, if any.
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stdin() io.Writer
	Stdout() io.Reader
	Done() <-chan struct{}
	Err() error
}
