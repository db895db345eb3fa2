package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jsonrpc-relay/daemon/internal/platform/metrics"
)

// Node states.
const (
	StateStopped = "stopped"
	StateRunning = "running"
	StateExited  = "exited"
)

// Status is a point-in-time snapshot of the engine for health surfaces.
type Status struct {
	State       string
	StartedAt   time.Time
	Transitions int
}

// Node is the engine facade: it picks a backend from configuration, tracks
// its state, and surfaces the stdin/stdout the bridge wires to. When the
// process exits on its own the node records it and stays down: in-flight
// callers hang, the daemon keeps serving.
type Node struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	backend     Backend
	state       string
	startedAt   time.Time
	transitions int
}

func NewNode(cfg Config, log zerolog.Logger) *Node {
	return &Node{cfg: cfg, log: log, state: StateStopped}
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateRunning {
		return errors.New("engine already running")
	}

	var backend Backend
	switch n.cfg.Transport {
	case TransportSubprocess:
		backend = newSubprocessBackend(n.cfg, n.log)
	case TransportLoopback, "":
		backend = newLoopbackBackend(n.log)
	default:
		return errors.New("unknown engine transport: " + n.cfg.Transport)
	}
	if err := backend.Start(ctx); err != nil {
		return err
	}
	n.backend = backend
	n.setStateLocked(StateRunning)
	n.startedAt = time.Now()
	go n.watch(backend)
	return nil
}

// watch marks the node exited when the backend dies underneath us.
func (n *Node) watch(b Backend) {
	<-b.Done()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.backend != b || n.state != StateRunning {
		return
	}
	n.setStateLocked(StateExited)
	metrics.RecordEngineExit()
	n.log.Error().AnErr("exit", b.Err()).Msg("engine process exited; pending callers will not resolve")
}

func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	backend := n.backend
	if backend == nil || n.state == StateStopped {
		n.mu.Unlock()
		return nil
	}
	n.setStateLocked(StateStopped)
	n.mu.Unlock()
	return backend.Stop(ctx)
}

func (n *Node) setStateLocked(state string) {
	if n.state == state {
		return
	}
	n.state = state
	n.transitions++
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{State: n.state, StartedAt: n.startedAt, Transitions: n.transitions}
}

func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == StateRunning
}

// Stdin returns the engine input channel; valid while a backend exists.
func (n *Node) Stdin() io.Writer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.backend.Stdin()
}

// Stdout returns the engine output channel; valid while a backend exists.
func (n *Node) Stdout() io.Reader {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.backend.Stdout()
}
