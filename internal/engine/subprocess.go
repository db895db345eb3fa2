package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// subprocessBackend runs the engine as a child process wired up over pipes.
// Stderr lines are logged at warn. There is no automatic restart: once the
// process exits, Done is closed and the backend is spent.
type subprocessBackend struct {
	cfg Config
	log zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

func newSubprocessBackend(cfg Config, log zerolog.Logger) *subprocessBackend {
	return &subprocessBackend{
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
}

func (b *subprocessBackend) Start(ctx context.Context) error {
	if len(b.cfg.Command) == 0 {
		return errors.New("engine command is empty")
	}
	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Dir = b.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	b.cmd = cmd
	b.stdin = stdin
	b.stdout = stdout

	go b.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		b.waitErr = err
		b.mu.Unlock()
		close(b.done)
	}()
	return nil
}

func (b *subprocessBackend) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if len(line) > 512 {
			line = line[:512] + "...(truncated)"
		}
		b.log.Warn().Str("stream", "stderr").Msg(line)
	}
}

// Stop interrupts the process and escalates to a kill after the configured
// grace period.
func (b *subprocessBackend) Stop(ctx context.Context) error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	select {
	case <-b.done:
		return nil
	default:
	}
	_ = b.cmd.Process.Signal(os.Interrupt)

	grace := b.cfg.StopGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}
	select {
	case <-b.done:
		return nil
	case <-time.After(grace):
		_ = b.cmd.Process.Kill()
	case <-ctx.Done():
		_ = b.cmd.Process.Kill()
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *subprocessBackend) Stdin() io.Writer  { return b.stdin }
func (b *subprocessBackend) Stdout() io.Reader { return b.stdout }

func (b *subprocessBackend) Done() <-chan struct{} { return b.done }

func (b *subprocessBackend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitErr
}
