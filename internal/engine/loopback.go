package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// loopbackBackend is the in-memory stand-in: it answers each request line
// with an echo of the method and params so tests and local development need
// no real engine binary. Params may direct it:
//
//	{"fail": true}     reply with an error frame
//	{"silent": true}   reply with nothing at all
//	{"delayMs": n}     reply after n milliseconds
type loopbackBackend struct {
	log zerolog.Logger

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

type loopbackRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type loopbackDirectives struct {
	Fail    bool  `json:"fail"`
	Silent  bool  `json:"silent"`
	DelayMs int64 `json:"delayMs"`
}

func newLoopbackBackend(log zerolog.Logger) *loopbackBackend {
	return &loopbackBackend{log: log, done: make(chan struct{})}
}

func (b *loopbackBackend) Start(ctx context.Context) error {
	b.stdinR, b.stdinW = io.Pipe()
	b.stdoutR, b.stdoutW = io.Pipe()
	go b.serve()
	return nil
}

func (b *loopbackBackend) serve() {
	sc := bufio.NewScanner(b.stdinR)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	for sc.Scan() {
		var req loopbackRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		var dir loopbackDirectives
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &dir)
		}
		if dir.Silent {
			continue
		}
		if dir.DelayMs > 0 {
			req := req
			dir := dir
			go func() {
				time.Sleep(time.Duration(dir.DelayMs) * time.Millisecond)
				b.reply(req, dir)
			}()
			continue
		}
		b.reply(req, dir)
	}
}

func (b *loopbackBackend) reply(req loopbackRequest, dir loopbackDirectives) {
	var frame map[string]any
	if dir.Fail {
		frame = map[string]any{
			"id":    req.ID,
			"error": map[string]any{"code": -32050, "message": "loopback failure"},
		}
	} else {
		frame = map[string]any{
			"id": req.ID,
			"result": map[string]any{
				"method": req.Method,
				"params": req.Params,
			},
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	data = append(data, '\n')
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	select {
	case <-b.done:
		return
	default:
	}
	_, _ = b.stdoutW.Write(data)
}

func (b *loopbackBackend) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.done)
		_ = b.stdinW.Close()
		_ = b.stdinR.Close()
		_ = b.stdoutW.Close()
	})
	return nil
}

func (b *loopbackBackend) Stdin() io.Writer  { return b.stdinW }
func (b *loopbackBackend) Stdout() io.Reader { return b.stdoutR }

func (b *loopbackBackend) Done() <-chan struct{} { return b.done }
func (b *loopbackBackend) Err() error            { return nil }
