package mux

import (
	"encoding/json"
	"io"

	"github.com/rs/zerolog"

	"jsonrpc-relay/daemon/internal/platform/metrics"
	"jsonrpc-relay/daemon/internal/protocol"
)

// Bridge ties the stream writer and the router into the facade the HTTP
// layer talks to: Call for the single-response path, OpenStream for fan-out
// batches, ReadFrames for the stdout consumer loop.
type Bridge struct {
	writer   *LineWriter
	router   *Router
	log      zerolog.Logger
	maxFrame int
}

// New builds a bridge writing requests to w. maxFrameBytes bounds one engine
// stdout line; zero means DefaultMaxFrameBytes.
func New(w io.Writer, maxFrameBytes int, log zerolog.Logger) *Bridge {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Bridge{
		writer:   NewLineWriter(w),
		router:   NewRouter(log),
		log:      log,
		maxFrame: maxFrameBytes,
	}
}

// Router exposes the pending table, mainly for tests and status surfaces.
func (b *Bridge) Router() *Router { return b.router }

// Call allocates an id, registers a single-response destination, and writes
// the request line. The returned channel resolves with exactly one frame. A
// write failure unregisters the id and is returned; nothing was sent.
func (b *Bridge) Call(method string, params json.RawMessage) (int64, <-chan protocol.Frame, error) {
	id, ch := b.router.Register()
	if err := b.writer.Send(protocol.NewRequest(id, method, params)); err != nil {
		b.router.Cancel(id)
		metrics.RecordWriteError()
		return 0, nil, err
	}
	metrics.RecordRequestWritten(metrics.KindSingle)
	return id, ch, nil
}

// CancelCall withdraws a pending single-response registration, typically on
// client disconnect. The response, if it ever arrives, becomes an orphan.
func (b *Bridge) CancelCall(id int64) {
	b.router.Cancel(id)
}

// OpenStream admits a batch for one sink and, on success, forwards every
// member to the engine in the batch's original order. Admission failure
// returns the error envelope to write to the sink; nothing was forwarded. A
// write failure mid-batch is logged and counted, and the remaining members
// are still forwarded; the failed member's caller simply never resolves.
func (b *Bridge) OpenStream(reqs []protocol.Request) (*Session, *protocol.Response) {
	sess, reject := b.router.Admit(reqs)
	if reject != nil {
		return nil, reject
	}
	for _, req := range reqs {
		if err := b.writer.Send(req); err != nil {
			metrics.RecordWriteError()
			b.log.Warn().Err(err).Str("session", sess.ID).Msg("engine write failed for batch member")
			continue
		}
		metrics.RecordRequestWritten(metrics.KindStream)
	}
	return sess, nil
}

// CloseStream cancels a session's outstanding members, typically on sink
// disconnect. Harmless when the session already drained.
func (b *Bridge) CloseStream(s *Session) {
	b.router.CancelSession(s)
}
