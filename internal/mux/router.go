// Package mux is the correlation core of the relay: it allocates ids,
// serializes request lines onto the engine stdin, demultiplexes the engine
// stdout, and routes every response frame to the one caller waiting on it,
// either a single-response destination or a fan-out session streaming a
// whole batch.
package mux

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jsonrpc-relay/daemon/internal/platform/metrics"
	"jsonrpc-relay/daemon/internal/protocol"
)

// entry is one pending table slot. Exactly one of done/sess is set: a slot
// either feeds a single-response channel or belongs to a fan-out session.
// Keeping both shapes in one table makes "an id lives in at most one
// registry" structural rather than a discipline.
type entry struct {
	done chan protocol.Frame
	sess *Session
}

// Router owns the pending table and the id allocator. All mutation
// (registration from HTTP goroutines, resolution from the reader,
// cancellation from disconnect paths) serializes on its mutex.
type Router struct {
	log zerolog.Logger

	mu    sync.Mutex
	next  int64
	table map[int64]*entry
}

func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		log:   log,
		table: make(map[int64]*entry),
	}
}

// allocate returns the next unused id. Caller holds r.mu. Ids are strictly
// increasing; values a client batch already occupies are skipped, never
// reused while registered.
func (r *Router) allocate() int64 {
	for {
		r.next++
		if _, taken := r.table[r.next]; !taken {
			return r.next
		}
	}
}

// Register allocates an id and installs a single-response destination for
// it. The returned channel receives exactly one frame, or nothing at all if
// the id is cancelled first.
func (r *Router) Register() (int64, <-chan protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.allocate()
	ch := make(chan protocol.Frame, 1)
	r.table[id] = &entry{done: ch}
	metrics.PendingAdd(1)
	return id, ch
}

// Cancel drops a single-response registration. A frame arriving later for
// this id takes the orphan path.
func (r *Router) Cancel(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.table[id]; !ok {
		return
	}
	delete(r.table, id)
	metrics.PendingAdd(-1)
}

// Admit validates a batch for one fan-out sink, all-or-nothing. Every member
// must carry a usable numeric id, distinct within the batch and not already
// registered by anyone. On any violation nothing is registered and the
// rejection envelope to hand the sink is returned instead. On success every
// member id is registered against a fresh session and the session is
// returned; forwarding to the engine is the caller's job.
func (r *Router) Admit(reqs []protocol.Request) (*Session, *protocol.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(reqs))
	seen := make(map[int64]struct{}, len(reqs))
	for _, req := range reqs {
		id, ok := protocol.DecodeID(req.ID)
		if !ok {
			reject := protocol.ErrorResponse(req.ID, protocol.CodeInvalidRequest, "Missing or invalid id")
			return nil, &reject
		}
		if _, dup := seen[id]; dup {
			reject := protocol.ErrorResponse(req.ID, protocol.CodeInvalidRequest, "Duplicate id")
			return nil, &reject
		}
		if _, taken := r.table[id]; taken {
			reject := protocol.ErrorResponse(req.ID, protocol.CodeInvalidRequest, "Duplicate id")
			return nil, &reject
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		remaining: seen,
		requests:  reqs,
		// Capacity covers the whole batch so dispatch never blocks the
		// reader even when the sink is slow.
		events: make(chan []byte, len(reqs)),
	}
	for _, id := range ids {
		r.table[id] = &entry{sess: sess}
	}
	metrics.PendingAdd(len(ids))
	metrics.SessionsAdd(1)
	return sess, nil
}

// Dispatch routes one parsed frame. The first frame bearing an id removes
// its table slot; later frames for the same id, and frames for ids nobody
// registered, are orphans. Returns false for orphans.
func (r *Router) Dispatch(f protocol.Frame) bool {
	r.mu.Lock()
	e, ok := r.table[f.ID]
	if !ok {
		r.mu.Unlock()
		metrics.RecordFrame(metrics.FrameOrphaned)
		r.log.Debug().Int64("id", f.ID).Msg("orphaned frame discarded")
		return false
	}
	delete(r.table, f.ID)
	metrics.PendingAdd(-1)

	if e.done != nil {
		r.mu.Unlock()
		// Capacity 1 and exactly-once removal above: this never blocks.
		e.done <- f
		metrics.RecordFrame(metrics.FrameDelivered)
		return true
	}

	sess := e.sess
	delete(sess.remaining, f.ID)
	sess.events <- f.Raw
	if len(sess.remaining) == 0 && !sess.closed {
		sess.closed = true
		close(sess.events)
		metrics.SessionsAdd(-1)
	}
	r.mu.Unlock()
	metrics.RecordFrame(metrics.FrameDelivered)
	return true
}

// CancelSession removes every still-outstanding member of a fan-out session
// and closes its event channel. Frames arriving afterwards for those ids are
// orphans. Safe to call after the session already drained.
func (r *Router) CancelSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range s.remaining {
		delete(r.table, id)
		delete(s.remaining, id)
		metrics.PendingAdd(-1)
	}
	if !s.closed {
		s.closed = true
		close(s.events)
		metrics.SessionsAdd(-1)
	}
}

// PendingCount reports the number of live registrations, for tests and
// status surfaces.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}
