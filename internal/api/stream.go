package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"jsonrpc-relay/daemon/internal/platform/metrics"
	"jsonrpc-relay/daemon/internal/protocol"
)

const streamHeartbeat = 20 * time.Second

// handleRPCStream is the fan-out path: the body carries one raw JSON-RPC
// request object or an array of them, the response is an SSE stream with one
// data event per resolved member, closed when the whole set has resolved.
// Admission failure produces exactly one error-frame event and closes.
// Client disconnect cancels the session's outstanding members.
func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := s.serveRPCStream(w, r)
	metrics.RecordHTTPRequest("rpc_stream", status, time.Since(start))
}

func (s *Server) serveRPCStream(w http.ResponseWriter, r *http.Request) int {
	if !s.applyCORS(w, r) {
		return http.StatusForbidden
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}
	if !s.limiter.allow(clientKey(r), time.Now()) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return http.StatusTooManyRequests
	}
	release, allowed := s.streams.acquire(clientKey(r))
	if !allowed {
		http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
		return http.StatusTooManyRequests
	}
	defer release()

	reqs, errResp := decodeBatch(w, r, s.cfg.HTTP.MaxBodyBytes)
	if errResp != nil {
		writeJSON(w, http.StatusBadRequest, errResp)
		return http.StatusBadRequest
	}
	if !s.node.Running() {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse(nil, protocol.CodeEngineDown, "engine is not running"))
		return http.StatusServiceUnavailable
	}

	sink, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sink.Send(ready); err != nil {
		return http.StatusOK
	}
	_ = sink.Flush()

	session, reject := s.bridge.OpenStream(reqs)
	if reject != nil {
		s.sendFrame(sink, mustMarshal(reject))
		return http.StatusOK
	}
	defer s.bridge.CloseStream(session)

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return http.StatusOK
		case raw, ok := <-session.Events():
			if !ok {
				return http.StatusOK
			}
			if err := s.sendFrame(sink, raw); err != nil {
				return http.StatusOK
			}
		case <-heartbeat.C:
			msg := &sse.Message{}
			msg.AppendComment("keepalive")
			if err := sink.Send(msg); err != nil {
				return http.StatusOK
			}
			_ = sink.Flush()
		}
	}
}

func (s *Server) sendFrame(sink *sse.Session, raw []byte) error {
	msg := &sse.Message{}
	msg.AppendData(string(raw))
	if err := sink.Send(msg); err != nil {
		return err
	}
	return sink.Flush()
}

// decodeBatch reads one raw request object or an array of them. Only JSON
// shape is judged here; the numeric-id rule is the router's admission check,
// whose verdict goes to the sink, not to the HTTP status line.
func decodeBatch(w http.ResponseWriter, r *http.Request, maxBody int64) ([]protocol.Request, *protocol.Response) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		resp := protocol.ErrorResponse(nil, protocol.CodeParseError, "invalid JSON body")
		return nil, &resp
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		resp := protocol.ErrorResponse(nil, protocol.CodeInvalidRequest, "empty body")
		return nil, &resp
	}

	var reqs []protocol.Request
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			resp := protocol.ErrorResponse(nil, protocol.CodeParseError, "invalid JSON body")
			return nil, &resp
		}
	} else {
		var single protocol.Request
		if err := json.Unmarshal(trimmed, &single); err != nil {
			resp := protocol.ErrorResponse(nil, protocol.CodeParseError, "invalid JSON body")
			return nil, &resp
		}
		reqs = []protocol.Request{single}
	}
	if len(reqs) == 0 {
		resp := protocol.ErrorResponse(nil, protocol.CodeInvalidRequest, "empty batch")
		return nil, &resp
	}
	return reqs, nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
