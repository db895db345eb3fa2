package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"jsonrpc-relay/daemon/internal/protocol"
)

type rpcSubmission struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// handleRPC is the single-response path: decode {method, params}, allocate
// and register through the bridge, block until the engine resolves the id.
// The HTTP status is 200 for every outcome that produced an envelope; the
// envelope's error member carries the failure.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.allow(clientKey(r), time.Now()) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	sub, errResp := decodeSubmission(w, r, s.cfg.HTTP.MaxBodyBytes)
	if errResp != nil {
		writeJSON(w, http.StatusOK, errResp)
		return
	}

	if !s.node.Running() {
		writeJSON(w, http.StatusOK, protocol.ErrorResponse(nil, protocol.CodeEngineDown, "engine is not running"))
		return
	}

	id, ch, err := s.bridge.Call(sub.Method, sub.Params)
	if err != nil {
		writeJSON(w, http.StatusOK, protocol.ErrorResponse(nil, protocol.CodeWriteFailed, "engine write failed"))
		return
	}

	var timeout <-chan time.Time
	if s.cfg.HTTP.CallTimeout > 0 {
		timer := time.NewTimer(s.cfg.HTTP.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case frame := <-ch:
		resp := protocol.Response{JSONRPC: protocol.Version, ID: protocol.EncodeID(id)}
		if frame.Failed() {
			resp.Error = frame.Error
		} else {
			resp.Result = frame.Result
		}
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		s.bridge.CancelCall(id)
	case <-timeout:
		s.bridge.CancelCall(id)
		writeJSON(w, http.StatusOK, protocol.ErrorResponse(protocol.EncodeID(id), protocol.CodeCallTimeout, "call timed out"))
	}
}

// decodeSubmission reads one {method, params} body. Anything after the first
// JSON value, an unparseable body, or a blank method comes back as the error
// envelope to answer with.
func decodeSubmission(w http.ResponseWriter, r *http.Request, maxBody int64) (rpcSubmission, *protocol.Response) {
	var sub rpcSubmission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&sub); err != nil {
		resp := protocol.ErrorResponse(nil, protocol.CodeParseError, "invalid JSON body")
		return rpcSubmission{}, &resp
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		resp := protocol.ErrorResponse(nil, protocol.CodeInvalidRequest, "trailing data after request body")
		return rpcSubmission{}, &resp
	}
	sub.Method = strings.TrimSpace(sub.Method)
	if sub.Method == "" {
		resp := protocol.ErrorResponse(nil, protocol.CodeInvalidRequest, "method is required")
		return rpcSubmission{}, &resp
	}
	return sub, nil
}
