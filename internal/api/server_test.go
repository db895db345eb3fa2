package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jsonrpc-relay/daemon/internal/config"
	"jsonrpc-relay/daemon/internal/engine"
	"jsonrpc-relay/daemon/internal/mux"
	"jsonrpc-relay/daemon/internal/protocol"
)

type testHarness struct {
	server *Server
	bridge *mux.Bridge
	node   *engine.Node
	ts     *httptest.Server
}

func newTestHarness(t *testing.T, mutate func(*config.Config)) *testHarness {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.RateLimit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	log := zerolog.Nop()
	node := engine.NewNode(cfg.Engine, log)
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = node.Stop(ctx)
	})

	bridge := mux.New(node.Stdin(), cfg.Engine.MaxFrameBytes, log)
	go func() { _ = bridge.ReadFrames(node.Stdout()) }()

	server := NewServer(cfg, node, bridge, log)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testHarness{server: server, bridge: bridge, node: node, ts: ts}
}

func postRPC(t *testing.T, baseURL, body string) protocol.Response {
	t.Helper()
	resp, err := http.Post(baseURL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var envelope protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope failed: %v", err)
	}
	return envelope
}

func TestRPCSingleRequestResolves(t *testing.T) {
	h := newTestHarness(t, nil)

	envelope := postRPC(t, h.ts.URL, `{"method":"ping","params":{"x":1}}`)
	if envelope.Error != nil {
		t.Fatalf("unexpected error: %+v", envelope.Error)
	}
	var result struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		t.Fatalf("decode result failed: %v", err)
	}
	if result.Method != "ping" {
		t.Fatalf("unexpected echo: %+v", result)
	}
	if !bytes.Equal(bytes.TrimSpace(result.Params), []byte(`{"x":1}`)) {
		t.Fatalf("params did not round-trip: %s", result.Params)
	}
}

func TestRPCEngineErrorBecomesEnvelopeError(t *testing.T) {
	h := newTestHarness(t, nil)

	envelope := postRPC(t, h.ts.URL, `{"method":"x","params":{"fail":true}}`)
	if envelope.Error == nil {
		t.Fatalf("expected error envelope, got result %s", envelope.Result)
	}
	if envelope.Error.Message != "loopback failure" {
		t.Fatalf("unexpected error: %+v", envelope.Error)
	}
}

func TestRPCInvalidBodies(t *testing.T) {
	h := newTestHarness(t, nil)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"not json", `this is not json`, protocol.CodeParseError},
		{"missing method", `{"params":{}}`, protocol.CodeInvalidRequest},
		{"blank method", `{"method":"  "}`, protocol.CodeInvalidRequest},
		{"trailing garbage", `{"method":"a"} extra`, protocol.CodeInvalidRequest},
	}
	for _, tc := range cases {
		envelope := postRPC(t, h.ts.URL, tc.body)
		if envelope.Error == nil {
			t.Fatalf("%s: expected error envelope", tc.name)
		}
		if envelope.Error.Code != tc.code {
			t.Fatalf("%s: code %d, want %d", tc.name, envelope.Error.Code, tc.code)
		}
	}
}

func TestRPCEngineDown(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.node.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	envelope := postRPC(t, h.ts.URL, `{"method":"ping"}`)
	if envelope.Error == nil || envelope.Error.Code != protocol.CodeEngineDown {
		t.Fatalf("expected engine-down envelope, got %+v", envelope)
	}
}

func TestRPCClientDisconnectCancelsPendingEntry(t *testing.T) {
	h := newTestHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.ts.URL+"/rpc",
		strings.NewReader(`{"method":"quiet","params":{"silent":true}}`))
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	errCh := make(chan error, 1)
	go func() {
		_, err := http.DefaultClient.Do(req)
		errCh <- err
	}()

	// Give the handler time to register the id, then walk away.
	waitForPending(t, h.bridge, 1)
	cancel()
	if err := <-errCh; err == nil {
		t.Fatal("request unexpectedly completed")
	}
	waitForPending(t, h.bridge, 0)
}

func TestRPCCallTimeout(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.HTTP.CallTimeout = 50 * time.Millisecond
	})

	envelope := postRPC(t, h.ts.URL, `{"method":"quiet","params":{"silent":true}}`)
	if envelope.Error == nil || envelope.Error.Code != protocol.CodeCallTimeout {
		t.Fatalf("expected timeout envelope, got %+v", envelope)
	}
	waitForPending(t, h.bridge, 0)
}

func waitForPending(t *testing.T, bridge *mux.Bridge, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bridge.Router().PendingCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending count never reached %d (now %d)", want, bridge.Router().PendingCount())
}

func TestHealthReportsEngineState(t *testing.T) {
	h := newTestHarness(t, nil)

	resp, err := http.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Status string `json:"status"`
		Engine string `json:"engine"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Status != "ok" || body.Engine != engine.StateRunning {
		t.Fatalf("unexpected health: %+v", body)
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	h := newTestHarness(t, nil)

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/rpc", strings.NewReader(`{"method":"ping"}`))
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin got %d, want 403", resp.StatusCode)
	}
}

func TestCORSAllowsLocalhostOrigin(t *testing.T) {
	h := newTestHarness(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("localhost origin got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("missing allow-origin header, got %q", got)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.HTTP.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 1, Burst: 1}
	})

	first, err := http.Post(h.ts.URL+"/rpc", "application/json", strings.NewReader(`{"method":"ping"}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	_ = first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request got %d", first.StatusCode)
	}

	second, err := http.Post(h.ts.URL+"/rpc", "application/json", strings.NewReader(`{"method":"ping"}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	_ = second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request got %d, want 429", second.StatusCode)
	}
}

// readSSEDataLines collects the data payload of every event until the stream
// closes or the timeout fires.
func readSSEDataLines(body io.Reader, max int, timeout time.Duration) ([]string, error) {
	result := make(chan []string, 1)
	errCh := make(chan error, 1)
	go func() {
		var lines []string
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				lines = append(lines, strings.TrimPrefix(line, "data: "))
				if max > 0 && len(lines) >= max {
					break
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		result <- lines
	}()
	select {
	case out := <-result:
		return out, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}
