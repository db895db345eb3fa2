package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startLoopbackNode(t *testing.T) *Node {
	t.Helper()
	cfg := DefaultConfig()
	node := NewNode(cfg, zerolog.Nop())
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = node.Stop(ctx)
	})
	return node
}

// frameReader pulls parsed response lines off the node stdout with a
// timeout, so a missing reply fails the test instead of hanging it.
func frameReader(t *testing.T, r io.Reader) <-chan map[string]any {
	t.Helper()
	out := make(chan map[string]any, 16)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			var frame map[string]any
			if err := json.Unmarshal(sc.Bytes(), &frame); err != nil {
				continue
			}
			out <- frame
		}
		close(out)
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-frames:
		if !ok {
			t.Fatal("stdout closed before a frame arrived")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func sendLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("write to engine failed: %v", err)
	}
}

func TestLoopbackEchoesMethodAndParams(t *testing.T) {
	node := startLoopbackNode(t)
	frames := frameReader(t, node.Stdout())

	sendLine(t, node.Stdin(), `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"x":1}}`)
	frame := nextFrame(t, frames)
	if frame["id"].(float64) != 1 {
		t.Fatalf("unexpected id: %v", frame["id"])
	}
	result, ok := frame["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result in %v", frame)
	}
	if result["method"] != "ping" {
		t.Fatalf("unexpected echo: %v", result)
	}
}

func TestLoopbackFailDirectiveProducesErrorFrame(t *testing.T) {
	node := startLoopbackNode(t)
	frames := frameReader(t, node.Stdout())

	sendLine(t, node.Stdin(), `{"id":2,"method":"x","params":{"fail":true}}`)
	frame := nextFrame(t, frames)
	errObj, ok := frame["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error frame, got %v", frame)
	}
	if errObj["message"] != "loopback failure" {
		t.Fatalf("unexpected error: %v", errObj)
	}
}

func TestLoopbackSilentDirectiveRepliesNothing(t *testing.T) {
	node := startLoopbackNode(t)
	frames := frameReader(t, node.Stdout())

	sendLine(t, node.Stdin(), `{"id":3,"method":"quiet","params":{"silent":true}}`)
	sendLine(t, node.Stdin(), `{"id":4,"method":"loud"}`)

	// The only reply is for the second request; the silent one left no frame.
	frame := nextFrame(t, frames)
	if frame["id"].(float64) != 4 {
		t.Fatalf("expected reply for id 4, got %v", frame["id"])
	}
}

func TestLoopbackDelayDirectiveRepliesLater(t *testing.T) {
	node := startLoopbackNode(t)
	frames := frameReader(t, node.Stdout())

	start := time.Now()
	sendLine(t, node.Stdin(), `{"id":5,"method":"slow","params":{"delayMs":50}}`)
	frame := nextFrame(t, frames)
	if frame["id"].(float64) != 5 {
		t.Fatalf("unexpected id: %v", frame["id"])
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("delayed reply arrived too early")
	}
}

func TestNodeStatusTransitions(t *testing.T) {
	cfg := DefaultConfig()
	node := NewNode(cfg, zerolog.Nop())
	if got := node.Status().State; got != StateStopped {
		t.Fatalf("initial state %q", got)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := node.Status().State; got != StateRunning {
		t.Fatalf("state after start %q", got)
	}
	if !node.Running() {
		t.Fatal("Running() false while running")
	}
	if err := node.Start(context.Background()); err == nil {
		t.Fatal("second start succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := node.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := node.Status().State; got != StateStopped {
		t.Fatalf("state after stop %q", got)
	}
}

func TestNodeRejectsUnknownTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = "carrier-pigeon"
	node := NewNode(cfg, zerolog.Nop())
	if err := node.Start(context.Background()); err == nil {
		t.Fatal("unknown transport accepted")
	}
}

func TestNodeMarksSelfExitedWhenEngineDies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = TransportSubprocess
	cfg.Command = []string{"true"}
	node := NewNode(cfg, zerolog.Nop())
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if node.Status().State == StateExited {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state still %q after engine exit", node.Status().State)
}

func TestSubprocessRoundTripAndStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = TransportSubprocess
	cfg.Command = []string{"cat"}
	cfg.StopGrace = 500 * time.Millisecond
	node := NewNode(cfg, zerolog.Nop())
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	frames := frameReader(t, node.Stdout())
	line := fmt.Sprintf(`{"id":%d,"result":{"ok":true}}`, 9)
	sendLine(t, node.Stdin(), line)
	frame := nextFrame(t, frames)
	if frame["id"].(float64) != 9 {
		t.Fatalf("cat did not echo the line: %v", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := node.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := node.Status().State; got != StateStopped {
		t.Fatalf("state after stop %q", got)
	}
}
