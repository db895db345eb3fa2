// Package daemon composes the relay: configuration in, engine node + mux
// bridge + HTTP server out, run under one errgroup until the context is
// cancelled.
package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"jsonrpc-relay/daemon/internal/api"
	"jsonrpc-relay/daemon/internal/config"
	"jsonrpc-relay/daemon/internal/engine"
	"jsonrpc-relay/daemon/internal/mux"
	"jsonrpc-relay/daemon/internal/platform/logging"
)

// Run starts the engine, wires the bridge across its pipes, and serves HTTP
// until ctx is cancelled. Engine exit is not fatal: the reader loop ends,
// in-flight callers hang as documented, and the HTTP server keeps answering
// (new submissions get the engine-down error).
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	node := engine.NewNode(cfg.Engine, logging.Component(log, "engine"))
	if err := node.Start(ctx); err != nil {
		return err
	}

	muxLog := logging.Component(log, "mux")
	bridge := mux.New(node.Stdin(), cfg.Engine.MaxFrameBytes, muxLog)
	server := api.NewServer(cfg, node, bridge, logging.Component(log, "api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := bridge.ReadFrames(node.Stdout()); err != nil {
			muxLog.Warn().Err(err).Msg("engine read loop ended")
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("listen", cfg.Listen).Str("transport", cfg.Engine.Transport).Msg("relayd serving")
		return server.Run(gctx)
	})
	// Stopping the engine closes its stdout, which is what unblocks the
	// read loop above.
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.StopGrace+2*time.Second)
		defer cancel()
		if err := node.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("engine stop failed")
		}
		return nil
	})
	return g.Wait()
}
