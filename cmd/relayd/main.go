package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"jsonrpc-relay/daemon/internal/config"
	"jsonrpc-relay/daemon/internal/daemon"
	"jsonrpc-relay/daemon/internal/platform/logging"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to relayd.yaml (optional)")
	engineCmd := flag.String("engine", "", "Engine command line, e.g. \"codex app-server\" (overrides config)")
	transport := flag.String("transport", "", "Engine transport override: subprocess | loopback")
	flag.Parse()
	if *showVersion {
		fmt.Printf("relayd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(*configPath)
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *engineCmd != "" {
		cfg.Engine.Command = strings.Fields(*engineCmd)
		if *transport == "" {
			cfg.Engine.Transport = "subprocess"
		}
	}
	if *transport != "" {
		cfg.Engine.Transport = *transport
	}

	log := logging.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", version).Msg("relayd starting")
	if err := daemon.Run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("relayd failed")
		os.Exit(1)
	}
	log.Info().Msg("relayd stopped")
}
