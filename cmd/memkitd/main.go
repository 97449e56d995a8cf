// Command memkitd is the memkit daemon: it owns process lifecycle,
// wires the default stdio JSON-RPC transport (and the optional
// TCP/WebSocket transport when -listen is set) to the domain manager,
// and maps the manager's terminal state to the process exit code spec
// §7 describes. Signal handling follows
// bdobrica-Ruriko/internal/ruriko/app.go's App.Run/Stop shape: wait on
// SIGINT/SIGTERM, then drain before exiting.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/memkit/memkit/pkg/config"
	"github.com/memkit/memkit/pkg/engine"
	"github.com/memkit/memkit/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	yamlPath := flag.String("config", "", "path to a YAML config file")
	jsonPath := flag.String("config-json", "", "path to a JSON config override file")
	listen := flag.String("listen", "", "address for the optional TCP/WebSocket transport (e.g. :7077); overrides config")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*yamlPath, *jsonPath)
	if err != nil {
		log.Error().Err(err).Msg("load config")
		return 1
	}
	if *listen != "" {
		cfg.Transport.Listen = *listen
	}

	mgr, err := engine.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("build engine")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	log.Info().Msg("memkitd starting; stdio transport accepting requests")

	stdio := transport.NewStdioTransport(os.Stdin, os.Stdout, log)
	stdioDone := make(chan error, 1)
	go func() {
		stdioDone <- stdio.Serve(ctx, mgr)
	}()

	var wsDone chan error
	if cfg.Transport.Listen != "" {
		ws := transport.NewWebSocketTransport(cfg.Transport.Listen, log)
		wsDone = make(chan error, 1)
		log.Info().Str("addr", cfg.Transport.Listen).Msg("websocket transport listening")
		go func() {
			wsDone <- ws.Serve(ctx, mgr)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("signal received; draining")
	case err := <-stdioDone:
		if err != nil {
			log.Error().Err(err).Msg("stdio transport exited")
		} else {
			log.Info().Msg("stdin closed; draining")
		}
	}

	cancel()
	mgr.Drain()
	if wsDone != nil {
		<-wsDone
	}

	if mgr.State() == engine.StateFailed {
		log.Error().Err(mgr.FailureReason()).Msg("memkitd exiting: engine failed")
		return 2
	}
	log.Info().Msg("memkitd stopped")
	return 0
}
