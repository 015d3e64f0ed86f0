package main

import (
	"flag"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/engine"
	"github.com/danmuck/simctl/internal/logging"
	"github.com/danmuck/simctl/internal/observability"
)

func main() {
	bindAddr := flag.String("bind-addr", "127.0.0.1:0", "TCP listen address for the protocol socket")
	scenarioPath := flag.String("scenario", "", "TOML scenario file to preload entities from")
	worldSeed := flag.Uint64("seed", 0, "deterministic world seed")
	contextPlugin := flag.String("context-plugin", "", "context plugin path (recorded, not loaded)")
	debugAddr := flag.String("debug-addr", "", "optional HTTP debug/metrics address")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("simengine")

	srv, err := engine.Listen(engine.Config{BindAddr: *bindAddr})
	if err != nil {
		log.Fatal().Err(err).Msg("bind failed")
	}

	if *worldSeed != 0 {
		log.Info().Uint64("seed", *worldSeed).Msg("world seed set")
	}
	if *contextPlugin != "" {
		log.Info().Str("path", *contextPlugin).Msg("context plugin recorded")
	}
	if *scenarioPath != "" {
		scenario, err := config.LoadScenario(*scenarioPath)
		if err != nil {
			log.Fatal().Err(err).Msg("scenario load failed")
		}
		srv.Preload(scenario)
	}

	if *debugAddr != "" {
		go func() {
			if err := srv.ServeDebug("simengine", *debugAddr); err != nil {
				log.Error().Err(err).Msg("debug surface stopped")
			}
		}()
	}

	// The harness handshake scans stdout for this exact announcement.
	fmt.Printf("listening on %s\n", srv.Addr())

	if err := srv.Serve(); err != nil {
		log.Fatal().Err(err).Msg("engine stopped")
	}
}
