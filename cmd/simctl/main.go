package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/harness"
	"github.com/danmuck/simctl/internal/logging"
	"github.com/danmuck/simctl/internal/observability"
)

func main() {
	configPath := flag.String("config", "simctl.toml", "run config (TOML)")
	ticks := flag.Uint64("ticks", 0, "override tick count from the run config")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("simctl")

	run, err := loadRunConfig(*configPath)
	if err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("invalid run config")
		os.Exit(1)
	}
	if *ticks > 0 {
		run.ticks = *ticks
	}

	if err := drive(run); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func drive(run runConfig) error {
	session, err := openSession(run)
	if err != nil {
		return err
	}
	defer session.Close()

	log.Info().Int("entities", len(session.Entities())).Msg("session established")

	if run.ticks > 0 {
		if err := session.AdvanceTicks(run.ticks); err != nil {
			return err
		}
		log.Info().Uint64("tick", session.MaxTick()).Msg("advance complete")
	}

	if _, err := session.RefreshEntities(); err != nil {
		return err
	}
	report(session)
	return nil
}

func openSession(run runConfig) (*harness.Session, error) {
	if run.attach || run.scenario == "" {
		h, err := harness.Spawn(run.engine)
		if err != nil {
			return nil, err
		}
		return h.Attach()
	}
	// Load before spawning so a bad scenario file never leaks a process.
	scenario, err := config.LoadScenario(run.scenario)
	if err != nil {
		return nil, err
	}
	h, err := harness.Spawn(run.engine)
	if err != nil {
		return nil, err
	}
	return h.RunScenario(scenario)
}

func report(session *harness.Session) {
	for _, ent := range session.Entities() {
		ev := log.Info().
			Uint64("id", ent.EntityID).
			Str("kind", ent.Kind).
			Uint32("dimension", ent.Dimension)
		record, err := session.TelemetryFor(ent.EntityID)
		if err == nil && record != nil {
			if record.Position != nil {
				ev = ev.Floats64("position", record.Position[:])
			}
			if record.Mass != nil {
				ev = ev.Float64("mass", *record.Mass)
			}
		}
		ev.Msg("entity")
	}
}
