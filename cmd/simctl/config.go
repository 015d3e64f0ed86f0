package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/simctl/internal/config"
)

type fileConfig struct {
	Binary           string            `toml:"binary"`
	Args             []string          `toml:"args"`
	Scenario         string            `toml:"scenario"`
	ContextPlugin    string            `toml:"context_plugin"`
	Seed             uint64            `toml:"seed"`
	Env              map[string]string `toml:"env"`
	WorkingDirectory string            `toml:"working_directory"`
	StartupTimeout   string            `toml:"startup_timeout"`
	TickWait         string            `toml:"tick_wait"`
	Ticks            uint64            `toml:"ticks"`
	Attach           bool              `toml:"attach"`
}

type runConfig struct {
	engine   config.EngineConfig
	scenario string
	ticks    uint64
	attach   bool
}

func loadRunConfig(path string) (runConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load run config: %w", err)
	}

	binary := strings.TrimSpace(raw.Binary)
	if binary == "" {
		return runConfig{}, fmt.Errorf("load run config: binary is required")
	}

	cfg := config.NewEngineConfig(binary)
	for _, arg := range raw.Args {
		cfg = cfg.WithArg(arg)
	}
	if raw.ContextPlugin != "" {
		cfg = cfg.WithContextPlugin(raw.ContextPlugin)
	}
	if meta.IsDefined("seed") {
		cfg = cfg.WithWorldSeed(raw.Seed)
	}
	for key, value := range raw.Env {
		cfg = cfg.WithEnv(key, value)
	}
	if raw.WorkingDirectory != "" {
		cfg = cfg.WithWorkingDirectory(raw.WorkingDirectory)
	}
	if meta.IsDefined("startup_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StartupTimeout))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse startup_timeout: %w", err)
		}
		cfg = cfg.WithStartupTimeout(d)
	}
	if meta.IsDefined("tick_wait") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TickWait))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse tick_wait: %w", err)
		}
		cfg = cfg.WithTickWait(d)
	}

	out := runConfig{
		engine:   cfg,
		scenario: strings.TrimSpace(raw.Scenario),
		ticks:    raw.Ticks,
		attach:   raw.Attach,
	}
	if out.attach && out.scenario != "" {
		// Attach mode hands the scenario to the engine itself.
		out.engine = out.engine.WithScenarioPath(out.scenario)
	}
	return out, nil
}
