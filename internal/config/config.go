// Package config owns launch-time value objects for the harness and the
// engine binary: process configuration, scenario spawn directives, and the
// TOML scenario file loader shared by both sides.
package config

import (
	"time"

	"github.com/danmuck/simctl/internal/protocol"
)

// EngineConfig describes how to launch one engine process. It is owned by
// the caller until handed to harness.Spawn and never mutated afterwards.
type EngineConfig struct {
	// BinaryPath locates the engine executable to spawn.
	BinaryPath string
	// ExtraArgs are passed through to the engine ahead of managed flags.
	ExtraArgs []string
	// ScenarioPath, when set, is forwarded via --scenario.
	ScenarioPath string
	// ContextPlugin, when set, is forwarded via --context-plugin.
	ContextPlugin string
	// WorldSeed, when set, is forwarded via --seed.
	WorldSeed *uint64
	// Env holds environment overrides applied to the child process.
	Env map[string]string
	// WorkingDirectory overrides the child working directory when set.
	WorkingDirectory string
	// StartupTimeout bounds the wait for the listen-address announcement.
	StartupTimeout time.Duration
	// TickWait is the expected inter-tick delay used when telemetry is
	// silent.
	TickWait time.Duration
}

// NewEngineConfig builds a config with default timeouts for one binary.
func NewEngineConfig(binaryPath string) EngineConfig {
	return EngineConfig{
		BinaryPath:     binaryPath,
		Env:            make(map[string]string),
		StartupTimeout: 5 * time.Second,
		TickWait:       10 * time.Millisecond,
	}
}

func (c EngineConfig) WithArg(arg string) EngineConfig {
	c.ExtraArgs = append(append([]string(nil), c.ExtraArgs...), arg)
	return c
}

func (c EngineConfig) WithScenarioPath(path string) EngineConfig {
	c.ScenarioPath = path
	return c
}

func (c EngineConfig) WithContextPlugin(path string) EngineConfig {
	c.ContextPlugin = path
	return c
}

func (c EngineConfig) WithWorldSeed(seed uint64) EngineConfig {
	c.WorldSeed = &seed
	return c
}

func (c EngineConfig) WithEnv(key, value string) EngineConfig {
	env := make(map[string]string, len(c.Env)+1)
	for k, v := range c.Env {
		env[k] = v
	}
	env[key] = value
	c.Env = env
	return c
}

func (c EngineConfig) WithWorkingDirectory(dir string) EngineConfig {
	c.WorkingDirectory = dir
	return c
}

func (c EngineConfig) WithStartupTimeout(timeout time.Duration) EngineConfig {
	c.StartupTimeout = timeout
	return c
}

func (c EngineConfig) WithTickWait(wait time.Duration) EngineConfig {
	c.TickWait = wait
	return c
}

// SpawnSpec is one entity-spawn directive, consumed once at session start.
type SpawnSpec struct {
	EntityType string
	Parameters protocol.EntityParameters
	Dimension  *uint32
}

func NewSpawnSpec(entityType string) SpawnSpec {
	return SpawnSpec{EntityType: entityType}
}

func (s SpawnSpec) WithParameters(parameters protocol.EntityParameters) SpawnSpec {
	s.Parameters = parameters
	return s
}

func (s SpawnSpec) InDimension(dimension uint32) SpawnSpec {
	s.Dimension = &dimension
	return s
}

// ScenarioConfig is an ordered list of spawn directives.
type ScenarioConfig struct {
	Spawns []SpawnSpec
}

func (c ScenarioConfig) WithSpawn(spec SpawnSpec) ScenarioConfig {
	c.Spawns = append(append([]SpawnSpec(nil), c.Spawns...), spec)
	return c
}
