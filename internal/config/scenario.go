package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/simctl/internal/protocol"
)

type scenarioFile struct {
	Spawn []spawnEntry `toml:"spawn"`
}

type spawnEntry struct {
	Type      string    `toml:"type"`
	Position  []float64 `toml:"position"`
	Velocity  []float64 `toml:"velocity"`
	Mass      *float64  `toml:"mass"`
	Dimension *uint32   `toml:"dimension"`
}

// LoadScenario reads spawn directives from a TOML scenario file. The same
// file feeds both the harness (programmatic seeding) and the engine
// binary's --scenario flag (pre-seeded engine).
func LoadScenario(path string) (ScenarioConfig, error) {
	var raw scenarioFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return ScenarioConfig{}, fmt.Errorf("load scenario: %w", err)
	}

	var out ScenarioConfig
	for i, entry := range raw.Spawn {
		if entry.Type == "" {
			return ScenarioConfig{}, fmt.Errorf("load scenario: spawn %d missing type", i)
		}
		spec := SpawnSpec{EntityType: entry.Type, Dimension: entry.Dimension}
		pos, err := vecField(entry.Position, i, "position")
		if err != nil {
			return ScenarioConfig{}, err
		}
		vel, err := vecField(entry.Velocity, i, "velocity")
		if err != nil {
			return ScenarioConfig{}, err
		}
		spec.Parameters = protocol.EntityParameters{
			Position: pos,
			Velocity: vel,
			Mass:     entry.Mass,
		}
		out.Spawns = append(out.Spawns, spec)
	}
	return out, nil
}

func vecField(raw []float64, index int, name string) (*protocol.Vec2, error) {
	switch len(raw) {
	case 0:
		return nil, nil
	case 2:
		return &protocol.Vec2{raw[0], raw[1]}, nil
	default:
		return nil, fmt.Errorf("load scenario: spawn %d %s must have 2 components, got %d", index, name, len(raw))
	}
}
