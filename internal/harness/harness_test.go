package harness

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/engine"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

func TestBuildArgs(t *testing.T) {
	seed := uint64(99)
	cases := []struct {
		name string
		cfg  config.EngineConfig
		want []string
	}{
		{
			"defaults add bind addr",
			config.EngineConfig{BinaryPath: "engine"},
			[]string{"--bind-addr", "127.0.0.1:0"},
		},
		{
			"managed flags after passthrough",
			config.EngineConfig{
				BinaryPath:    "engine",
				ExtraArgs:     []string{"--verbose"},
				ScenarioPath:  "s.toml",
				WorldSeed:     &seed,
				ContextPlugin: "ctx.so",
			},
			[]string{
				"--verbose",
				"--scenario", "s.toml",
				"--seed", "99",
				"--context-plugin", "ctx.so",
				"--bind-addr", "127.0.0.1:0",
			},
		},
		{
			"caller bind addr wins",
			config.EngineConfig{
				BinaryPath: "engine",
				ExtraArgs:  []string{"--bind-addr", "0.0.0.0:9000"},
			},
			[]string{"--bind-addr", "0.0.0.0:9000"},
		},
		{
			"caller bind addr equals form wins",
			config.EngineConfig{
				BinaryPath: "engine",
				ExtraArgs:  []string{"--bind-addr=0.0.0.0:9000"},
			},
			[]string{"--bind-addr=0.0.0.0:9000"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := buildArgs(tc.cfg)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("args = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildEnvAppendsSortedOverrides(t *testing.T) {
	env := buildEnv(map[string]string{"ZZZ_B": "2", "ZZZ_A": "1"})
	if len(env) < 2 {
		t.Fatalf("env too short: %d", len(env))
	}
	tail := env[len(env)-2:]
	if tail[0] != "ZZZ_A=1" || tail[1] != "ZZZ_B=2" {
		t.Fatalf("tail = %v", tail)
	}
}

func TestParseListenLine(t *testing.T) {
	cases := []struct {
		line string
		addr string
		ok   bool
	}{
		{"listening on 127.0.0.1:4000", "127.0.0.1:4000", true},
		{"LISTENING ON 127.0.0.1:4000", "127.0.0.1:4000", true},
		{"2026-01-02 INF engine listening on 10.0.0.5:31337", "10.0.0.5:31337", true},
		{"listening on [::1]:8080", "[::1]:8080", true},
		{"listening on not-an-address", "", false},
		{"listening on", "", false},
		{"engine ready", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		addr, ok := parseListenLine(tc.line)
		if ok != tc.ok || addr != tc.addr {
			t.Errorf("parseListenLine(%q) = (%q, %v), want (%q, %v)", tc.line, addr, ok, tc.addr, tc.ok)
		}
	}
}

func TestScaleWait(t *testing.T) {
	if got := scaleWait(10*time.Millisecond, 3); got != 60*time.Millisecond {
		t.Fatalf("scaleWait = %s, want 60ms", got)
	}
	if got := scaleWait(time.Second, math.MaxUint64); got != time.Duration(math.MaxInt64) {
		t.Fatalf("overflow scaleWait = %s, want max", got)
	}
	if got := scaleWait(0, 5); got != 0 {
		t.Fatalf("zero-wait scaleWait = %s, want 0", got)
	}
}

func TestRaiseMaxNeverRegresses(t *testing.T) {
	var counter atomic.Uint64
	raiseMax(&counter, 10)
	raiseMax(&counter, 4)
	raiseMax(&counter, 12)
	if counter.Load() != 12 {
		t.Fatalf("counter = %d, want 12", counter.Load())
	}
}

func TestLogStreamString(t *testing.T) {
	if StreamStdout.String() != "stdout" || StreamStderr.String() != "stderr" || StreamEvent.String() != "event" {
		t.Fatal("stream names drifted")
	}
	if LogStream(99).String() != "unknown" {
		t.Fatal("unknown stream name drifted")
	}
}

func TestAdvanceTicksZeroIsImmediate(t *testing.T) {
	var maxTick atomic.Uint64
	s := &Session{maxTick: &maxTick}
	if err := s.AdvanceTicks(0); err != nil {
		t.Fatalf("AdvanceTicks(0) = %v", err)
	}
}

// startFakeEngine runs a protocol server in-process and bridges it with a
// shell child that performs the stdout handshake, so the full spawn path
// gets exercised without a second binary.
func startFakeEngine(t *testing.T, script string) (config.EngineConfig, *engine.Server) {
	t.Helper()
	srv, err := engine.Listen(engine.Config{IdleInterval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })

	cfg := config.NewEngineConfig("/bin/sh").
		WithArg("-c").
		WithArg(fmt.Sprintf(script, srv.Addr())).
		WithStartupTimeout(5 * time.Second).
		WithTickWait(10 * time.Millisecond)
	return cfg, srv
}

const handshakeScript = "echo listening on %s; echo entity 1 ready >&2; exec sleep 60"

func TestSpawnRunScenarioAndAdvance(t *testing.T) {
	testlog.Start(t)
	cfg, _ := startFakeEngine(t, handshakeScript)

	h, err := Spawn(cfg)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	scenario := config.ScenarioConfig{}.
		WithSpawn(config.NewSpawnSpec("freighter").InDimension(2)).
		WithSpawn(config.NewSpawnSpec("shuttle"))
	session, err := h.RunScenario(scenario)
	if err != nil {
		t.Fatalf("run scenario: %v", err)
	}
	defer session.Close()

	entities := session.Entities()
	if len(entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(entities))
	}
	if entities[0].EntityID != 1 || entities[0].Kind != "freighter" || entities[0].Dimension != 2 {
		t.Fatalf("entities[0] = %+v", entities[0])
	}
	if entities[1].EntityID != 2 || entities[1].Dimension != 0 {
		t.Fatalf("entities[1] = %+v", entities[1])
	}

	if err := session.AdvanceTicks(3); err != nil {
		t.Fatalf("advance: %v", err)
	}
	before := session.MaxTick()
	if err := session.AdvanceTicks(3); err != nil {
		t.Fatalf("advance again: %v", err)
	}
	if session.MaxTick() < before {
		t.Fatalf("max tick regressed: %d -> %d", before, session.MaxTick())
	}

	record, err := session.TelemetryFor(1)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if record == nil || record.Kind != "freighter" {
		t.Fatalf("record = %+v", record)
	}

	// Unknown id is an empty result, not an error.
	record, err = session.TelemetryFor(424242)
	if err != nil || record != nil {
		t.Fatalf("unknown telemetry = (%+v, %v)", record, err)
	}
}

func TestSessionLogCapture(t *testing.T) {
	testlog.Start(t)
	cfg, _ := startFakeEngine(t, handshakeScript)

	h, err := Spawn(cfg)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	session, err := h.RunScenario(config.ScenarioConfig{}.WithSpawn(config.NewSpawnSpec("probe")))
	if err != nil {
		t.Fatalf("run scenario: %v", err)
	}
	defer session.Close()

	// Give the stderr reader and the telemetry feed a moment.
	waitFor(t, func() bool {
		return session.MaxTick() > 0 && len(session.LogsFor(1)) > 0
	})

	var sawStderr, sawTelemetry bool
	for _, line := range session.LogsFor(1) {
		if line.Stream == StreamStderr && strings.Contains(line.Line, "entity 1 ready") {
			sawStderr = true
		}
		if line.Stream == StreamEvent && strings.Contains(line.Line, "tick") {
			sawTelemetry = true
		}
	}
	if !sawStderr || !sawTelemetry {
		t.Fatalf("correlation missed: stderr=%v telemetry=%v", sawStderr, sawTelemetry)
	}

	if lines := session.LogsFor(424242); len(lines) != 0 {
		t.Fatalf("unknown id matched lines: %v", lines)
	}

	var sawHandshake bool
	for _, line := range session.AllLogs() {
		if line.Stream == StreamStdout && strings.Contains(strings.ToLower(line.Line), "listening on") {
			sawHandshake = true
		}
	}
	if !sawHandshake {
		t.Fatal("handshake line missing from AllLogs")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	cfg, _ := startFakeEngine(t, "echo listening on %s; exec sleep 60")

	h, err := Spawn(cfg)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	session, err := h.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := session.RefreshEntities(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("refresh after close = %v, want ErrConnectionClosed", err)
	}
	if _, err := session.TelemetryFor(424242); err != nil {
		t.Fatalf("unknown telemetry after close = %v, want nil", err)
	}
}

func TestSpawnStartupTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := config.NewEngineConfig("/bin/sh").
		WithArg("-c").
		WithArg("exec sleep 60").
		WithStartupTimeout(200 * time.Millisecond)

	_, err := Spawn(cfg)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
}

func TestSpawnStartupTimeoutWithHeldPipes(t *testing.T) {
	testlog.Start(t)
	// A background child inherits the pipes and floods stdout past the
	// merged-channel capacity; the deadline must still hold even though
	// the readers cannot reach EOF.
	cfg := config.NewEngineConfig("/bin/sh").
		WithArg("-c").
		WithArg("( sleep 0.4; seq 1 500; exec sleep 600 ) & exec sleep 600").
		WithStartupTimeout(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := Spawn(cfg)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrStartupTimeout) {
			t.Fatalf("err = %v, want ErrStartupTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("spawn did not return after the startup timeout")
	}
}

func TestSpawnReportsUnparseableAnnouncement(t *testing.T) {
	testlog.Start(t)
	cfg := config.NewEngineConfig("/bin/sh").
		WithArg("-c").
		WithArg("echo listening on not-an-address; exec sleep 60").
		WithStartupTimeout(300 * time.Millisecond)

	_, err := Spawn(cfg)
	if !errors.Is(err, ErrListenParse) {
		t.Fatalf("err = %v, want ErrListenParse", err)
	}
}

func TestSpawnReportsEarlyExit(t *testing.T) {
	testlog.Start(t)
	cfg := config.NewEngineConfig("/bin/sh").
		WithArg("-c").
		WithArg("exit 3").
		WithStartupTimeout(5 * time.Second)

	_, err := Spawn(cfg)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want ExitError", err)
	}
	if exitErr.State != nil && exitErr.State.ExitCode() != 3 {
		t.Fatalf("exit code = %d, want 3", exitErr.State.ExitCode())
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	testlog.Start(t)
	cfg := config.NewEngineConfig("/nonexistent/simengine")
	_, err := Spawn(cfg)
	if !errors.Is(err, ErrEngineStart) {
		t.Fatalf("err = %v, want ErrEngineStart", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
