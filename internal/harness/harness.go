package harness

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/session"
)

const handshakePollInterval = 50 * time.Millisecond

// Harness holds a spawned engine process with a connected client, before
// a scenario has been applied. RunScenario or Attach turn it into a
// Session.
type Harness struct {
	proc     *process
	client   *session.Client
	logs     *lineBuffer
	events   *eventBuffer
	maxTick  *atomic.Uint64
	tickWait time.Duration

	logCollectorDone   chan struct{}
	eventCollectorDone chan struct{}
}

// Spawn launches the engine binary, waits for its listen-address
// announcement, and connects the protocol client.
func Spawn(cfg config.EngineConfig) (*Harness, error) {
	cmd := exec.Command(cfg.BinaryPath, buildArgs(cfg)...)
	if cfg.WorkingDirectory != "" {
		cmd.Dir = cfg.WorkingDirectory
	}
	cmd.Env = buildEnv(cfg.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineStart, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineStart, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineStart, err)
	}

	lines := make(chan LogLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go readStream(stdout, StreamStdout, lines, &readers)
	go readStream(stderr, StreamStderr, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	proc := watchProcess(cmd, &readers)
	logs := &lineBuffer{}

	// The collector owns the merged channel for the whole process
	// lifetime so the readers can never wedge on a full channel. Failure
	// paths below must not join it: a child that leaked the pipes to a
	// grandchild would hold the readers open past any deadline, so the
	// observer reaps asynchronously.
	logCollectorDone := make(chan struct{})
	go collectLogs(lines, logs, logCollectorDone)

	addr, err := waitForListenAddress(proc, logs, cfg.StartupTimeout)
	if err != nil {
		proc.kill()
		return nil, err
	}
	log.Debug().Str("addr", addr).Msg("harness.spawn engine announced address")

	client, err := session.Dial(addr, session.Config{RequestTimeout: cfg.StartupTimeout})
	if err != nil {
		proc.kill()
		return nil, fmt.Errorf("harness: connect engine: %w", err)
	}

	events := &eventBuffer{}
	maxTick := &atomic.Uint64{}
	eventCollectorDone := make(chan struct{})
	go collectEvents(client.Events(), events, maxTick, eventCollectorDone)

	return &Harness{
		proc:               proc,
		client:             client,
		logs:               logs,
		events:             events,
		maxTick:            maxTick,
		tickWait:           cfg.TickWait,
		logCollectorDone:   logCollectorDone,
		eventCollectorDone: eventCollectorDone,
	}, nil
}

// RunScenario seeds the engine with the scenario's spawn directives and
// returns the session handle. The harness is torn down on failure.
func (h *Harness) RunScenario(scenario config.ScenarioConfig) (*Session, error) {
	var entities []protocol.EntitySummary
	for _, spec := range scenario.Spawns {
		resp, err := h.client.Send(protocol.NewSpawnRequest(protocol.SpawnRequest{
			EntityType: spec.EntityType,
			Parameters: spec.Parameters,
			Dimension:  spec.Dimension,
		}))
		if err != nil {
			h.abort()
			return nil, fmt.Errorf("harness: spawn %s: %w", spec.EntityType, err)
		}
		switch resp.Type {
		case protocol.ResponseSpawned:
			if resp.Spawned.Status != protocol.StatusOK {
				h.abort()
				return nil, unexpectedResponse("spawn for %s failed with status %s", spec.EntityType, resp.Spawned.Status)
			}
			entities = append(entities, resp.Spawned.Entity)
		case protocol.ResponseError:
			h.abort()
			return nil, unexpectedResponse("%s", resp.Error.Message)
		default:
			h.abort()
			return nil, unexpectedResponse("spawn returned %s", resp.Type)
		}
	}
	return h.finishSession(entities), nil
}

// Attach connects to a pre-seeded engine (e.g. started with --scenario)
// and lists its existing entities.
func (h *Harness) Attach() (*Session, error) {
	resp, err := h.client.Send(protocol.NewListRequest())
	if err != nil {
		h.abort()
		return nil, fmt.Errorf("harness: list entities: %w", err)
	}
	if resp.Type != protocol.ResponseListed {
		h.abort()
		return nil, unexpectedResponse("list returned %s", resp.Type)
	}
	if resp.Listed.Status != protocol.StatusOK {
		h.abort()
		return nil, unexpectedResponse("list failed with status %s", resp.Listed.Status)
	}
	return h.finishSession(resp.Listed.Entities), nil
}

func (h *Harness) finishSession(entities []protocol.EntitySummary) *Session {
	dimensions := make(map[uint64]uint32, len(entities))
	for _, entity := range entities {
		dimensions[entity.EntityID] = entity.Dimension
	}
	return &Session{
		proc:               h.proc,
		client:             h.client,
		logs:               h.logs,
		events:             h.events,
		maxTick:            h.maxTick,
		tickWait:           h.tickWait,
		dimensions:         dimensions,
		entities:           entities,
		logCollectorDone:   h.logCollectorDone,
		eventCollectorDone: h.eventCollectorDone,
	}
}

// abort tears the half-built harness down after a setup failure. The
// collectors are not joined: they drain until their feeds close, and the
// exit observer reaps the child on its own.
func (h *Harness) abort() {
	_ = h.client.Close()
	h.proc.kill()
}

// buildArgs assembles the child argv: passthrough args first, then the
// managed flags, then a default --bind-addr unless the caller supplied
// one.
func buildArgs(cfg config.EngineConfig) []string {
	args := append([]string(nil), cfg.ExtraArgs...)
	if cfg.ScenarioPath != "" {
		args = append(args, "--scenario", cfg.ScenarioPath)
	}
	if cfg.WorldSeed != nil {
		args = append(args, "--seed", strconv.FormatUint(*cfg.WorldSeed, 10))
	}
	if cfg.ContextPlugin != "" {
		args = append(args, "--context-plugin", cfg.ContextPlugin)
	}
	hasBindArg := false
	for _, arg := range args {
		if arg == "--bind-addr" || strings.HasPrefix(arg, "--bind-addr=") {
			hasBindArg = true
			break
		}
	}
	if !hasBindArg {
		args = append(args, "--bind-addr", "127.0.0.1:0")
	}
	return args
}

// buildEnv layers overrides on the parent environment in sorted key
// order so spawns are reproducible.
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

// readStream forwards trimmed lines from one pipe into the merged
// channel until the pipe closes on process exit.
func readStream(r io.Reader, stream LogStream, lines chan<- LogLine, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- LogLine{Stream: stream, Line: strings.TrimSpace(scanner.Text())}
	}
}

// waitForListenAddress polls the captured output for the engine's
// address announcement. An exited child wins over both success and the
// deadline; a marker line that never parsed surfaces as ErrListenParse
// once the deadline passes.
func waitForListenAddress(proc *process, logs *lineBuffer, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	scanned := 0
	var badLine string
	for {
		if state, exited := proc.exitState(); exited {
			return "", &ExitError{State: state}
		}
		lines := logs.snapshot()
		for _, line := range lines[scanned:] {
			if addr, ok := parseListenLine(line.Line); ok {
				return addr, nil
			}
			if strings.Contains(strings.ToLower(line.Line), listenMarker) {
				badLine = line.Line
			}
		}
		scanned = len(lines)
		if !time.Now().Before(deadline) {
			if badLine != "" {
				return "", listenParseError(badLine)
			}
			return "", startupTimeoutError(timeout)
		}
		time.Sleep(handshakePollInterval)
	}
}

const listenMarker = "listening on"

// parseListenLine extracts a socket address from a line containing the
// case-insensitive marker "listening on". Unparseable remainders are not
// fatal; the search simply continues.
func parseListenLine(line string) (string, bool) {
	idx := strings.Index(strings.ToLower(line), listenMarker)
	if idx < 0 {
		return "", false
	}
	after := strings.TrimSpace(line[idx+len(listenMarker):])
	if _, err := netip.ParseAddrPort(after); err != nil {
		return "", false
	}
	return after, true
}

// collectLogs drains the merged stdout/stderr channel for the session's
// lifetime. A pure sink: it never blocks producers and never fails.
func collectLogs(lines <-chan LogLine, logs *lineBuffer, done chan<- struct{}) {
	defer close(done)
	for line := range lines {
		logs.append(line)
	}
}

// collectEvents drains the subscription feed, recording history and
// raising the max observed tick. Terminates when the feed closes.
func collectEvents(events <-chan protocol.Event, buffer *eventBuffer, maxTick *atomic.Uint64, done chan<- struct{}) {
	defer close(done)
	for event := range events {
		buffer.append(event)
		if event.Type == protocol.EventTelemetry && event.Telemetry != nil {
			raiseMax(maxTick, event.Telemetry.Tick)
		}
	}
}

// raiseMax lifts the counter to at least v without ever regressing it.
func raiseMax(counter *atomic.Uint64, v uint64) {
	for {
		cur := counter.Load()
		if v <= cur || counter.CompareAndSwap(cur, v) {
			return
		}
	}
}
