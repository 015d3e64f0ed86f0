package harness

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/session"
)

const (
	shutdownGrace        = 2 * time.Second
	shutdownPollInterval = 10 * time.Millisecond
)

// Session is the per-test facade over a live engine process: tick
// synchronization, telemetry queries, log queries, and shutdown. Session
// methods are not safe for concurrent use; each test drives one session
// from one goroutine, while the collectors run in the background.
type Session struct {
	proc     *process
	client   *session.Client
	logs     *lineBuffer
	events   *eventBuffer
	maxTick  *atomic.Uint64
	tickWait time.Duration

	dimensions map[uint64]uint32
	entities   []protocol.EntitySummary

	logCollectorDone   chan struct{}
	eventCollectorDone chan struct{}
	closed             bool
}

// Entities returns the summaries cached at session start or by the last
// RefreshEntities call.
func (s *Session) Entities() []protocol.EntitySummary {
	return s.entities
}

// MaxTick reports the highest simulation tick observed on telemetry.
func (s *Session) MaxTick() uint64 {
	return s.maxTick.Load()
}

// RefreshEntities replaces the cached entity list and dimension index
// with a fresh listing.
func (s *Session) RefreshEntities() ([]protocol.EntitySummary, error) {
	if s.client == nil {
		return nil, ErrConnectionClosed
	}
	resp, err := s.client.Send(protocol.NewListRequest())
	if err != nil {
		return nil, s.sendError(err)
	}
	if resp.Type != protocol.ResponseListed {
		return nil, unexpectedResponse("list returned %s", resp.Type)
	}
	if resp.Listed.Status != protocol.StatusOK {
		return nil, unexpectedResponse("list failed with status %s", resp.Listed.Status)
	}

	entities := resp.Listed.Entities
	s.dimensions = make(map[uint64]uint32, len(entities))
	for _, entity := range entities {
		s.dimensions[entity.EntityID] = entity.Dimension
	}
	s.entities = entities
	return s.entities, nil
}

// AdvanceTicks waits for the engine to progress by n ticks.
//
// While telemetry flows, it waits for the tick delta. If the deadline
// passes with telemetry silent, it degrades to a liveness probe: a
// running process with an open connection counts as success, since
// telemetry cadence is not contractually guaranteed.
func (s *Session) AdvanceTicks(n uint64) error {
	if n == 0 {
		return nil
	}

	start := s.maxTick.Load()
	target := start + n
	if target < start {
		target = math.MaxUint64
	}
	deadline := scaleWait(s.tickWait, n)

	var waited time.Duration
	for waited <= deadline {
		if state, exited := s.proc.exitState(); exited {
			return &ExitError{State: state}
		}
		if s.maxTick.Load() >= target {
			return nil
		}
		time.Sleep(s.tickWait)
		waited += s.tickWait
	}

	// Crash beats timeout: re-check liveness before conceding success.
	if state, exited := s.proc.exitState(); exited {
		return &ExitError{State: state}
	}
	if s.client == nil || !s.client.IsConnected() {
		return ErrConnectionClosed
	}
	return nil
}

// TelemetryFor fetches the latest record for an entity. An id missing
// from the cached index yields (nil, nil): no such entity is a valid
// empty result, not an error.
func (s *Session) TelemetryFor(entityID uint64) (*protocol.EntityRecord, error) {
	dimension, ok := s.dimensions[entityID]
	if !ok {
		return nil, nil
	}
	if s.client == nil {
		return nil, ErrConnectionClosed
	}

	resp, err := s.client.Send(protocol.NewInspectRequest(dimension, entityID))
	if err != nil {
		return nil, s.sendError(err)
	}
	if resp.Type != protocol.ResponseInspectResult {
		return nil, unexpectedResponse("inspect returned %s", resp.Type)
	}
	return resp.InspectResult.Entity, nil
}

// LogsFor returns captured lines correlated with an entity id: buffered
// stdout/stderr lines containing its decimal text, telemetry events for
// the id, and log events mentioning it. Best-effort textual correlation,
// not a structured join.
func (s *Session) LogsFor(entityID uint64) []LogLine {
	idText := strconv.FormatUint(entityID, 10)
	var lines []LogLine
	for _, line := range s.logs.snapshot() {
		if strings.Contains(line.Line, idText) {
			lines = append(lines, line)
		}
	}
	for _, event := range s.events.snapshot() {
		switch {
		case event.Type == protocol.EventTelemetry && event.Telemetry != nil && event.Telemetry.ID == entityID:
			t := event.Telemetry
			lines = append(lines, LogLine{
				Stream: StreamEvent,
				Line:   fmt.Sprintf("tick %d [%s]: %s", t.Tick, t.Ship, t.Message),
			})
		case event.Type == protocol.EventLog && event.Log != nil && strings.Contains(event.Log.Message, idText):
			lines = append(lines, LogLine{Stream: StreamEvent, Line: event.Log.Message})
		}
	}
	return lines
}

// AllLogs returns every buffered line plus every buffered event rendered
// as a line. Order holds within each buffer, not across them.
func (s *Session) AllLogs() []LogLine {
	lines := s.logs.snapshot()
	for _, event := range s.events.snapshot() {
		switch {
		case event.Type == protocol.EventTelemetry && event.Telemetry != nil:
			t := event.Telemetry
			lines = append(lines, LogLine{
				Stream: StreamEvent,
				Line:   fmt.Sprintf("entity %d tick %d [%s]: %s", t.ID, t.Tick, t.Ship, t.Message),
			})
		case event.Type == protocol.EventLog && event.Log != nil:
			lines = append(lines, LogLine{Stream: StreamEvent, Line: event.Log.Message})
		}
	}
	return lines
}

// Close performs the two-phase shutdown: best-effort shutdown request,
// a grace period for voluntary exit, then forced termination. Idempotent
// and never fails outward; the session is being torn down regardless.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.client != nil {
		// Response and errors are discarded: the engine may close the
		// connection as part of shutting down.
		_, _ = s.client.Send(protocol.NewShutdownRequest())
	}

	deadline := time.Now().Add(shutdownGrace)
	exited := false
	for time.Now().Before(deadline) {
		if _, ok := s.proc.exitState(); ok {
			exited = true
			break
		}
		time.Sleep(shutdownPollInterval)
	}
	if !exited {
		s.proc.kill()
		s.proc.awaitExit()
	}

	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	<-s.logCollectorDone
	<-s.eventCollectorDone
	return nil
}

func (s *Session) sendError(err error) error {
	if errors.Is(err, session.ErrClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("harness: request failed: %w", err)
}

// scaleWait computes the generous advance deadline tickWait*n*2 with
// saturating arithmetic.
func scaleWait(wait time.Duration, n uint64) time.Duration {
	if wait <= 0 {
		return 0
	}
	limit := uint64(math.MaxInt64) / uint64(wait)
	if n > limit/2 {
		return time.Duration(math.MaxInt64)
	}
	return wait * time.Duration(2*n)
}
