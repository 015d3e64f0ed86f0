package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/wire"
)

const shipName = "simengine"

// Config tunes one engine server instance.
type Config struct {
	// BindAddr is the TCP listen address; defaults to 127.0.0.1:0.
	BindAddr string
	// IdleInterval is how long the sender waits for a queued event before
	// synthesizing a telemetry tick on its own.
	IdleInterval time.Duration
	// Limits bounds wire message sizes.
	Limits wire.Limits
}

func DefaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1:0",
		IdleInterval: 10 * time.Millisecond,
		Limits:       wire.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BindAddr == "" {
		c.BindAddr = def.BindAddr
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

// Server drives the reference engine state machine over one connection.
type Server struct {
	cfg   Config
	ln    net.Listener
	store *Store

	running atomic.Bool
	tick    atomic.Uint64
	events  chan protocol.Event

	mu   sync.Mutex
	conn net.Conn
}

// Listen binds the server socket. The listen address is available from
// Addr before Serve is called, so callers can announce it first.
func Listen(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		ln:     ln,
		store:  NewStore(),
		events: make(chan protocol.Event, 256),
	}, nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Store exposes the entity store for scenario preloads and the debug
// surface.
func (s *Server) Store() *Store {
	return s.store
}

// Tick reports the current tick counter.
func (s *Server) Tick() uint64 {
	return s.tick.Load()
}

// Running reports whether a shutdown request has not yet been observed.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Preload seeds the store from scenario spawn directives before serving.
func (s *Server) Preload(scenario config.ScenarioConfig) {
	for _, spec := range scenario.Spawns {
		summary := s.store.Spawn(spec.EntityType, spec.Parameters, spec.Dimension)
		log.Info().
			Uint64("entity_id", summary.EntityID).
			Str("kind", summary.Kind).
			Uint32("dimension", summary.Dimension).
			Msg("engine.preload spawned")
	}
}

// Close unblocks Serve by tearing down the listener and any live
// connection. Safe to call more than once.
func (s *Server) Close() error {
	s.running.Store(false)
	err := s.ln.Close()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Serve accepts one connection and runs the dispatch loop until the
// client disconnects or a shutdown request completes.
func (s *Server) Serve() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.running.Store(true)
	log.Info().Str("peer", conn.RemoteAddr().String()).Msg("engine.serve client connected")

	// Both the dispatch loop and the sender write framed messages on the
	// same connection; the lock keeps frames whole.
	var wmu sync.Mutex
	senderDone := make(chan struct{})
	go s.sendEvents(conn, &wmu, senderDone)

	for {
		msg, err := wire.ReadMessage(conn, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("engine.serve read failed")
			}
			break
		}

		var envelope protocol.RequestEnvelope
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
			// Undecodable request: protocol violation, terminate.
			log.Warn().Err(err).Msg("engine.serve bad request envelope")
			break
		}

		response := s.handleRequest(envelope)
		out, err := wire.EncodePayload(response)
		if err != nil {
			log.Error().Err(err).Msg("engine.serve encode response failed")
			break
		}
		wmu.Lock()
		err = wire.WriteMessage(conn, out, s.cfg.Limits)
		wmu.Unlock()
		if err != nil {
			break
		}

		if !s.running.Load() {
			break
		}
	}

	s.running.Store(false)
	close(s.events)
	<-senderDone
	log.Info().Uint64("tick", s.tick.Load()).Msg("engine.serve stopped")
	return nil
}

func (s *Server) handleRequest(envelope protocol.RequestEnvelope) protocol.ResponseEnvelope {
	var response protocol.Response
	switch envelope.Payload.Type {
	case protocol.RequestSpawn:
		body := envelope.Payload.Spawn
		if body == nil {
			response = protocol.NewErrorResponse("spawn request missing body")
			break
		}
		summary := s.store.Spawn(body.EntityType, body.Parameters, body.Dimension)
		response = protocol.NewSpawnedResponse(protocol.SpawnedResponse{
			Status: protocol.StatusOK,
			Entity: summary,
		})
	case protocol.RequestList:
		response = protocol.NewListedResponse(protocol.ListedResponse{
			Status:   protocol.StatusOK,
			Entities: s.store.List(),
		})
	case protocol.RequestInspect:
		body := envelope.Payload.Inspect
		if body == nil {
			response = protocol.NewErrorResponse("inspect request missing body")
			break
		}
		if record, ok := s.store.Get(body.EntityID); ok {
			response = protocol.NewInspectResultResponse(protocol.InspectResultResponse{
				Status: protocol.StatusOK,
				Entity: &record,
			})
		} else {
			response = protocol.NewInspectResultResponse(protocol.InspectResultResponse{
				Status: protocol.StatusNotFound,
			})
		}
	case protocol.RequestShutdown:
		s.running.Store(false)
		response = protocol.NewShutdownResponse(protocol.ShutdownResponse{
			Status:  protocol.StatusOK,
			Message: "shutdown requested",
		})
	default:
		response = protocol.NewErrorResponse("unknown request type")
	}

	observability.RecordEngineRequest(string(envelope.Payload.Type))

	// One telemetry event per request keeps tick counts advancing even
	// for chatty clients that never go idle.
	tick := s.tick.Add(1)
	observability.RecordEngineTick()
	s.queueEvent(s.buildTelemetry(tick))

	return protocol.ResponseEnvelope{ID: envelope.ID, Payload: response}
}

func (s *Server) buildTelemetry(tick uint64) protocol.Event {
	return protocol.NewTelemetryEvent(protocol.TelemetryEvent{
		ID:      s.store.FirstID(),
		Tick:    tick,
		Ship:    shipName,
		Message: "tick " + strconv.FormatUint(tick, 10),
	})
}

func (s *Server) queueEvent(event protocol.Event) {
	select {
	case s.events <- event:
	default:
		// The idle sender keeps ticks flowing; a full queue only drops
		// this observation, never the tick itself.
	}
}

func (s *Server) sendEvents(conn net.Conn, wmu *sync.Mutex, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return
			}
			if event.Type == protocol.EventTelemetry && event.Telemetry != nil {
				s.raiseTick(event.Telemetry.Tick)
			}
			if !s.writeEvent(conn, wmu, event) {
				return
			}
		case <-time.After(s.cfg.IdleInterval):
			if !s.running.Load() {
				return
			}
			// Silent client: synthesize a tick so the harness always has
			// forward progress to observe.
			tick := s.tick.Add(1)
			observability.RecordEngineTick()
			if !s.writeEvent(conn, wmu, s.buildTelemetry(tick)) {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn net.Conn, wmu *sync.Mutex, event protocol.Event) bool {
	msg, err := wire.EncodePayload(event)
	if err != nil {
		log.Error().Err(err).Msg("engine.sendEvents encode failed")
		return false
	}
	wmu.Lock()
	err = wire.WriteMessage(conn, msg, s.cfg.Limits)
	wmu.Unlock()
	if err != nil {
		return false
	}
	observability.RecordEngineEvent(string(event.Type))
	return true
}

func (s *Server) raiseTick(v uint64) {
	for {
		cur := s.tick.Load()
		if v <= cur || s.tick.CompareAndSwap(cur, v) {
			return
		}
	}
}
