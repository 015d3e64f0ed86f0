package engine

import (
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/session"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

func TestStoreAssignsMonotonicIDs(t *testing.T) {
	store := NewStore()
	for want := uint64(1); want <= 5; want++ {
		summary := store.Spawn("ship", protocol.EntityParameters{}, nil)
		if summary.EntityID != want {
			t.Fatalf("spawn %d: id = %d", want, summary.EntityID)
		}
	}
	if store.Len() != 5 {
		t.Fatalf("len = %d, want 5", store.Len())
	}
	if store.FirstID() != 1 {
		t.Fatalf("first id = %d, want 1", store.FirstID())
	}
}

func TestStoreDimensionDefaultsToZero(t *testing.T) {
	store := NewStore()
	summary := store.Spawn("ship", protocol.EntityParameters{}, nil)
	if summary.Dimension != 0 {
		t.Fatalf("dimension = %d, want 0", summary.Dimension)
	}

	dim := uint32(9)
	summary = store.Spawn("probe", protocol.EntityParameters{}, &dim)
	if summary.Dimension != 9 {
		t.Fatalf("dimension = %d, want 9", summary.Dimension)
	}
}

func TestStoreListOrderedByID(t *testing.T) {
	store := NewStore()
	for _, kind := range []string{"a", "b", "c"} {
		store.Spawn(kind, protocol.EntityParameters{}, nil)
	}
	list := store.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	for i, summary := range list {
		if summary.EntityID != uint64(i+1) {
			t.Fatalf("list[%d].EntityID = %d", i, summary.EntityID)
		}
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore()
	if _, ok := store.Get(99); ok {
		t.Fatal("expected miss for unknown id")
	}
	if store.FirstID() != 0 {
		t.Fatalf("first id of empty store = %d, want 0", store.FirstID())
	}
}

// startServer runs a live engine on a loopback socket and connects a
// protocol client to it.
func startServer(t *testing.T, cfg Config) (*Server, *session.Client) {
	t.Helper()
	srv, err := Listen(cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = srv.Serve()
	}()

	client, err := session.Dial(srv.Addr().String(), session.DefaultConfig())
	if err != nil {
		_ = srv.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
		select {
		case <-serveDone:
		case <-time.After(5 * time.Second):
			t.Error("serve did not stop")
		}
	})
	return srv, client
}

func TestServerSpawnInspectRoundTrip(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, Config{})

	mass := 3.5
	resp, err := client.Send(protocol.NewSpawnRequest(protocol.SpawnRequest{
		EntityType: "freighter",
		Parameters: protocol.EntityParameters{
			Position: &protocol.Vec2{10, -4},
			Mass:     &mass,
		},
	}))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if resp.Type != protocol.ResponseSpawned || resp.Spawned.Status != protocol.StatusOK {
		t.Fatalf("spawn response = %+v", resp)
	}
	entity := resp.Spawned.Entity
	if entity.EntityID != 1 || entity.Kind != "freighter" || entity.Dimension != 0 {
		t.Fatalf("spawned entity = %+v", entity)
	}

	resp, err = client.Send(protocol.NewInspectRequest(entity.Dimension, entity.EntityID))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if resp.Type != protocol.ResponseInspectResult || resp.InspectResult.Status != protocol.StatusOK {
		t.Fatalf("inspect response = %+v", resp)
	}
	record := resp.InspectResult.Entity
	if record == nil || record.Kind != "freighter" {
		t.Fatalf("record = %+v", record)
	}
	if record.Position == nil || record.Position[0] != 10 || record.Position[1] != -4 {
		t.Fatalf("position = %+v", record.Position)
	}
	if record.Mass == nil || *record.Mass != mass {
		t.Fatalf("mass = %+v", record.Mass)
	}
}

func TestServerInspectUnknownIsNotFound(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, Config{})

	resp, err := client.Send(protocol.NewInspectRequest(0, 12345))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if resp.Type != protocol.ResponseInspectResult {
		t.Fatalf("response = %+v", resp)
	}
	if resp.InspectResult.Status != protocol.StatusNotFound {
		t.Fatalf("status = %q, want not_found", resp.InspectResult.Status)
	}
	if resp.InspectResult.Entity != nil {
		t.Fatalf("entity = %+v, want nil", resp.InspectResult.Entity)
	}
}

func TestServerListAfterPreload(t *testing.T) {
	testlog.Start(t)
	srv, err := Listen(Config{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	scenario := config.ScenarioConfig{}.
		WithSpawn(config.NewSpawnSpec("station").InDimension(2)).
		WithSpawn(config.NewSpawnSpec("shuttle"))
	srv.Preload(scenario)

	list := srv.Store().List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Kind != "station" || list[0].Dimension != 2 || list[0].EntityID != 1 {
		t.Fatalf("list[0] = %+v", list[0])
	}
	if list[1].Kind != "shuttle" || list[1].Dimension != 0 || list[1].EntityID != 2 {
		t.Fatalf("list[1] = %+v", list[1])
	}
}

func TestServerShutdownStopsServing(t *testing.T) {
	testlog.Start(t)
	srv, client := startServer(t, Config{})

	resp, err := client.Send(protocol.NewShutdownRequest())
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if resp.Type != protocol.ResponseShutdown || resp.Shutdown.Status != protocol.StatusOK {
		t.Fatalf("shutdown response = %+v", resp)
	}
	if resp.Shutdown.Message != "shutdown requested" {
		t.Fatalf("shutdown message = %q, want %q", resp.Shutdown.Message, "shutdown requested")
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Running() {
		t.Fatal("server still running after shutdown")
	}
}

func TestServerSynthesizesIdleTelemetry(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, Config{IdleInterval: 5 * time.Millisecond})

	// No requests at all: telemetry must still flow on the idle cadence.
	deadline := time.After(2 * time.Second)
	var ticks []uint64
	for len(ticks) < 3 {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				t.Fatalf("events closed after %d ticks", len(ticks))
			}
			if ev.Type == protocol.EventTelemetry && ev.Telemetry != nil {
				ticks = append(ticks, ev.Telemetry.Tick)
			}
		case <-deadline:
			t.Fatalf("timed out with %d ticks", len(ticks))
		}
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i] <= ticks[i-1] {
			t.Fatalf("ticks not increasing: %v", ticks)
		}
	}
}

func TestServerErrorResponseForMalformedSpawn(t *testing.T) {
	testlog.Start(t)
	srv := &Server{store: NewStore(), events: make(chan protocol.Event, 4)}
	env := protocol.RequestEnvelope{ID: 8, Payload: protocol.Request{Type: protocol.RequestSpawn}}
	out := srv.handleRequest(env)
	if out.ID != 8 {
		t.Fatalf("id = %d, want 8", out.ID)
	}
	if out.Payload.Type != protocol.ResponseError {
		t.Fatalf("response = %+v", out.Payload)
	}
}
