package protocol

// Status is the server-reported outcome of one request.
type Status string

const (
	StatusOK       Status = "ok"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// Vec2 is a 2D coordinate pair encoded as [x, y].
type Vec2 [2]float64

// EntityParameters carries optional initial state for a spawn request.
type EntityParameters struct {
	Position *Vec2    `json:"position,omitempty"`
	Velocity *Vec2    `json:"velocity,omitempty"`
	Mass     *float64 `json:"mass,omitempty"`
}

// EntityRecord is the full telemetry snapshot for one entity. The server
// owns the canonical record; every response carries a copy.
type EntityRecord struct {
	Dimension uint32   `json:"dimension"`
	EntityID  uint64   `json:"entity_id"`
	Kind      string   `json:"kind"`
	Position  *Vec2    `json:"position,omitempty"`
	Velocity  *Vec2    `json:"velocity,omitempty"`
	Mass      *float64 `json:"mass,omitempty"`
}

// EntitySummary is the reduced projection returned by spawn and list.
type EntitySummary struct {
	Dimension uint32 `json:"dimension"`
	EntityID  uint64 `json:"entity_id"`
	Kind      string `json:"kind"`
	Position  *Vec2  `json:"position,omitempty"`
}

// Summary projects a record down to its list/spawn shape.
func (r EntityRecord) Summary() EntitySummary {
	return EntitySummary{
		Dimension: r.Dimension,
		EntityID:  r.EntityID,
		Kind:      r.Kind,
		Position:  r.Position,
	}
}
