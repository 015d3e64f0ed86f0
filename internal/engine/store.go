package engine

import (
	"sort"
	"sync"

	"github.com/danmuck/simctl/internal/protocol"
)

// Store holds every entity the engine knows about. Ids are process-unique
// and monotonically assigned starting at 1, never reused.
type Store struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]protocol.EntityRecord
}

func NewStore() *Store {
	return &Store{
		nextID:  1,
		records: make(map[uint64]protocol.EntityRecord),
	}
}

// Spawn allocates the next id and inserts a record built from the
// parameters. A missing dimension defaults to 0.
func (s *Store) Spawn(entityType string, parameters protocol.EntityParameters, dimension *uint32) protocol.EntitySummary {
	var dim uint32
	if dimension != nil {
		dim = *dimension
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	record := protocol.EntityRecord{
		Dimension: dim,
		EntityID:  id,
		Kind:      entityType,
		Position:  parameters.Position,
		Velocity:  parameters.Velocity,
		Mass:      parameters.Mass,
	}
	s.records[id] = record
	return record.Summary()
}

// List returns a summary for every stored record ordered by id.
func (s *Store) List() []protocol.EntitySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.EntitySummary, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Get returns a copy of the record for one id.
func (s *Store) Get(entityID uint64) (protocol.EntityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[entityID]
	return record, ok
}

// FirstID returns the lowest stored id, or 0 when the store is empty.
// Telemetry events are tagged with it.
func (s *Store) FirstID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first uint64
	for id := range s.records {
		if first == 0 || id < first {
			first = id
		}
	}
	return first
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
