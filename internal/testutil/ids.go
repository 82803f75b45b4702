package testutil

// FixedCycleIDs returns the same cycle id every time.
// It satisfies ingest.CycleIDGenerator and is safe for concurrent use.
type FixedCycleIDs struct {
	id string
}

// NewFixedCycleIDs creates a generator returning id.
// An empty id becomes "test-cycle".
func NewFixedCycleIDs(id string) FixedCycleIDs {
	if id == "" {
		id = "test-cycle"
	}
	return FixedCycleIDs{id: id}
}

// Generate returns the fixed id.
func (g FixedCycleIDs) Generate() string {
	return g.id
}
