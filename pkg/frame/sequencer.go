package frame

import "sync/atomic"

// Sequencer hands out strictly increasing frame ids.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer returns a sequencer whose first id is after. Pass the highest
// id ever persisted (removed ids included) so ids are not reused on restart.
func NewSequencer(after ID) *Sequencer {
	s := &Sequencer{}
	s.last.Store(uint64(after))
	return s
}

// Next returns the next id.
func (s *Sequencer) Next() ID {
	return ID(s.last.Add(1))
}

// Last returns the most recently issued id, or the starting point if none
// were issued yet.
func (s *Sequencer) Last() ID {
	return ID(s.last.Load())
}
