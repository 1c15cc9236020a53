package telemetry

// Sequencer assigns strictly increasing reading sequence numbers.
type Sequencer struct {
	next uint64
}

// NewSequencer continues after last, the highest number already issued.
func NewSequencer(last uint64) *Sequencer {
	return &Sequencer{next: last + 1}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	n := s.next
	s.next++
	return n
}

// Last returns the most recently issued number, or the starting point.
func (s *Sequencer) Last() uint64 {
	return s.next - 1
}
