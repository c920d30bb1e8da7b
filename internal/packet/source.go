package packet

import (
	"math/rand/v2"
	"time"
)

// Source synthesises outgoing packets. It owns the sequence counter, which
// starts at 1, and the generator used for random payloads. A Source is not
// safe for concurrent use.
type Source struct {
	next uint32
	rng  *rand.Rand
}

// NewSource returns a Source whose payloads are reproducible for a given seed.
func NewSource(seed uint64) *Source {
	return &Source{
		next: 1,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// NewTimeSeededSource returns a Source seeded from the wall clock.
func NewTimeSeededSource() *Source {
	return NewSource(uint64(time.Now().UnixNano()))
}

// Next returns the sequence number the next packet will carry.
func (s *Source) Next() uint32 {
	return s.next
}

// Synthesize builds a packet whose encoded frame is exactly totalLength bytes
// long, filled with random payload.
func (s *Source) Synthesize(totalLength int) (*Packet, error) {
	if totalLength < HeaderSize {
		return nil, ErrInvalidLength
	}
	payload := make([]byte, totalLength-HeaderSize)
	for i := range payload {
		payload[i] = byte(s.rng.Uint32())
	}
	p := &Packet{
		Sequence: s.next,
		DataSize: uint64(len(payload)),
		Checksum: Checksum(0, payload),
		Payload:  payload,
	}
	s.next++
	return p, nil
}
