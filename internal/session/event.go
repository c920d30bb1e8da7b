package session

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies what happened to a frame.
type EventKind string

const (
	EventSent        EventKind = "sent"
	EventReceived    EventKind = "received"
	EventGap         EventKind = "gap"
	EventCRC         EventKind = "crc"
	EventHeader      EventKind = "header"
	EventDesync      EventKind = "desync"
	EventEndOfStream EventKind = "eof"
)

// IsAnomaly reports whether the event is a counted link fault.
func (k EventKind) IsAnomaly() bool {
	switch k {
	case EventGap, EventCRC, EventHeader, EventDesync:
		return true
	}
	return false
}

// Event is emitted to observers for every frame handled by a Runner.
// Sent and received events carry the raw frame; anomaly events carry the
// details needed to record them.
type Event struct {
	RunID    uuid.UUID `json:"run_id"`
	Kind     EventKind `json:"kind"`
	Time     time.Time `json:"time"`
	Sequence uint32    `json:"sequence"`
	// Previous is the last sequence number seen before a gap.
	Previous uint32 `json:"previous,omitempty"`
	// Missing is the number of sequence numbers skipped by a gap.
	Missing uint32 `json:"missing,omitempty"`
	// Bytes is the number of bytes read when a frame was cut short.
	Bytes  int    `json:"bytes,omitempty"`
	Detail string `json:"detail,omitempty"`
	// Frame is the raw frame, when there is one. The receive loop reuses its
	// buffer, so Frame is only valid during OnEvent; copy it to keep it.
	Frame []byte `json:"-"`
}

// Observer receives session events. OnEvent is called synchronously from the
// session loop and must not block for long.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }
