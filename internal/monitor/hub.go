// Package monitor fans session events out to live debug clients and keeps
// running link counters for the debug routes.
package monitor

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/session"
)

// subscriberBuffer is the number of events queued per subscriber before
// further events are dropped for that subscriber.
const subscriberBuffer = 64

// Stats is a point-in-time view of the link counters.
type Stats struct {
	RunID          uuid.UUID `json:"run_id"`
	Sent           int       `json:"sent"`
	Received       int       `json:"received"`
	CRCErrors      int       `json:"crc_errors"`
	Lost           int       `json:"lost"`
	MissingPackets int       `json:"missing_packets"`
	HeaderErrors   int       `json:"header_errors"`
	Desynchronized bool      `json:"desynchronized"`
	Bytes          int64     `json:"bytes"`
	LastSequence   uint32    `json:"last_sequence"`
	LastEvent      time.Time `json:"last_event"`
	Dropped        int64     `json:"dropped"`
}

// Hub is a session.Observer that publishes each event as a JSON line to its
// subscribers. Slow subscribers miss events rather than stall the session.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	stats       Stats
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan string)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel of JSON encoded events and its ID for
// Unsubscribe. After Close the channel is returned already closed.
func (h *Hub) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// OnEvent implements session.Observer.
func (h *Hub) OnEvent(ev session.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		monitoring.Logf("monitor: encode event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count(ev)
	if h.closing {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- string(line):
		default:
			h.stats.Dropped++
		}
	}
}

func (h *Hub) count(ev session.Event) {
	s := &h.stats
	if s.RunID != ev.RunID {
		*s = Stats{RunID: ev.RunID, Dropped: s.Dropped}
	}
	s.LastEvent = ev.Time
	switch ev.Kind {
	case session.EventSent:
		s.Sent++
		s.Bytes += int64(len(ev.Frame))
		s.LastSequence = ev.Sequence
	case session.EventReceived:
		s.Received++
		s.Bytes += int64(len(ev.Frame))
		s.LastSequence = ev.Sequence
	case session.EventHeader:
		s.Received++
		s.HeaderErrors++
		s.Bytes += int64(len(ev.Frame))
	case session.EventCRC:
		s.CRCErrors++
	case session.EventGap:
		s.Lost++
		s.MissingPackets += int(ev.Missing)
	case session.EventDesync:
		s.Desynchronized = true
		s.Bytes += int64(ev.Bytes)
	}
}

// Snapshot returns the current counters.
func (h *Hub) Snapshot() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Close closes every subscriber channel. Later events still update the
// counters but are not published.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil
	}
	h.closing = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	return nil
}
