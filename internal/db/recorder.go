package db

import (
	"sync"

	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/session"
)

// Recorder writes the anomalies of a session to the database. It implements
// session.Observer. Storage errors are logged and counted, never returned to
// the session.
type Recorder struct {
	db *DB

	mu       sync.Mutex
	recorded int
	failed   int
}

func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

// OnEvent implements session.Observer.
func (r *Recorder) OnEvent(ev session.Event) {
	if !ev.Kind.IsAnomaly() {
		return
	}
	err := r.db.RecordAnomaly(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		monitoring.Logf("run history: %v", err)
		return
	}
	r.recorded++
}

// Counts returns how many anomalies were stored and how many failed.
func (r *Recorder) Counts() (recorded, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded, r.failed
}
