package db

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uartlink/internal/httputil"
	"github.com/banshee-data/uartlink/internal/session"
)

// Run status values.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusDesync  = "desync"
	StatusError   = "error"
)

// RunMeta describes a run before it starts.
type RunMeta struct {
	RunID     uuid.UUID
	Device    string
	Line      string
	Config    session.Config
	StartedAt time.Time
}

// Run is a stored run.
type Run struct {
	RunID          uuid.UUID     `json:"run_id"`
	Device         string        `json:"device"`
	Line           string        `json:"line"`
	Direction      string        `json:"direction"`
	PacketLength   int           `json:"packet_length"`
	PacketCount    int           `json:"packet_count"`
	DelayMS        int64         `json:"delay_ms"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Sent           int           `json:"sent"`
	Received       int           `json:"received"`
	CRCErrors      int           `json:"crc_errors"`
	Lost           int           `json:"lost"`
	MissingPackets int           `json:"missing_packets"`
	HeaderErrors   int           `json:"header_errors"`
	Desynchronized bool          `json:"desynchronized"`
	Bytes          int64         `json:"bytes"`
	Status         string        `json:"status"`
	Error          string        `json:"error,omitempty"`
}

// Anomaly is a stored link fault.
type Anomaly struct {
	ID         int64     `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	Kind       string    `json:"kind"`
	Sequence   uint32    `json:"sequence"`
	Previous   uint32    `json:"previous"`
	Missing    uint32    `json:"missing"`
	Bytes      int       `json:"bytes"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// BeginRun inserts a run in the running state.
func (db *DB) BeginRun(meta RunMeta) error {
	_, err := db.Exec(
		`INSERT INTO runs (
			run_id, device, line, direction, packet_length, packet_count,
			delay_ms, started_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.RunID.String(), meta.Device, meta.Line, string(meta.Config.Direction),
		meta.Config.PacketLength, meta.Config.Count, meta.Config.Delay.Milliseconds(),
		unixSeconds(meta.StartedAt), StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", meta.RunID, err)
	}
	return nil
}

// runStatus maps the outcome of a run to its stored status.
func runStatus(runErr error) string {
	switch {
	case errors.Is(runErr, session.ErrDesync):
		return StatusDesync
	case runErr != nil:
		return StatusError
	default:
		return StatusOK
	}
}

// FinishRun stores the final counters of a run started with BeginRun.
func (db *DB) FinishRun(sum session.Summary, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := db.Exec(
		`UPDATE runs SET
			finished_at = ?, duration_ms = ?, sent = ?, received = ?,
			crc_errors = ?, lost = ?, missing_packets = ?, header_errors = ?,
			desynchronized = ?, bytes = ?, interval_mean_ms = ?, interval_p95_ms = ?,
			status = ?, error = ?
		WHERE run_id = ?`,
		unixSeconds(sum.Started.Add(sum.Duration)), millis(sum.Duration), sum.Sent, sum.Received,
		sum.CRCErrors, sum.Lost, sum.MissingPackets, sum.HeaderErrors,
		sum.Desynchronized, sum.Bytes, millis(sum.Intervals.Mean), millis(sum.Intervals.P95),
		runStatus(runErr), errText,
		sum.RunID.String(),
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", sum.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: %w", sum.RunID, sql.ErrNoRows)
	}
	return nil
}

// RecordAnomaly stores one anomaly event.
func (db *DB) RecordAnomaly(ev session.Event) error {
	_, err := db.Exec(
		`INSERT INTO anomalies (
			run_id, kind, sequence, previous, missing, bytes, detail, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID.String(), string(ev.Kind), ev.Sequence, ev.Previous, ev.Missing,
		ev.Bytes, ev.Detail, unixSeconds(ev.Time),
	)
	if err != nil {
		return fmt.Errorf("insert %s anomaly for run %s: %w", ev.Kind, ev.RunID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r          Run
		id         string
		startedAt  float64
		durationMS sql.NullFloat64
		errText    sql.NullString
	)
	err := row.Scan(&id, &r.Device, &r.Line, &r.Direction, &r.PacketLength, &r.PacketCount,
		&r.DelayMS, &startedAt, &durationMS, &r.Sent, &r.Received, &r.CRCErrors, &r.Lost,
		&r.MissingPackets, &r.HeaderErrors, &r.Desynchronized, &r.Bytes, &r.Status, &errText)
	if err != nil {
		return Run{}, err
	}
	if r.RunID, err = uuid.Parse(id); err != nil {
		return Run{}, fmt.Errorf("run id %q: %w", id, err)
	}
	r.StartedAt = fromUnixSeconds(startedAt)
	if durationMS.Valid {
		r.Duration = time.Duration(durationMS.Float64 * float64(time.Millisecond))
	}
	r.Error = errText.String
	return r, nil
}

const runColumns = `run_id, device, line, direction, packet_length, packet_count,
	delay_ms, started_at, duration_ms, sent, received, crc_errors, lost,
	missing_packets, header_errors, desynchronized, bytes, status, error`

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run. It returns sql.ErrNoRows when id is unknown.
func (db *DB) GetRun(id uuid.UUID) (Run, error) {
	return scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id.String()))
}

// Anomalies returns the anomalies of a run in the order they were recorded.
func (db *DB) Anomalies(id uuid.UUID) ([]Anomaly, error) {
	rows, err := db.Query(
		`SELECT anomaly_id, kind, sequence, previous, missing, bytes, detail, occurred_at
		FROM anomalies WHERE run_id = ? ORDER BY anomaly_id`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		a := Anomaly{RunID: id}
		var detail sql.NullString
		var at float64
		if err := rows.Scan(&a.ID, &a.Kind, &a.Sequence, &a.Previous, &a.Missing, &a.Bytes, &detail, &at); err != nil {
			return nil, err
		}
		a.Detail = detail.String
		a.OccurredAt = fromUnixSeconds(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := db.RecentRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}
