package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// maxIntervalSamples bounds the inter-arrival samples kept for statistics.
const maxIntervalSamples = 1 << 16

// IntervalStats summarises the time between consecutive frames.
type IntervalStats struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean"`
	StdDev  time.Duration `json:"std_dev"`
	P95     time.Duration `json:"p95"`
	Max     time.Duration `json:"max"`
}

func computeIntervals(samples []float64) IntervalStats {
	if len(samples) == 0 {
		return IntervalStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return IntervalStats{
		Samples: len(sorted),
		Mean:    time.Duration(mean),
		StdDev:  time.Duration(std),
		P95:     time.Duration(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
		Max:     time.Duration(sorted[len(sorted)-1]),
	}
}

// Summary reports the outcome of one send or receive run.
type Summary struct {
	RunID        uuid.UUID `json:"run_id"`
	Direction    Direction `json:"direction"`
	PacketLength int       `json:"packet_length"`

	Sent     int `json:"sent"`
	Received int `json:"received"`
	// CRCErrors counts frames whose payload checksum did not match.
	CRCErrors int `json:"crc_errors"`
	// Lost counts sequence discontinuities.
	Lost int `json:"lost"`
	// MissingPackets counts the sequence numbers skipped across all gaps.
	MissingPackets int `json:"missing_packets"`
	// HeaderErrors counts frames whose header size disagreed with the frame.
	HeaderErrors int `json:"header_errors"`
	// Desynchronized is set when a read came back short and the loop stopped.
	Desynchronized bool `json:"desynchronized"`

	Bytes     int64         `json:"bytes"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Intervals IntervalStats `json:"intervals"`
}

// Packets returns the number of frames handled in this run's direction.
func (s Summary) Packets() int {
	if s.Direction == DirectionSend {
		return s.Sent
	}
	return s.Received
}

// Throughput returns bytes per second over the run.
func (s Summary) Throughput() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

func (s Summary) String() string {
	if s.Direction == DirectionSend {
		return fmt.Sprintf("sent=%d bytes=%d duration=%s", s.Sent, s.Bytes, s.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("received=%d crc_errors=%d lost=%d", s.Received, s.CRCErrors, s.Lost)
}
