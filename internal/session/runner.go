// Package session drives a uartlink test run over a serial transport. A
// sender synthesises numbered, checksummed frames and writes them; a receiver
// reads fixed-size frames back, checks sequence continuity and payload
// integrity, and counts what went wrong.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/packet"
	"github.com/banshee-data/uartlink/internal/timeutil"
)

// ErrDesync is returned when a read comes back shorter than one frame. The
// receiver can no longer tell where frames start, so the run ends.
var ErrDesync = errors.New("frame boundary lost")

// Transport is the part of a serial line a session needs.
type Transport interface {
	ReadExact(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock replaces the clock used for delays and timing.
func WithClock(c timeutil.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithSource replaces the packet source used by Send.
func WithSource(s *packet.Source) Option {
	return func(r *Runner) { r.source = s }
}

// WithObserver adds an observer. Observers are called in the order added.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithOutput sets where verbose frame dumps are written.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id uuid.UUID) Option {
	return func(r *Runner) { r.id = id }
}

// Runner executes a single send or receive run.
type Runner struct {
	transport Transport
	cfg       Config
	id        uuid.UUID
	clock     timeutil.Clock
	source    *packet.Source
	observers []Observer
	out       io.Writer

	intervals []float64
}

// NewRunner validates cfg and returns a Runner bound to t.
func NewRunner(t Transport, cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		transport: t,
		cfg:       cfg,
		id:        uuid.New(),
		clock:     timeutil.RealClock{},
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.source == nil {
		r.source = packet.NewTimeSeededSource()
	}
	return r, nil
}

// RunID returns the identifier stamped on this run's summary and events.
func (r *Runner) RunID() uuid.UUID { return r.id }

// Config returns the run configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run dispatches to Send or Receive according to the configured direction.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if r.cfg.Direction == DirectionSend {
		return r.Send(ctx)
	}
	return r.Receive(ctx)
}

func (r *Runner) emit(ev Event) {
	ev.RunID = r.id
	if ev.Time.IsZero() {
		ev.Time = r.clock.Now()
	}
	for _, o := range r.observers {
		o.OnEvent(ev)
	}
}

func (r *Runner) begin(dir Direction) Summary {
	r.intervals = r.intervals[:0]
	monitoring.Logf("session %s: %s %d-byte frames, count=%d delay=%s",
		r.id, dir, r.cfg.PacketLength, r.cfg.Count, r.cfg.Delay)
	return Summary{
		RunID:        r.id,
		Direction:    dir,
		PacketLength: r.cfg.PacketLength,
		Started:      r.clock.Now(),
	}
}

func (r *Runner) finish(sum *Summary) {
	sum.Duration = r.clock.Since(sum.Started)
	sum.Intervals = computeIntervals(r.intervals)
	monitoring.Logf("session %s: done: %s", r.id, sum)
}

// mark records the time since the previous frame.
func (r *Runner) mark(prev *time.Time) {
	now := r.clock.Now()
	if !prev.IsZero() && len(r.intervals) < maxIntervalSamples {
		r.intervals = append(r.intervals, float64(now.Sub(*prev)))
	}
	*prev = now
}

func (r *Runner) dump(p *packet.Packet, frame []byte) {
	if !r.cfg.Verbose {
		return
	}
	fmt.Fprintln(r.out, p)
	fmt.Fprint(r.out, hex.Dump(frame))
}

// Send writes Count frames, or frames until ctx is cancelled when Count is 0.
// Any write failure, including a short write, ends the run with an error.
func (r *Runner) Send(ctx context.Context) (sum Summary, err error) {
	sum = r.begin(DirectionSend)
	defer r.finish(&sum)

	var last time.Time
	for i := 0; r.cfg.Count == 0 || i < r.cfg.Count; i++ {
		if i > 0 && r.cfg.Delay > 0 {
			r.clock.Sleep(r.cfg.Delay)
		}
		if ctx.Err() != nil {
			monitoring.Logf("session %s: send cancelled after %d frames", r.id, sum.Sent)
			break
		}

		p, err := r.source.Synthesize(r.cfg.PacketLength)
		if err != nil {
			return sum, err
		}
		frame := packet.Encode(p)
		n, err := r.transport.Write(frame)
		sum.Bytes += int64(n)
		if err != nil {
			return sum, fmt.Errorf("send frame %d: %w", p.Sequence, err)
		}
		if n != len(frame) {
			return sum, fmt.Errorf("send frame %d: wrote %d of %d bytes: %w",
				p.Sequence, n, len(frame), io.ErrShortWrite)
		}

		sum.Sent++
		r.mark(&last)
		r.dump(p, frame)
		r.emit(Event{Kind: EventSent, Sequence: p.Sequence, Frame: frame})
	}
	return sum, nil
}

// Receive reads frames until ctx is cancelled, Count frames have arrived, or
// the stream ends. Gaps and checksum failures are counted and the loop
// carries on; a short read ends the run with an error wrapping ErrDesync.
func (r *Runner) Receive(ctx context.Context) (sum Summary, err error) {
	sum = r.begin(DirectionReceive)
	defer r.finish(&sum)

	frame := make([]byte, r.cfg.PacketLength)
	var (
		lastSeq  uint32
		haveLast bool
		last     time.Time
	)
	for r.cfg.Count == 0 || sum.Received < r.cfg.Count {
		if ctx.Err() != nil {
			monitoring.Logf("session %s: receive cancelled after %d frames", r.id, sum.Received)
			break
		}

		n, err := r.transport.ReadExact(frame)
		sum.Bytes += int64(n)
		if n < len(frame) {
			if n == 0 && errors.Is(err, io.EOF) {
				r.emit(Event{Kind: EventEndOfStream})
				monitoring.Logf("session %s: end of stream", r.id)
				break
			}
			sum.Desynchronized = true
			r.emit(Event{Kind: EventDesync, Bytes: n, Detail: errString(err), Frame: frame[:n]})
			monitoring.Warnf("session %s: read %d of %d bytes, frame boundary lost", r.id, n, len(frame))
			return sum, fmt.Errorf("%w: read %d of %d bytes: %w", ErrDesync, n, len(frame), err)
		}
		r.mark(&last)

		p, err := packet.Decode(frame)
		var fe *packet.FrameError
		if errors.As(err, &fe) {
			// The header was still parsed, so the sequence baseline moves on.
			sum.Received++
			sum.HeaderErrors++
			lastSeq, haveLast = fe.Packet.Sequence, true
			r.emit(Event{Kind: EventHeader, Sequence: fe.Packet.Sequence, Detail: fe.Error(), Frame: frame})
			monitoring.Warnf("session %s: %v", r.id, fe)
			continue
		} else if err != nil {
			return sum, err
		}
		r.dump(p, frame)

		if haveLast && p.Sequence != 1 && p.Sequence != lastSeq+1 {
			sum.Lost++
			ev := Event{Kind: EventGap, Sequence: p.Sequence, Previous: lastSeq}
			if p.Sequence > lastSeq+1 {
				ev.Missing = p.Sequence - lastSeq - 1
				sum.MissingPackets += int(ev.Missing)
			}
			r.emit(ev)
			monitoring.Warnf("session %s: sequence gap: got %d after %d", r.id, p.Sequence, lastSeq)
		}
		lastSeq, haveLast = p.Sequence, true

		if !p.Verify() {
			sum.CRCErrors++
			want := packet.Checksum(0, p.Payload)
			r.emit(Event{
				Kind:     EventCRC,
				Sequence: p.Sequence,
				Detail:   fmt.Sprintf("header 0x%08x computed 0x%08x", p.Checksum, want),
				Frame:    frame,
			})
			monitoring.Warnf("session %s: frame %d checksum mismatch: header 0x%08x computed 0x%08x",
				r.id, p.Sequence, p.Checksum, want)
		}

		sum.Received++
		r.emit(Event{Kind: EventReceived, Sequence: p.Sequence, Frame: frame})
	}
	return sum, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
