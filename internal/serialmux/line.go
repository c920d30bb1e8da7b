// Package serialmux owns the serial line used by a uartlink session: opening
// and configuring the device, bounded blocking reads, writes and readiness
// polling. Ports are reached through the SerialPorter interface so the line
// can be driven by go.bug.st/serial in production and by test doubles or
// capture replays elsewhere.
package serialmux

import (
	"fmt"
	"os"
	"time"

	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/timeutil"
)

// DefaultMaxReadAttempts caps the short reads issued by a single ReadExact or
// ReadByte call, independent of the idle deadline.
const DefaultMaxReadAttempts = 10000

// State is the lifecycle state of a Line.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateConfigured
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateConfigured:
		return "configured"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Locker acquires exclusive use of the device at path.
type Locker func(path string) (release func() error, err error)

// LineOption customises a Line at open time.
type LineOption func(*Line)

// WithClock replaces the clock used for read deadlines.
func WithClock(c timeutil.Clock) LineOption {
	return func(l *Line) { l.clock = c }
}

// WithLocker replaces the exclusive access mechanism.
func WithLocker(lock Locker) LineOption {
	return func(l *Line) { l.lock = lock }
}

// WithMaxReadAttempts overrides DefaultMaxReadAttempts.
func WithMaxReadAttempts(n int) LineOption {
	return func(l *Line) { l.maxAttempts = n }
}

// Line is an open serial line. It moves Closed -> Open -> Configured ->
// Closed; reads and writes are only allowed once configured. A Line is owned
// by a single session and is not safe for concurrent use.
type Line struct {
	path        string
	port        SerialPorter
	opts        LineOptions
	state       State
	clock       timeutil.Clock
	lock        Locker
	release     func() error
	maxAttempts int

	// lookahead holds bytes consumed by Poll but not yet returned by a read.
	lookahead []byte
}

func defaultLocker(path string) (func() error, error) {
	return LockDevice(os.TempDir(), path)
}

// Open opens the device at path with default line options. The returned line
// is in the Open state and must be configured before use.
func Open(factory SerialPortFactory, path string, options ...LineOption) (*Line, error) {
	defaults := DefaultLineOptions()
	port, err := factory.Open(path, defaults)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, path, err)
	}

	l := &Line{
		path:        path,
		port:        port,
		opts:        defaults,
		state:       StateOpen,
		clock:       timeutil.RealClock{},
		lock:        defaultLocker,
		maxAttempts: DefaultMaxReadAttempts,
	}
	for _, o := range options {
		o(l)
	}
	monitoring.Logf("serial line %s opened", path)
	return l, nil
}

// Configure applies line parameters and requests exclusive access to the
// device. It may be called again on a configured line to change settings.
func (l *Line) Configure(opts LineOptions) error {
	if l.state == StateClosed {
		return fmt.Errorf("configure %s: %w", l.path, ErrNotConfigured)
	}

	normalised, err := opts.Normalise()
	if err != nil {
		return err
	}
	mode, err := normalised.SerialMode()
	if err != nil {
		return err
	}

	if mp, ok := l.port.(ModeSerialPorter); ok {
		if err := mp.SetMode(mode); err != nil {
			return fmt.Errorf("%w: %s %s: %w", ErrDriverRejected, l.path, normalised, err)
		}
	}

	if l.release == nil && l.lock != nil {
		release, err := l.lock(l.path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrExclusiveAccess, l.path, err)
		}
		l.release = release
	}

	l.opts = normalised
	l.state = StateConfigured
	monitoring.Logf("serial line %s configured: %s timeout=%dms bytes_limit=%d",
		l.path, normalised, normalised.TimeoutMS, normalised.BytesLimit)
	return nil
}

// Path returns the device path.
func (l *Line) Path() string { return l.path }

// State returns the current lifecycle state.
func (l *Line) State() State { return l.state }

// Options returns the line options in effect.
func (l *Line) Options() LineOptions { return l.opts }

func (l *Line) String() string {
	return fmt.Sprintf("%s (%s, %s)", l.path, l.opts, l.state)
}

func (l *Line) ready() error {
	if l.state != StateConfigured {
		return fmt.Errorf("%s is %s: %w", l.path, l.state, ErrNotConfigured)
	}
	return nil
}

func (l *Line) setReadTimeout(d time.Duration) {
	tp, ok := l.port.(TimeoutSerialPorter)
	if !ok {
		return
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if err := tp.SetReadTimeout(d); err != nil {
		monitoring.Logf("serial line %s: set read timeout: %v", l.path, err)
	}
}

// Poll reports whether data can be read, waiting at most timeout. A byte
// that arrives while polling is kept and returned by the next read.
func (l *Line) Poll(timeout time.Duration) (bool, error) {
	if err := l.ready(); err != nil {
		return false, err
	}
	if len(l.lookahead) > 0 {
		return true, nil
	}

	l.setReadTimeout(timeout)
	var b [1]byte
	n, err := l.port.Read(b[:])
	if n > 0 {
		l.lookahead = append(l.lookahead, b[0])
	}
	if err != nil {
		return n > 0, fmt.Errorf("%w: %s: %w", ErrPoll, l.path, err)
	}
	return n > 0, nil
}

// ReadExact fills buf with repeated short reads. It stops when buf is full,
// when the line has been idle for the read timeout, or after the attempt
// ceiling. The idle deadline restarts whenever a read returns data, so a
// long frame on a slow line still completes. A short result is always
// reported: the partial count is returned with an error wrapping
// ErrReadTimeout, or ErrRead if the port failed.
func (l *Line) ReadExact(buf []byte) (int, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}

	n := copy(buf, l.lookahead)
	l.lookahead = l.lookahead[n:]

	idle := l.opts.ReadTimeout()
	deadline := l.clock.Now().Add(idle)
	for attempts := 0; n < len(buf); attempts++ {
		remaining := l.clock.Until(deadline)
		if attempts >= l.maxAttempts || remaining <= 0 {
			return n, fmt.Errorf("%w: %s: read %d of %d bytes after %d attempts",
				ErrReadTimeout, l.path, n, len(buf), attempts)
		}
		l.setReadTimeout(remaining)

		m, err := l.port.Read(buf[n:])
		n += m
		if err != nil {
			return n, fmt.Errorf("%w: %s: %w", ErrRead, l.path, err)
		}
		if m > 0 {
			deadline = l.clock.Now().Add(idle)
		}
	}
	return n, nil
}

// ReadByte reads a single byte under the same deadline as ReadExact. It
// implements io.ByteReader.
func (l *Line) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := l.ReadExact(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadWord reads four bytes one at a time and assembles them most
// significant byte first.
func (l *Line) ReadWord() (uint32, error) {
	var word uint32
	for i := 0; i < 4; i++ {
		b, err := l.ReadByte()
		if err != nil {
			return 0, err
		}
		word = word<<8 | uint32(b)
	}
	return word, nil
}

// Write issues a single write. A short count is returned to the caller
// without retrying.
func (l *Line) Write(buf []byte) (int, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	n, err := l.port.Write(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", ErrWrite, l.path, err)
	}
	return n, nil
}

// Close releases the port and the exclusive lock. The line is closed even
// when releasing fails. Closing a closed line is a no-op.
func (l *Line) Close() error {
	if l.state == StateClosed {
		return nil
	}
	l.state = StateClosed
	l.lookahead = nil

	var releaseErr error
	if l.release != nil {
		releaseErr = l.release()
		l.release = nil
	}
	if err := l.port.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrClose, l.path, err)
	}
	if releaseErr != nil {
		return fmt.Errorf("%w: %s: release lock: %w", ErrClose, l.path, releaseErr)
	}
	monitoring.Logf("serial line %s closed", l.path)
	return nil
}
