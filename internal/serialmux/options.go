package serialmux

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultDevice is used when no device path is configured.
	DefaultDevice = "/dev/ttyS0"
	// DefaultBaudRate is the line speed used when none is configured.
	DefaultBaudRate = 9600
	// DefaultTimeoutMS bounds a single blocking read.
	DefaultTimeoutMS = 300
	// DefaultBytesLimit is an advisory ceiling on bytes per read. The line
	// reports it but does not enforce it.
	DefaultBytesLimit = 1024
)

// LineOptions describes the serial connection parameters used when opening a
// line, together with the operational read parameters. The JSON tags match the
// config file so options pass through without translation.
type LineOptions struct {
	BaudRate   int    `json:"baud_rate"`
	DataBits   int    `json:"data_bits"`
	StopBits   int    `json:"stop_bits"`
	Parity     string `json:"parity"`
	TimeoutMS  int    `json:"timeout_ms"`
	BytesLimit int    `json:"bytes_limit"`
}

// DefaultLineOptions returns 9600 8N1 with the default read timeout.
func DefaultLineOptions() LineOptions {
	return LineOptions{
		BaudRate:   DefaultBaudRate,
		DataBits:   8,
		StopBits:   1,
		Parity:     "N",
		TimeoutMS:  DefaultTimeoutMS,
		BytesLimit: DefaultBytesLimit,
	}
}

// Normalise validates the options and applies defaults for any unset values.
// Validation failures wrap ErrBadParameter.
func (o LineOptions) Normalise() (LineOptions, error) {
	opts := o

	if opts.BaudRate < 0 {
		return opts, fmt.Errorf("%w: invalid baud rate %d", ErrBadParameter, opts.BaudRate)
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("%w: invalid data bits %d: must be between 5 and 8", ErrBadParameter, opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("%w: invalid stop bits %d: supported values are 1 or 2", ErrBadParameter, opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "N"
	}

	// The numeric forms are the ones the C tester accepted for -p.
	switch parity {
	case "N", "NONE", "0":
		parity = "N"
	case "O", "ODD", "1":
		parity = "O"
	case "E", "EVEN", "2":
		parity = "E"
	default:
		return opts, fmt.Errorf("%w: unsupported parity %q: expected N, O, or E", ErrBadParameter, opts.Parity)
	}
	opts.Parity = parity

	if opts.TimeoutMS < 0 {
		return opts, fmt.Errorf("%w: invalid timeout %dms", ErrBadParameter, opts.TimeoutMS)
	}
	if opts.TimeoutMS == 0 {
		opts.TimeoutMS = DefaultTimeoutMS
	}
	if opts.BytesLimit <= 0 {
		opts.BytesLimit = DefaultBytesLimit
	}

	return opts, nil
}

// Equal reports whether two LineOptions describe the same serial configuration.
func (o LineOptions) Equal(other LineOptions) bool {
	normalisedA, errA := o.Normalise()
	normalisedB, errB := other.Normalise()
	if errA != nil || errB != nil {
		return false
	}
	return normalisedA == normalisedB
}

// ReadTimeout returns the per-read deadline as a duration.
func (o LineOptions) ReadTimeout() time.Duration {
	if o.TimeoutMS <= 0 {
		return DefaultTimeoutMS * time.Millisecond
	}
	return time.Duration(o.TimeoutMS) * time.Millisecond
}

// String formats the line parameters as e.g. "9600 8N1".
func (o LineOptions) String() string {
	return fmt.Sprintf("%d %d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

// SerialMode converts the options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o LineOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("%w: unsupported parity %q", ErrBadParameter, opts.Parity)
	}

	return mode, nil
}
