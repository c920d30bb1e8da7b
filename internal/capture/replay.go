package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/serialmux"
)

// ErrReadOnly is returned when writing to a replay.
var ErrReadOnly = errors.New("replay port is read-only")

// ReplayPort serves the frames of a capture as a serial byte stream. Record
// boundaries are not preserved, as on a real line. Read returns io.EOF once
// every record has been delivered.
type ReplayPort struct {
	r       *pcapgo.Reader
	closer  io.Closer
	pending []byte
	records int
	eof     bool
}

// NewReplayPort reads a pcap stream from r.
func NewReplayPort(r io.Reader) (*ReplayPort, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	if pr.LinkType() != LinkType {
		monitoring.Warnf("replay: capture link type %d, expected %d", pr.LinkType(), LinkType)
	}
	return &ReplayPort{r: pr}, nil
}

// OpenReplay opens the capture file at path.
func OpenReplay(path string) (*ReplayPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rp, err := NewReplayPort(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rp.closer = f
	return rp, nil
}

func (p *ReplayPort) Read(buf []byte) (int, error) {
	for len(p.pending) == 0 {
		if p.eof {
			return 0, io.EOF
		}
		data, _, err := p.r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			p.eof = true
			continue
		}
		if err != nil {
			return 0, err
		}
		p.pending = data
		p.records++
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write always fails.
func (p *ReplayPort) Write([]byte) (int, error) {
	return 0, ErrReadOnly
}

// Records returns the number of capture records read so far.
func (p *ReplayPort) Records() int { return p.records }

func (p *ReplayPort) Close() error {
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}

// ReplayFactory opens capture files in place of serial devices.
type ReplayFactory struct{}

// Open implements serialmux.SerialPortFactory. Line options are ignored.
func (ReplayFactory) Open(path string, _ serialmux.LineOptions) (serialmux.SerialPorter, error) {
	return OpenReplay(path)
}

var _ serialmux.SerialPortFactory = ReplayFactory{}
