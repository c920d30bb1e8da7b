// Package capture records uartlink frames to pcap files and replays them as a
// read-only serial port, so a receive run can be repeated offline.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/session"
)

const (
	// LinkType marks records as raw uartlink frames (DLT_USER0).
	LinkType = layers.LinkType(147)

	snapLen = 65536
)

// Writer appends every frame seen by a session to a pcap stream. It
// implements session.Observer.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	frames int
	err    error
}

// NewWriter writes a pcap file header to w and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkType); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// Create creates or truncates the capture file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture %s: %w", path, err)
	}
	cw, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	cw.closer = f
	monitoring.Logf("capturing frames to %s", path)
	return cw, nil
}

func captured(kind session.EventKind) bool {
	switch kind {
	case session.EventSent, session.EventReceived, session.EventHeader, session.EventDesync:
		return true
	}
	return false
}

// OnEvent records the frame carried by ev. Events that repeat a frame already
// recorded, such as checksum failures, are skipped. The first write error is
// kept and later frames are dropped.
func (c *Writer) OnEvent(ev session.Event) {
	if !captured(ev.Kind) || len(ev.Frame) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ev.Time,
		CaptureLength: len(ev.Frame),
		Length:        len(ev.Frame),
	}
	if err := c.w.WritePacket(ci, ev.Frame); err != nil {
		c.err = fmt.Errorf("write frame %d: %w", ev.Sequence, err)
		monitoring.Warnf("capture: %v", c.err)
		return
	}
	c.frames++
}

// Frames returns the number of frames written.
func (c *Writer) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Err returns the first write error, if any.
func (c *Writer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the underlying file when the Writer was made by Create.
func (c *Writer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.closer != nil {
		err = c.closer.Close()
		c.closer = nil
	}
	return errors.Join(c.err, err)
}
