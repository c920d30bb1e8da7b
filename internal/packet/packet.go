// Package packet implements the uartlink frame format: a fixed header carrying
// a sequence number, the payload size and a CRC-32 of the payload, followed by
// the payload bytes.
//
// All header fields are little-endian with fixed widths so frames round-trip
// between any two builds. The 8-byte size field keeps the layout identical to
// frames produced by 64-bit little-endian hosts running the C uart tester.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	sequenceSize = 4
	dataSizeSize = 8
	checksumSize = 4

	// HeaderSize is the number of bytes preceding the payload in every frame.
	HeaderSize = 16
)

func init() {
	if sequenceSize+dataSizeSize+checksumSize != HeaderSize {
		panic("packet: header field widths do not add up to HeaderSize")
	}
}

var (
	// ErrInvalidLength is returned when a requested frame length cannot hold
	// the header.
	ErrInvalidLength = errors.New("frame length smaller than header")
	// ErrFrameTooShort is returned when decoding fewer bytes than a header.
	ErrFrameTooShort = errors.New("frame too short")
	// ErrDataSizeMismatch is returned when the header's data_size does not
	// match the number of payload bytes actually present.
	ErrDataSizeMismatch = errors.New("header data size does not match frame length")
)

// FrameError reports a frame whose header is inconsistent with its length.
// Packet holds everything that could still be decoded.
type FrameError struct {
	Packet *Packet
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v (header says %d, frame carries %d)",
		e.Packet.Sequence, e.Err, e.Packet.DataSize, len(e.Packet.Payload))
}

func (e *FrameError) Unwrap() error { return e.Err }

// Packet is the decoded form of one frame.
type Packet struct {
	Sequence uint32
	DataSize uint64
	Checksum uint32
	Payload  []byte
}

// Len returns the encoded frame length.
func (p *Packet) Len() int {
	return HeaderSize + len(p.Payload)
}

// Verify recomputes the payload checksum and compares it with the stored one.
func (p *Packet) Verify() bool {
	return Checksum(0, p.Payload) == p.Checksum
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet: [Number: %08d   Data size: %d   CRC32: 0x%08x]",
		p.Sequence, p.DataSize, p.Checksum)
}

func (p *Packet) putHeader(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], p.Sequence)
	binary.LittleEndian.PutUint64(b[4:12], p.DataSize)
	binary.LittleEndian.PutUint32(b[12:16], p.Checksum)
}

// Encode serialises a Packet into a frame.
func Encode(p *Packet) []byte {
	buf := make([]byte, p.Len())
	p.putHeader(buf)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Packet) MarshalBinary() ([]byte, error) {
	return Encode(p), nil
}

// WriteTo writes the encoded frame to w.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	var head [HeaderSize]byte
	p.putHeader(head[:])
	n, err := w.Write(head[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(p.Payload)
	return int64(n + m), err
}

// Decode parses a frame. The payload is everything after the header and is
// copied out of data. The checksum is not verified; see Packet.Verify.
//
// If the header's data size disagrees with the payload length a *FrameError
// wrapping ErrDataSizeMismatch is returned together with the decoded packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrFrameTooShort, len(data), HeaderSize)
	}
	p := &Packet{
		Sequence: binary.LittleEndian.Uint32(data[0:4]),
		DataSize: binary.LittleEndian.Uint64(data[4:12]),
		Checksum: binary.LittleEndian.Uint32(data[12:16]),
		Payload:  make([]byte, len(data)-HeaderSize),
	}
	copy(p.Payload, data[HeaderSize:])
	if p.DataSize != uint64(len(p.Payload)) {
		return p, &FrameError{Packet: p, Err: ErrDataSizeMismatch}
	}
	return p, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Packet) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(data)
	if decoded != nil {
		*p = *decoded
	}
	return err
}
