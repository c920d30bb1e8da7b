package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/uartlink/internal/packet"
)

// Direction selects which side of the link a Runner drives.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// DefaultPacketLength is the total frame length used when none is configured.
const DefaultPacketLength = 32

var ErrBadConfig = errors.New("invalid session config")

// ParseDirection accepts "send"/"tx" and "receive"/"recv"/"rx".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send", "tx":
		return DirectionSend, nil
	case "receive", "recv", "rx":
		return DirectionReceive, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrBadConfig, s)
}

// Config describes one run. Count 0 runs until the context is cancelled.
type Config struct {
	PacketLength int
	Count        int
	Delay        time.Duration
	Direction    Direction
	Verbose      bool
}

// Validate checks the config against the frame layout.
func (c Config) Validate() error {
	if c.PacketLength < packet.HeaderSize {
		return fmt.Errorf("%w: packet length %d is below the %d byte header: %w",
			ErrBadConfig, c.PacketLength, packet.HeaderSize, packet.ErrInvalidLength)
	}
	if c.Count < 0 {
		return fmt.Errorf("%w: count must be >= 0, got %d", ErrBadConfig, c.Count)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: delay must be >= 0, got %s", ErrBadConfig, c.Delay)
	}
	if c.Direction != DirectionSend && c.Direction != DirectionReceive {
		return fmt.Errorf("%w: unknown direction %q", ErrBadConfig, c.Direction)
	}
	return nil
}
