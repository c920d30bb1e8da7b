// Package config loads uartlink settings from an optional JSON file. Every
// field is a pointer so a partial file only overrides what it names, and
// command-line flags can be layered on top afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/uartlink/internal/serialmux"
	"github.com/banshee-data/uartlink/internal/session"
)

const (
	DefaultPacketLength = session.DefaultPacketLength
	DefaultMode         = string(session.DirectionReceive)
)

// LinkConfig holds line, session and output settings.
type LinkConfig struct {
	// Line
	Device     *string `json:"device,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	TimeoutMS  *int    `json:"timeout_ms,omitempty"`
	BytesLimit *int    `json:"bytes_limit,omitempty"`

	// Session
	PacketLength *int    `json:"packet_length,omitempty"`
	Count        *int    `json:"count,omitempty"`
	DelayMS      *int    `json:"delay_ms,omitempty"`
	Mode         *string `json:"mode,omitempty"` // "send" or "receive"
	Verbose      *bool   `json:"verbose,omitempty"`

	// Outputs
	DBPath      *string `json:"db_path,omitempty"`
	CapturePath *string `json:"capture_path,omitempty"`
	ReplayPath  *string `json:"replay_path,omitempty"`
	Listen      *string `json:"listen,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyLinkConfig returns a LinkConfig with every field unset.
func EmptyLinkConfig() *LinkConfig {
	return &LinkConfig{}
}

// DefaultLinkConfig returns a LinkConfig with every field set to its default.
func DefaultLinkConfig() *LinkConfig {
	line := serialmux.DefaultLineOptions()
	return &LinkConfig{
		Device:       ptrString(serialmux.DefaultDevice),
		BaudRate:     ptrInt(line.BaudRate),
		DataBits:     ptrInt(line.DataBits),
		Parity:       ptrString(line.Parity),
		StopBits:     ptrInt(line.StopBits),
		TimeoutMS:    ptrInt(line.TimeoutMS),
		BytesLimit:   ptrInt(line.BytesLimit),
		PacketLength: ptrInt(DefaultPacketLength),
		Count:        ptrInt(0),
		DelayMS:      ptrInt(0),
		Mode:         ptrString(DefaultMode),
		Verbose:      ptrBool(false),
		DBPath:       ptrString(""),
		CapturePath:  ptrString(""),
		ReplayPath:   ptrString(""),
		Listen:       ptrString(""),
	}
}

// LoadLinkConfig loads a LinkConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file stay nil and fall back to their defaults.
func LoadLinkConfig(path string) (*LinkConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyLinkConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *LinkConfig) Validate() error {
	if c.Device != nil && *c.Device == "" {
		return fmt.Errorf("device must not be empty")
	}
	if _, err := c.LineOptions().Normalise(); err != nil {
		return err
	}
	if c.BytesLimit != nil && *c.BytesLimit < 0 {
		return fmt.Errorf("bytes_limit must be non-negative, got %d", *c.BytesLimit)
	}
	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if c.GetCapturePath() != "" && c.GetReplayPath() != "" {
		return fmt.Errorf("capture_path and replay_path cannot both be set")
	}
	if c.GetReplayPath() != "" && c.GetMode() != string(session.DirectionReceive) {
		return fmt.Errorf("replay_path requires receive mode, got %q", c.GetMode())
	}
	return nil
}

// Merge copies every field set in other over c.
func (c *LinkConfig) Merge(other *LinkConfig) {
	if other == nil {
		return
	}
	merge := func(dst **string, src *string) {
		if src != nil {
			*dst = src
		}
	}
	mergeInt := func(dst **int, src *int) {
		if src != nil {
			*dst = src
		}
	}
	merge(&c.Device, other.Device)
	mergeInt(&c.BaudRate, other.BaudRate)
	mergeInt(&c.DataBits, other.DataBits)
	merge(&c.Parity, other.Parity)
	mergeInt(&c.StopBits, other.StopBits)
	mergeInt(&c.TimeoutMS, other.TimeoutMS)
	mergeInt(&c.BytesLimit, other.BytesLimit)
	mergeInt(&c.PacketLength, other.PacketLength)
	mergeInt(&c.Count, other.Count)
	mergeInt(&c.DelayMS, other.DelayMS)
	merge(&c.Mode, other.Mode)
	if other.Verbose != nil {
		c.Verbose = other.Verbose
	}
	merge(&c.DBPath, other.DBPath)
	merge(&c.CapturePath, other.CapturePath)
	merge(&c.ReplayPath, other.ReplayPath)
	merge(&c.Listen, other.Listen)
}

// LineOptions returns the serial line options, with defaults for unset fields.
func (c *LinkConfig) LineOptions() serialmux.LineOptions {
	opts := serialmux.DefaultLineOptions()
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.TimeoutMS != nil {
		opts.TimeoutMS = *c.TimeoutMS
	}
	if c.BytesLimit != nil {
		opts.BytesLimit = *c.BytesLimit
	}
	return opts
}

// SessionConfig returns the session settings. It fails for an unknown mode or
// values the session would reject.
func (c *LinkConfig) SessionConfig() (session.Config, error) {
	dir, err := session.ParseDirection(c.GetMode())
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.Config{
		PacketLength: c.GetPacketLength(),
		Count:        c.GetCount(),
		Delay:        time.Duration(c.GetDelayMS()) * time.Millisecond,
		Direction:    dir,
		Verbose:      c.GetVerbose(),
	}
	return cfg, cfg.Validate()
}

// GetDevice returns the device path or the default.
func (c *LinkConfig) GetDevice() string {
	if c.Device == nil {
		return serialmux.DefaultDevice
	}
	return *c.Device
}

// GetPacketLength returns the packet_length value or the default.
func (c *LinkConfig) GetPacketLength() int {
	if c.PacketLength == nil {
		return DefaultPacketLength
	}
	return *c.PacketLength
}

// GetCount returns the count value or 0, which means run until stopped.
func (c *LinkConfig) GetCount() int {
	if c.Count == nil {
		return 0
	}
	return *c.Count
}

func (c *LinkConfig) GetDelayMS() int {
	if c.DelayMS == nil {
		return 0
	}
	return *c.DelayMS
}

// GetMode returns the mode value or the default.
func (c *LinkConfig) GetMode() string {
	if c.Mode == nil {
		return DefaultMode
	}
	return *c.Mode
}

func (c *LinkConfig) GetVerbose() bool {
	return c.Verbose != nil && *c.Verbose
}

func (c *LinkConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

func (c *LinkConfig) GetCapturePath() string {
	if c.CapturePath == nil {
		return ""
	}
	return *c.CapturePath
}

func (c *LinkConfig) GetReplayPath() string {
	if c.ReplayPath == nil {
		return ""
	}
	return *c.ReplayPath
}

func (c *LinkConfig) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}
