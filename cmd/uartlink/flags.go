package main

import (
	"flag"

	"github.com/banshee-data/uartlink/internal/config"
	"github.com/banshee-data/uartlink/internal/serialmux"
	"github.com/banshee-data/uartlink/internal/session"
)

// cliFlags holds the command line. Line flags keep the short aliases of the
// classic uart test tool (-D -s -b -p -t).
type cliFlags struct {
	device     string
	baud       int
	bits       int
	parity     string
	stopBits   int
	timeoutMS  int
	bytesLimit int

	length  int
	count   int
	delayMS int
	mode    string
	verbose bool

	dbPath      string
	capturePath string
	replayPath  string
	listen      string

	configPath  string
	showVersion bool
}

func (f *cliFlags) register(fs *flag.FlagSet) {
	line := serialmux.DefaultLineOptions()

	fs.StringVar(&f.device, "device", serialmux.DefaultDevice, "Serial device path")
	fs.StringVar(&f.device, "D", serialmux.DefaultDevice, "Serial device path (shorthand)")
	fs.IntVar(&f.baud, "baud", line.BaudRate, "Baud rate")
	fs.IntVar(&f.baud, "s", line.BaudRate, "Baud rate (shorthand)")
	fs.IntVar(&f.bits, "bits", line.DataBits, "Data bits (5-8)")
	fs.IntVar(&f.bits, "b", line.DataBits, "Data bits (shorthand)")
	fs.StringVar(&f.parity, "parity", line.Parity, "Parity: N, O or E")
	fs.StringVar(&f.parity, "p", line.Parity, "Parity (shorthand)")
	fs.IntVar(&f.stopBits, "stopbits", line.StopBits, "Stop bits (1 or 2)")
	fs.IntVar(&f.timeoutMS, "timeout", line.TimeoutMS, "Read timeout in milliseconds")
	fs.IntVar(&f.timeoutMS, "t", line.TimeoutMS, "Read timeout in milliseconds (shorthand)")
	fs.IntVar(&f.bytesLimit, "bytes-limit", line.BytesLimit, "Advisory per-read byte limit")

	fs.IntVar(&f.length, "length", session.DefaultPacketLength, "Packet length in bytes, header included")
	fs.IntVar(&f.count, "count", 0, "Packets to send or receive (0 runs until stopped)")
	fs.IntVar(&f.delayMS, "delay", 0, "Delay between sent packets in milliseconds")
	fs.StringVar(&f.mode, "mode", config.DefaultMode, "Direction: send or receive")
	fs.BoolVar(&f.verbose, "verbose", false, "Print every packet with a hex dump")

	fs.StringVar(&f.dbPath, "db", "", "SQLite run history path (empty disables)")
	fs.StringVar(&f.capturePath, "capture", "", "Write every frame to this pcap file")
	fs.StringVar(&f.replayPath, "replay", "", "Receive from this pcap file instead of a device")
	fs.StringVar(&f.listen, "listen", "", "Debug HTTP listen address, e.g. :8080 (empty disables)")

	fs.StringVar(&f.configPath, "config", "", "Path to a JSON configuration file")
	fs.BoolVar(&f.showVersion, "version", false, "Print version and exit")
}

// overrides returns a LinkConfig holding only the flags set explicitly on fs,
// so they can be merged over the defaults and the config file.
func (f *cliFlags) overrides(fs *flag.FlagSet) *config.LinkConfig {
	c := config.EmptyLinkConfig()
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "device", "D":
			c.Device = &f.device
		case "baud", "s":
			c.BaudRate = &f.baud
		case "bits", "b":
			c.DataBits = &f.bits
		case "parity", "p":
			c.Parity = &f.parity
		case "stopbits":
			c.StopBits = &f.stopBits
		case "timeout", "t":
			c.TimeoutMS = &f.timeoutMS
		case "bytes-limit":
			c.BytesLimit = &f.bytesLimit
		case "length":
			c.PacketLength = &f.length
		case "count":
			c.Count = &f.count
		case "delay":
			c.DelayMS = &f.delayMS
		case "mode":
			c.Mode = &f.mode
		case "verbose":
			c.Verbose = &f.verbose
		case "db":
			c.DBPath = &f.dbPath
		case "capture":
			c.CapturePath = &f.capturePath
		case "replay":
			c.ReplayPath = &f.replayPath
		case "listen":
			c.Listen = &f.listen
		}
	})
	return c
}

// resolve layers defaults, the optional config file and explicit flags, in
// that order, and validates the result.
func (f *cliFlags) resolve(fs *flag.FlagSet) (*config.LinkConfig, error) {
	cfg := config.DefaultLinkConfig()
	if f.configPath != "" {
		fileCfg, err := config.LoadLinkConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(fileCfg)
	}
	cfg.Merge(f.overrides(fs))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
