package serialmux

import (
	"go.bug.st/serial"
)

// RealSerialPortFactory opens hardware ports through go.bug.st/serial.
type RealSerialPortFactory struct{}

// NewRealSerialPortFactory returns a factory for real serial devices.
func NewRealSerialPortFactory() *RealSerialPortFactory {
	return &RealSerialPortFactory{}
}

// Open opens the device at path. Invalid options fall back to the defaults so
// that the line can still be opened and then configured explicitly.
func (f *RealSerialPortFactory) Open(path string, opts LineOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		mode, _ = DefaultLineOptions().SerialMode()
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
