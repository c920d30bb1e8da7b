package serialmux

import (
	"errors"
	"testing"
)

func TestRealSerialPortFactory_Open_InvalidPath(t *testing.T) {
	// We can't open a real serial port in a unit test, but a missing device
	// must surface as an error rather than a nil port.
	factory := NewRealSerialPortFactory()

	port, err := factory.Open("/dev/nonexistent-serial-port-12345", DefaultLineOptions())
	if err == nil {
		port.Close()
		t.Fatal("Expected error when opening non-existent serial port")
	}
}

func TestRealSerialPortFactory_Open_InvalidOptionsStillTriesPath(t *testing.T) {
	factory := NewRealSerialPortFactory()

	// Invalid options fall back to defaults; the error should come from the path.
	_, err := factory.Open("/dev/nonexistent-serial-port-12345", LineOptions{DataBits: 12})
	if err == nil {
		t.Fatal("Expected error when opening non-existent serial port")
	}
	if errors.Is(err, ErrBadParameter) {
		t.Errorf("expected a device error, got %v", err)
	}
}

func TestOpen_RealFactoryWrapsOpenFailed(t *testing.T) {
	_, err := Open(NewRealSerialPortFactory(), "/dev/nonexistent-serial-port-12345")
	if !errors.Is(err, ErrOpenFailed) {
		t.Errorf("Open() error = %v, want ErrOpenFailed", err)
	}
}

func TestSerialPortOpener(t *testing.T) {
	port := NewTestableSerialPort()
	var gotPath string
	opener := SerialPortOpener(func(path string, opts LineOptions) (SerialPorter, error) {
		gotPath = path
		return port, nil
	})

	got, err := opener.Open("/dev/ttyUSB0", DefaultLineOptions())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != port || gotPath != "/dev/ttyUSB0" {
		t.Errorf("opener returned %v for %q", got, gotPath)
	}
}
