package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uartlink/internal/capture"
	"github.com/banshee-data/uartlink/internal/config"
	"github.com/banshee-data/uartlink/internal/db"
	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/packet"
	"github.com/banshee-data/uartlink/internal/session"
)

func init() {
	monitoring.SetLogger(nil)
	pterm.DisableStyling()
}

func parseFlags(t *testing.T, args ...string) (*cliFlags, *flag.FlagSet) {
	t.Helper()
	var f cliFlags
	fs := flag.NewFlagSet("uartlink", flag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse(args))
	return &f, fs
}

func TestFlags_Defaults(t *testing.T) {
	f, fs := parseFlags(t)
	cfg, err := f.resolve(fs)
	require.NoError(t, err)

	if got := cfg.GetDevice(); got != "/dev/ttyS0" {
		t.Errorf("device = %q, want /dev/ttyS0", got)
	}
	opts := cfg.LineOptions()
	if opts.BaudRate != 9600 || opts.DataBits != 8 || opts.Parity != "N" || opts.StopBits != 1 {
		t.Errorf("line options = %+v, want 9600 8N1", opts)
	}
	if got := cfg.GetMode(); got != "receive" {
		t.Errorf("mode = %q, want receive", got)
	}
}

func TestFlags_ShortAliases(t *testing.T) {
	f, fs := parseFlags(t, "-D", "/dev/ttyUSB0", "-s", "115200", "-b", "7", "-p", "E", "-t", "50")
	cfg, err := f.resolve(fs)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.GetDevice())
	opts := cfg.LineOptions()
	assert.Equal(t, 115200, opts.BaudRate)
	assert.Equal(t, 7, opts.DataBits)
	assert.Equal(t, "E", opts.Parity)
	assert.Equal(t, 50, opts.TimeoutMS)
}

func TestFlags_OverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link.json")
	body := `{"device": "/dev/ttyAMA0", "baud_rate": 57600, "mode": "send", "count": 10}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	f, fs := parseFlags(t, "--config", path, "--count", "3")
	cfg, err := f.resolve(fs)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyAMA0", cfg.GetDevice())
	assert.Equal(t, 57600, cfg.LineOptions().BaudRate)
	assert.Equal(t, "send", cfg.GetMode())
	assert.Equal(t, 3, cfg.GetCount(), "explicit flag wins over the file")
}

func TestFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"short packet", []string{"--length", "8"}},
		{"unknown mode", []string{"--mode", "loopback"}},
		{"bad parity", []string{"-p", "mark"}},
		{"replay while sending", []string{"--mode", "send", "--replay", "in.pcap"}},
		{"capture and replay", []string{"--capture", "out.pcap", "--replay", "in.pcap"}},
		{"config not json", []string{"--config", "link.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, fs := parseFlags(t, tt.args...)
			if _, err := f.resolve(fs); err == nil {
				t.Errorf("resolve(%v) succeeded, want error", tt.args)
			}
		})
	}
}

// writeCapture records count valid frames of the given length to a pcap file.
func writeCapture(t *testing.T, length, count int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "link.pcap")
	w, err := capture.Create(path)
	require.NoError(t, err)

	src := packet.NewSource(7)
	for i := 0; i < count; i++ {
		p, err := src.Synthesize(length)
		require.NoError(t, err)
		w.OnEvent(session.Event{Kind: session.EventSent, Time: time.Now(), Sequence: p.Sequence, Frame: packet.Encode(p)})
	}
	require.NoError(t, w.Close())
	return path
}

func replayConfig(t *testing.T, replay, dbPath string) *config.LinkConfig {
	t.Helper()
	f, fs := parseFlags(t, "--replay", replay, "--db", dbPath, "--length", "32")
	cfg, err := f.resolve(fs)
	require.NoError(t, err)
	return cfg
}

func TestRun_ReplayRecordsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	cfg := replayConfig(t, writeCapture(t, 32, 4), dbPath)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), "received=4 crc_errors=0 lost=0")

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()

	runs, err := database.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.StatusOK, runs[0].Status)
	assert.Equal(t, 4, runs[0].Received)
	assert.Equal(t, "receive", runs[0].Direction)

	out.Reset()
	require.NoError(t, history(dbPath, historyLimit, &out))
	assert.Contains(t, out.String(), runs[0].RunID.String()[:8])
}

func TestRun_TruncatedReplayDesyncs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	// 48 byte frames read as 32 byte packets leave a 16 byte tail.
	cfg := replayConfig(t, writeCapture(t, 48, 1), dbPath)

	var out bytes.Buffer
	err := run(context.Background(), cfg, &out)
	require.ErrorIs(t, err, session.ErrDesync)

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()

	runs, err := database.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.StatusDesync, runs[0].Status)
	assert.True(t, runs[0].Desynchronized)

	anomalies, err := database.Anomalies(runs[0].RunID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, string(session.EventDesync))
}

func TestRun_MissingDevice(t *testing.T) {
	f, fs := parseFlags(t, "-D", filepath.Join(t.TempDir(), "ttyNONE"))
	cfg, err := f.resolve(fs)
	require.NoError(t, err)

	var out bytes.Buffer
	assert.Error(t, run(context.Background(), cfg, &out))
	assert.Empty(t, out.String())
}

func TestHistory_NeedsDatabase(t *testing.T) {
	assert.Error(t, history("", historyLimit, &bytes.Buffer{}))
}

func TestHistory_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, history(filepath.Join(t.TempDir(), "runs.db"), historyLimit, &out))
	assert.Equal(t, "no runs recorded\n", out.String())
}
