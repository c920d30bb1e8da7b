package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/packet"
	"github.com/banshee-data/uartlink/internal/serialmux"
	"github.com/banshee-data/uartlink/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLine(t *testing.T, port *serialmux.TestableSerialPort) *serialmux.Line {
	t.Helper()
	line, err := serialmux.Open(serialmux.NewMockSerialPortFactory(port), "/dev/ttyTEST0",
		serialmux.WithLocker(serialmux.NoLock), serialmux.WithMaxReadAttempts(20))
	require.NoError(t, err)
	require.NoError(t, line.Configure(serialmux.DefaultLineOptions()))
	t.Cleanup(func() { _ = line.Close() })
	return line
}

func newRunner(t *testing.T, tr Transport, cfg Config, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithClock(timeutil.NewMockClock(epoch)), WithSource(packet.NewSource(1))}, opts...)
	r, err := NewRunner(tr, cfg, opts...)
	require.NoError(t, err)
	return r
}

// frames encodes packets with the given sequence numbers and valid checksums.
func frames(length int, seqs ...uint32) []byte {
	var out []byte
	for _, seq := range seqs {
		payload := bytes.Repeat([]byte{byte(seq)}, length-packet.HeaderSize)
		out = append(out, packet.Encode(&packet.Packet{
			Sequence: seq,
			DataSize: uint64(len(payload)),
			Checksum: packet.Checksum(0, payload),
			Payload:  payload,
		})...)
	}
	return out
}

type recorder struct {
	events []Event
}

func (r *recorder) OnEvent(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []EventKind {
	var out []EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestEndToEnd_SendThenReceive(t *testing.T) {
	txPort := serialmux.NewTestableSerialPort()
	tx := newRunner(t, testLine(t, txPort), Config{PacketLength: 32, Count: 4, Direction: DirectionSend})

	sent, err := tx.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sent.Sent)
	assert.Equal(t, int64(128), sent.Bytes)
	require.Len(t, txPort.GetWrittenData(), 128)

	rxPort := serialmux.NewTestableSerialPort()
	rxPort.ReadChunk = 7
	rxPort.AddReadData(txPort.GetWrittenData())
	rx := newRunner(t, testLine(t, rxPort), Config{PacketLength: 32, Count: 4, Direction: DirectionReceive})

	got, err := rx.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "received=4 crc_errors=0 lost=0", got.String())
	assert.False(t, got.Desynchronized)
	assert.Equal(t, int64(128), got.Bytes)
	assert.Equal(t, 3, got.Intervals.Samples)
}

func TestReceive_GapDetection(t *testing.T) {
	tests := []struct {
		name    string
		seqs    []uint32
		lost    int
		missing int
	}{
		{"contiguous", []uint32{1, 2, 3, 4, 5}, 0, 0},
		{"one gap", []uint32{1, 2, 3, 5, 6}, 1, 1},
		{"sender restart", []uint32{1, 2, 3, 1, 2}, 0, 0},
		{"first frame is not checked", []uint32{7, 8, 9}, 0, 0},
		{"repeat counts as a gap", []uint32{1, 2, 2, 3}, 1, 0},
		{"wide gap", []uint32{1, 10}, 1, 8},
		{"two gaps", []uint32{1, 3, 5}, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := serialmux.NewTestableSerialPort()
			port.AddReadData(frames(24, tt.seqs...))
			r := newRunner(t, testLine(t, port), Config{PacketLength: 24, Count: len(tt.seqs), Direction: DirectionReceive})

			sum, err := r.Receive(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(tt.seqs), sum.Received)
			assert.Equal(t, tt.lost, sum.Lost)
			assert.Equal(t, tt.missing, sum.MissingPackets)
			assert.Zero(t, sum.CRCErrors)
		})
	}
}

func TestReceive_GapEventNamesBothSides(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.AddReadData(frames(24, 1, 2, 3, 5, 6))
	rec := &recorder{}
	r := newRunner(t, testLine(t, port), Config{PacketLength: 24, Count: 5, Direction: DirectionReceive},
		WithObserver(rec))

	_, err := r.Receive(context.Background())
	require.NoError(t, err)

	var gaps []Event
	for _, ev := range rec.events {
		if ev.Kind == EventGap {
			gaps = append(gaps, ev)
		}
	}
	require.Len(t, gaps, 1)
	assert.Equal(t, uint32(3), gaps[0].Previous)
	assert.Equal(t, uint32(5), gaps[0].Sequence)
	assert.Equal(t, uint32(1), gaps[0].Missing)
}

func TestReceive_FrameValidDuringOnEvent(t *testing.T) {
	data := frames(24, 1, 2, 3)
	port := serialmux.NewTestableSerialPort()
	port.AddReadData(data)

	var seen [][]byte
	keep := ObserverFunc(func(ev Event) {
		if ev.Kind == EventReceived {
			seen = append(seen, bytes.Clone(ev.Frame))
		}
	})
	r := newRunner(t, testLine(t, port), Config{PacketLength: 24, Count: 3, Direction: DirectionReceive},
		WithObserver(keep))

	_, err := r.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 3)
	for i, frame := range seen {
		assert.Equal(t, data[i*24:(i+1)*24], frame, "frame %d", i)
	}
}

func TestReceive_CorruptPayload(t *testing.T) {
	data := frames(32, 1, 2, 3, 4)
	data[32+packet.HeaderSize+5] ^= 0x01

	port := serialmux.NewTestableSerialPort()
	port.AddReadData(data)
	rec := &recorder{}
	r := newRunner(t, testLine(t, port), Config{PacketLength: 32, Count: 4, Direction: DirectionReceive}, WithObserver(rec))

	sum, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "received=4 crc_errors=1 lost=0", sum.String())
	assert.Contains(t, rec.kinds(), EventCRC)
}

func TestReceive_ShortReadDesynchronises(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.AddReadData(frames(32, 1))
	port.AddReadData(make([]byte, 20))
	rec := &recorder{}
	r := newRunner(t, testLine(t, port), Config{PacketLength: 32, Direction: DirectionReceive}, WithObserver(rec))

	sum, err := r.Receive(context.Background())
	require.ErrorIs(t, err, ErrDesync)
	require.ErrorIs(t, err, serialmux.ErrReadTimeout)
	assert.True(t, sum.Desynchronized)
	assert.Equal(t, 1, sum.Received)
	assert.Equal(t, int64(52), sum.Bytes)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, EventDesync, last.Kind)
	assert.Equal(t, 20, last.Bytes)
}

func TestReceive_HeaderSizeMismatch(t *testing.T) {
	data := frames(32, 1, 2, 3)
	// claim a 99 byte payload in the second frame
	data[32+4] = 99

	port := serialmux.NewTestableSerialPort()
	port.AddReadData(data)
	rec := &recorder{}
	r := newRunner(t, testLine(t, port), Config{PacketLength: 32, Count: 3, Direction: DirectionReceive}, WithObserver(rec))

	sum, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Received)
	assert.Equal(t, 1, sum.HeaderErrors)
	assert.Zero(t, sum.CRCErrors)
	assert.Zero(t, sum.Lost, "frame 3 follows frame 1 without a gap warning")
	assert.Equal(t, []EventKind{EventReceived, EventHeader, EventReceived}, rec.kinds())
	assert.Equal(t, uint32(2), rec.events[1].Sequence)
}

type eofTransport struct{ data *bytes.Reader }

func (e eofTransport) ReadExact(buf []byte) (int, error) {
	n, err := io.ReadFull(e.data, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = serialmux.ErrReadTimeout
	}
	return n, err
}

func (eofTransport) Write(buf []byte) (int, error) { return len(buf), nil }

func TestReceive_EndOfStream(t *testing.T) {
	rec := &recorder{}
	tr := eofTransport{bytes.NewReader(frames(20, 1, 2))}
	r := newRunner(t, tr, Config{PacketLength: 20, Direction: DirectionReceive}, WithObserver(rec))

	sum, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Received)
	assert.False(t, sum.Desynchronized)
	assert.Equal(t, EventEndOfStream, rec.events[len(rec.events)-1].Kind)
}

func TestReceive_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	cancelAfterTwo := ObserverFunc(func(ev Event) {
		if ev.Kind == EventReceived && ev.Sequence == 2 {
			cancel()
		}
	})

	port := serialmux.NewTestableSerialPort()
	port.AddReadData(frames(20, 1, 2, 3, 4))
	r := newRunner(t, testLine(t, port), Config{PacketLength: 20, Direction: DirectionReceive},
		WithObserver(rec), WithObserver(cancelAfterTwo))

	sum, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Received)
	assert.Len(t, rec.events, 2)
}

func TestSend_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := serialmux.NewTestableSerialPort()
	stop := ObserverFunc(func(ev Event) {
		if ev.Sequence == 3 {
			cancel()
		}
	})
	r := newRunner(t, testLine(t, port), Config{PacketLength: 16, Direction: DirectionSend}, WithObserver(stop))

	sum, err := r.Send(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Sent)
	assert.Len(t, port.GetWrittenData(), 48)
}

func TestSend_Delay(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	r := newRunner(t, testLine(t, serialmux.NewTestableSerialPort()),
		Config{PacketLength: 16, Count: 3, Delay: 50 * time.Millisecond, Direction: DirectionSend},
		WithClock(clock))

	sum, err := r.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 100*time.Millisecond, sum.Duration)
	assert.Equal(t, 50*time.Millisecond, sum.Intervals.Mean)
	assert.Equal(t, time.Duration(0), sum.Intervals.StdDev)
}

func TestSend_WriteErrorIsFatal(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.WriteError = errors.New("EIO")
	r := newRunner(t, testLine(t, port), Config{PacketLength: 32, Count: 4, Direction: DirectionSend})

	sum, err := r.Send(context.Background())
	require.ErrorIs(t, err, serialmux.ErrWrite)
	assert.Zero(t, sum.Sent)
}

func TestSend_ShortWriteIsFatal(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.WriteLimit = 10
	r := newRunner(t, testLine(t, port), Config{PacketLength: 32, Count: 4, Direction: DirectionSend})

	sum, err := r.Send(context.Background())
	require.ErrorIs(t, err, io.ErrShortWrite)
	assert.Zero(t, sum.Sent)
	assert.Equal(t, int64(10), sum.Bytes)
}

func TestVerboseDump(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(t, testLine(t, serialmux.NewTestableSerialPort()),
		Config{PacketLength: 20, Count: 1, Direction: DirectionSend, Verbose: true}, WithOutput(&out))

	_, err := r.Send(context.Background())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Packet: [Number: 00000001   Data size: 4"))
	assert.True(t, strings.HasPrefix(lines[1], "00000000  01 00 00 00 04 00"))
}

func TestRun_DispatchesAndStampsRunID(t *testing.T) {
	id := uuid.MustParse("7b1c9d0e-2f3a-4b5c-8d6e-0f1a2b3c4d5e")
	rec := &recorder{}
	r := newRunner(t, testLine(t, serialmux.NewTestableSerialPort()),
		Config{PacketLength: 16, Count: 2, Direction: DirectionSend}, WithRunID(id), WithObserver(rec))

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, sum.RunID)
	assert.Equal(t, 2, sum.Packets())
	for _, ev := range rec.events {
		assert.Equal(t, id, ev.RunID)
		assert.Equal(t, EventSent, ev.Kind)
	}
}

func TestNewRunner_RejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{PacketLength: 8, Direction: DirectionSend},
		{PacketLength: 32, Count: -1, Direction: DirectionSend},
		{PacketLength: 32, Delay: -time.Second, Direction: DirectionReceive},
		{PacketLength: 32, Direction: "sideways"},
	} {
		_, err := NewRunner(nil, cfg)
		assert.ErrorIs(t, err, ErrBadConfig, "%+v", cfg)
	}
	_, err := NewRunner(nil, Config{PacketLength: 15, Direction: DirectionSend})
	assert.ErrorIs(t, err, packet.ErrInvalidLength)
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{
		"send": DirectionSend, "TX": DirectionSend,
		"receive": DirectionReceive, "rx": DirectionReceive, " recv ": DirectionReceive,
	} {
		got, err := ParseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDirection("both")
	assert.ErrorIs(t, err, ErrBadConfig)
}
