package mtftp

import (
	"testing"
	"time"

	"github.com/samsamfire/gomtftp/pkg/store"
	"github.com/samsamfire/gomtftp/pkg/transport"
	"github.com/samsamfire/gomtftp/pkg/transport/virtual"
	"github.com/samsamfire/gomtftp/pkg/wire"
	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance time deterministically instead of sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time         { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

// drain delivers every datagram currently queued on tr to handle, without
// blocking once the queue is empty.
func drain(tr transport.Transport, handle func([]byte) error) {
	for {
		select {
		case buf := <-tr.Recv():
			_ = handle(buf)
		default:
			return
		}
	}
}

// drainDropping is like drain but silently discards any datagram for
// which drop returns true, simulating a lossy link for that one packet.
func drainDropping(t *testing.T, tr transport.Transport, handle func([]byte) error, cfg Config, drop func(wire.Packet) bool) {
	t.Helper()
	for {
		select {
		case buf := <-tr.Recv():
			p, err := wire.Decode(buf, cfg.BlockSize, cfg.WindowSize)
			assert.NoError(t, err)
			if drop(p) {
				continue
			}
			_ = handle(buf)
		default:
			return
		}
	}
}

func testFile(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestHappyPath(t *testing.T) {
	cfg := DefaultConfig()
	clientTr, serverTr := virtual.Pair(virtual.Options{})
	clk := &fakeClock{t: time.Unix(0, 0)}

	src := store.NewMemStore(map[uint16][]byte{1: testFile(100)})
	sink := store.NewMemStore(nil)

	server := NewServer(cfg, serverTr, src, nil)
	server.SetClock(clk.now)
	client := NewClient(cfg, clientTr, nil, sink)
	client.SetClock(clk.now)

	var clientReport, serverReport *SessionReport
	client.SetIdleFunc(func(r SessionReport) { clientReport = &r })
	server.SetIdleFunc(func(r SessionReport) { serverReport = &r })

	assert.NoError(t, client.BeginRead(1, 0))
	drain(serverTr, server.OnPacket) // server: RRQ -> DATA x4
	drain(clientTr, client.OnPacket) // client: DATA x4 -> END
	drain(serverTr, server.OnPacket) // server: END -> idle

	client.Tick()
	server.Tick()

	assert.NotNil(t, clientReport)
	assert.NoError(t, clientReport.Err)
	assert.NotNil(t, serverReport)
	assert.NoError(t, serverReport.Err)
	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, StateIdle, server.State())
	assert.Equal(t, testFile(100), sink.File(1))
}

func TestSingleLossRecoveredByBitmap(t *testing.T) {
	cfg := DefaultConfig()
	clientTr, serverTr := virtual.Pair(virtual.Options{})
	clk := &fakeClock{t: time.Unix(0, 0)}

	src := store.NewMemStore(map[uint16][]byte{1: testFile(100)})
	sink := store.NewMemStore(nil)

	server := NewServer(cfg, serverTr, src, nil)
	server.SetClock(clk.now)
	client := NewClient(cfg, clientTr, nil, sink)
	client.SetClock(clk.now)

	assert.NoError(t, client.BeginRead(1, 0))
	drain(serverTr, server.OnPacket)

	// Drop DATA(1) on the way to the client.
	drainDropping(t, clientTr, client.OnPacket, cfg, func(p wire.Packet) bool {
		d, ok := p.(wire.Data)
		return ok && d.BlockNo == 1
	})

	clk.advance(cfg.RxTimeout + time.Millisecond)
	client.Tick() // fires ACK(base=0, bitmap=0b00001101)

	drain(serverTr, server.OnPacket) // server retransmits only block 1
	drain(clientTr, client.OnPacket) // client completes, sends END
	drain(serverTr, server.OnPacket) // server idles

	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, StateIdle, server.State())
	assert.Equal(t, testFile(100), sink.File(1))
}

func TestAllLostThenRecovery(t *testing.T) {
	cfg := DefaultConfig()
	clientTr, serverTr := virtual.Pair(virtual.Options{})
	clk := &fakeClock{t: time.Unix(0, 0)}

	src := store.NewMemStore(map[uint16][]byte{1: testFile(100)})
	sink := store.NewMemStore(nil)

	server := NewServer(cfg, serverTr, src, nil)
	server.SetClock(clk.now)
	client := NewClient(cfg, clientTr, nil, sink)
	client.SetClock(clk.now)

	assert.NoError(t, client.BeginRead(1, 0))
	drain(serverTr, server.OnPacket)

	// Drop every DATA packet in the first window.
	drainDropping(t, clientTr, client.OnPacket, cfg, func(p wire.Packet) bool {
		_, ok := p.(wire.Data)
		return ok
	})

	clk.advance(cfg.RxTimeout + time.Millisecond)
	client.Tick() // ACK(base=0, bitmap=0b00000000)

	drain(serverTr, server.OnPacket) // server retransmits all four blocks
	drain(clientTr, client.OnPacket)
	drain(serverTr, server.OnPacket)

	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, StateIdle, server.State())
	assert.Equal(t, testFile(100), sink.File(1))
}

func TestRetryExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	serverTr, _ := virtual.Pair(virtual.Options{})
	clk := &fakeClock{t: time.Unix(0, 0)}

	src := store.NewMemStore(map[uint16][]byte{1: testFile(40)})
	server := NewServer(cfg, serverTr, src, nil)
	server.SetClock(clk.now)

	var report *SessionReport
	server.SetIdleFunc(func(r SessionReport) { report = &r })

	rrq, err := wire.Encode(wire.RRQ{FileIndex: 1, StartBlock: 0})
	assert.NoError(t, err)
	assert.NoError(t, server.OnPacket(rrq))
	assert.Equal(t, StateSending, server.State())

	for i := 0; i <= cfg.MaxRetries; i++ {
		clk.advance(cfg.AckTimeout + time.Millisecond)
		server.Tick()
	}

	assert.Equal(t, StateIdle, server.State())
	assert.NotNil(t, report)
	var pe *ProtocolError
	assert.ErrorAs(t, report.Err, &pe)
	assert.Equal(t, wire.ErrTimeout, pe.Code)
}

func TestStaleAckIgnored(t *testing.T) {
	cfg := DefaultConfig()
	serverTr, _ := virtual.Pair(virtual.Options{})
	clk := &fakeClock{t: time.Unix(0, 0)}

	// 8 full blocks in the first window (no terminal block yet), plus one
	// short terminal block in the second window.
	src := store.NewMemStore(map[uint16][]byte{1: testFile(cfg.WindowSize*cfg.BlockSize + 4)})
	server := NewServer(cfg, serverTr, src, nil)
	server.SetClock(clk.now)

	rrq, _ := wire.Encode(wire.RRQ{FileIndex: 1, StartBlock: 0})
	assert.NoError(t, server.OnPacket(rrq))

	fullAck := make([]byte, cfg.WindowSize/8)
	for i := range fullAck {
		fullAck[i] = 0xff
	}
	ack0, _ := wire.Encode(wire.Ack{WindowBase: 0, Bitmap: fullAck})
	assert.NoError(t, server.OnPacket(ack0)) // advances server to window base=8

	staleAck, _ := wire.Encode(wire.Ack{WindowBase: 0, Bitmap: fullAck})
	assert.NoError(t, server.OnPacket(staleAck)) // must be ignored
	assert.Equal(t, StateSending, server.State())

	// A correct ACK for the now-current window followed by END still
	// finishes the transfer, proving the stale ACK left no side effects
	// behind.
	terminalAck := make([]byte, cfg.WindowSize/8)
	terminalAck[0] = 0x01 // only block 8 (index 0 of window base=8) exists
	ack8, _ := wire.Encode(wire.Ack{WindowBase: 8, Bitmap: terminalAck})
	assert.NoError(t, server.OnPacket(ack8))

	end, _ := wire.Encode(wire.End{})
	assert.NoError(t, server.OnPacket(end))
	assert.Equal(t, StateIdle, server.State())
}

// countingWriter wraps a store.Writer and counts how many times Write is
// called, to prove duplicate DATA never triggers a second write.
type countingWriter struct {
	store.Writer
	calls int
}

func (w *countingWriter) Write(fileIndex uint16, offset uint32, buf []byte) error {
	w.calls++
	return w.Writer.Write(fileIndex, offset, buf)
}

func TestDuplicateDataDoesNotRewrite(t *testing.T) {
	cfg := DefaultConfig()
	clk := &fakeClock{t: time.Unix(0, 0)}
	sink := &countingWriter{Writer: store.NewMemStore(nil)}

	noopTransport, _ := virtual.Pair(virtual.Options{})
	client := NewClient(cfg, noopTransport, nil, sink)
	client.SetClock(clk.now)
	client.state = StateReceiving
	client.fileIndex = 1
	client.recv.resetAt(0)
	client.recv.lastActivity = clk.now()

	send := func(blockNo uint16, payload []byte) {
		buf, _ := wire.Encode(wire.Data{BlockNo: blockNo, Payload: payload})
		assert.NoError(t, client.OnPacket(buf))
	}

	full := testFile(32)
	send(0, full)
	send(1, full)
	send(2, full)
	send(2, full) // duplicate, must be dropped silently
	send(3, testFile(4))

	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, 4, sink.calls)
}

func TestBeginWriteSymmetry(t *testing.T) {
	cfg := DefaultConfig()
	clientTr, serverTr := virtual.Pair(virtual.Options{})
	clk := &fakeClock{t: time.Unix(0, 0)}

	src := store.NewMemStore(map[uint16][]byte{1: testFile(100)})
	sink := store.NewMemStore(nil)

	client := NewClient(cfg, clientTr, src, nil)
	client.SetClock(clk.now)
	server := NewServer(cfg, serverTr, nil, sink)
	server.SetClock(clk.now)

	var clientReport, serverReport *SessionReport
	client.SetIdleFunc(func(r SessionReport) { clientReport = &r })
	server.SetIdleFunc(func(r SessionReport) { serverReport = &r })

	assert.NoError(t, client.BeginWrite(1, 0))
	drain(serverTr, server.OnPacket) // server: WRQ then DATA x4
	drain(clientTr, client.OnPacket) // client: END
	drain(serverTr, server.OnPacket) // nothing left, no-op

	client.Tick()
	server.Tick()

	assert.NotNil(t, clientReport)
	assert.NoError(t, clientReport.Err)
	assert.NotNil(t, serverReport)
	assert.NoError(t, serverReport.Err)
	assert.Equal(t, testFile(100), sink.File(1))
}
