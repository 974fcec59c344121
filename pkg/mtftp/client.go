package mtftp

import (
	"errors"
	"log/slog"
	"time"

	"github.com/samsamfire/gomtftp/internal/bitmap"
	"github.com/samsamfire/gomtftp/pkg/metrics"
	"github.com/samsamfire/gomtftp/pkg/store"
	"github.com/samsamfire/gomtftp/pkg/transport"
	"github.com/samsamfire/gomtftp/pkg/wire"
)

// ErrNotIdle is returned by BeginRead/BeginWrite when a session is
// already active.
var ErrNotIdle = errors.New("mtftp: client is not idle")

// Client initiates read and write transfers against a single server over
// one transport. Like Server, it has no internal locking and is driven
// by a single caller's OnPacket/Tick loop.
type Client struct {
	cfg       Config
	transport transport.Transport
	reader    store.Reader
	writer    store.Writer
	logger    *slog.Logger
	metrics   *metrics.Recorder
	clock     func() time.Time
	idleFunc  func(SessionReport)

	state            State
	sessionID        string
	fileIndex        uint16
	send             *sendWindow
	recv             *recvWindow
	bytesTransferred int64
	pendingIdle      *SessionReport
}

// NewClient returns an idle Client.
func NewClient(cfg Config, t transport.Transport, reader store.Reader, writer store.Writer) *Client {
	return &Client{
		cfg:       cfg,
		transport: t,
		reader:    reader,
		writer:    writer,
		logger:    slog.Default().With("role", "client"),
		clock:     time.Now,
		state:     StateIdle,
		send:      newSendWindow(cfg.WindowSize, cfg.BlockSize),
		recv:      newRecvWindow(cfg.WindowSize, cfg.BlockSize),
	}
}

func (c *Client) SetLogger(l *slog.Logger)                { c.logger = l }
func (c *Client) SetMetrics(m *metrics.Recorder)          { c.metrics = m }
func (c *Client) SetClock(clock func() time.Time)         { c.clock = clock }
func (c *Client) SetIdleFunc(f func(SessionReport))       { c.idleFunc = f }
func (c *Client) State() State                            { return c.state }

// BeginRead starts a read transfer: send RRQ and enter RECEIVING.
func (c *Client) BeginRead(fileIndex, startBlock uint16) error {
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.fileIndex = fileIndex
	c.sessionID = newSessionID()
	c.bytesTransferred = 0
	c.metrics.SessionStarted()
	c.recv.resetAt(startBlock)
	c.recv.lastActivity = c.clock()
	c.state = StateReceiving
	c.transmit(wire.RRQ{FileIndex: fileIndex, StartBlock: startBlock})
	return nil
}

// BeginWrite starts a write transfer: send WRQ and enter SENDING.
func (c *Client) BeginWrite(fileIndex, startBlock uint16) error {
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.fileIndex = fileIndex
	c.sessionID = newSessionID()
	c.bytesTransferred = 0
	c.metrics.SessionStarted()
	c.send.resetAt(startBlock)

	packets, err := c.send.fill(fileIndex, c.reader)
	if err != nil {
		c.abort(err)
		return nil
	}
	c.state = StateSending
	c.send.lastActivity = c.clock()
	c.transmit(wire.WRQ{FileIndex: fileIndex, StartBlock: startBlock})
	for _, pkt := range packets {
		c.bytesTransferred += int64(len(pkt.Payload))
		c.transmit(pkt)
	}
	return nil
}

// OnPacket feeds one received datagram into the state machine.
func (c *Client) OnPacket(buf []byte) error {
	p, err := wire.Decode(buf, c.cfg.BlockSize, c.cfg.WindowSize)
	if err != nil {
		c.logger.Debug("dropping undecodable packet", "err", err)
		return nil
	}

	switch pkt := p.(type) {
	case wire.Data:
		if c.state == StateReceiving {
			c.handleData(pkt)
		}
	case wire.Ack:
		if c.state == StateSending {
			c.handleAck(pkt)
		}
	case wire.End:
		if c.state == StateSending {
			c.finish(nil)
		}
	case wire.Err:
		if c.state != StateIdle {
			c.logger.Warn("peer aborted session", "code", pkt.Code, "message", pkt.Message)
			c.toIdle(newProtocolError(pkt.Code, nil))
		}
	}
	return nil
}

// Tick advances timers; call periodically.
func (c *Client) Tick() {
	switch c.state {
	case StateSending:
		c.tickSending()
	case StateReceiving:
		c.tickReceiving()
	}
	if c.pendingIdle != nil && c.idleFunc != nil {
		report := *c.pendingIdle
		c.pendingIdle = nil
		c.idleFunc(report)
	}
}

func (c *Client) handleData(p wire.Data) {
	if !c.recv.onData(p.BlockNo, p.Payload) {
		return
	}
	c.recv.lastActivity = c.clock()

	ready, lastIndex, terminal := c.recv.complete()
	if !ready {
		return
	}
	written, err := c.recv.commit(c.fileIndex, lastIndex, c.writer)
	c.bytesTransferred += written
	c.metrics.BytesTransferred(written)
	if err != nil {
		c.abort(err)
		return
	}
	if terminal {
		c.transmit(wire.End{})
		c.finish(nil)
		return
	}
	full := bitmap.New(c.cfg.WindowSize)
	for i := 0; i < c.cfg.WindowSize; i++ {
		full.Set(i)
	}
	c.transmit(wire.Ack{WindowBase: c.recv.base, Bitmap: full.Bytes()})
	c.recv.resetAt(c.recv.base + uint16(c.cfg.WindowSize))
	c.recv.lastActivity = c.clock()
}

func (c *Client) handleAck(p wire.Ack) {
	if p.WindowBase != c.send.base {
		return
	}
	c.send.acked = bitmap.FromBytes(append([]byte(nil), p.Bitmap...), c.cfg.WindowSize)
	c.send.lastActivity = c.clock()

	if c.send.fullyAcked() {
		c.send.retry = 0
		if c.send.terminalAcked() {
			// The terminal block is on its way; the receiver owns END.
			return
		}
		c.send.resetAt(c.send.base + uint16(c.cfg.WindowSize))
		packets, err := c.send.fill(c.fileIndex, c.reader)
		if err != nil {
			c.abort(err)
			return
		}
		c.send.lastActivity = c.clock()
		for _, pkt := range packets {
			c.bytesTransferred += int64(len(pkt.Payload))
			c.transmit(pkt)
		}
		return
	}

	missing := c.send.missing()
	c.retransmit(missing)
	c.send.retry++
	if c.send.retry > c.cfg.MaxRetries {
		c.abort(newProtocolError(wire.ErrTimeout, nil))
	}
}

func (c *Client) tickSending() {
	if c.clock().Sub(c.send.lastActivity) <= c.cfg.AckTimeout {
		return
	}
	c.metrics.AckTimeout()
	c.send.retry++
	if c.send.retry > c.cfg.MaxRetries {
		c.abort(newProtocolError(wire.ErrTimeout, nil))
		return
	}
	c.retransmit(c.send.missing())
	c.send.lastActivity = c.clock()
}

func (c *Client) tickReceiving() {
	if c.clock().Sub(c.recv.lastActivity) <= c.cfg.RxTimeout {
		return
	}
	c.metrics.RxTimeout()
	c.recv.retry++
	c.transmit(wire.Ack{WindowBase: c.recv.base, Bitmap: c.recv.received.Bytes()})
	c.recv.lastActivity = c.clock()
	if c.recv.retry > c.cfg.MaxRetries {
		c.abort(newProtocolError(wire.ErrTimeout, nil))
	}
}

func (c *Client) retransmit(packets []wire.Data) {
	if len(packets) == 0 {
		return
	}
	c.metrics.Retransmit(len(packets))
	for _, pkt := range packets {
		c.transmit(pkt)
	}
}

func (c *Client) transmit(p wire.Packet) {
	buf, err := wire.Encode(p)
	if err != nil {
		c.logger.Error("failed to encode outgoing packet", "type", p.Type(), "err", err)
		return
	}
	if err := c.transport.Send(buf); err != nil {
		c.logger.Warn("send failed, relying on retransmit", "type", p.Type(), "err", err)
	}
}

func (c *Client) abort(cause error) {
	code := wire.ErrAborted
	if pe, ok := cause.(*ProtocolError); ok {
		code = pe.Code
	}
	c.transmit(wire.Err{Code: code})
	c.toIdle(cause)
}

func (c *Client) finish(cause error) {
	c.toIdle(cause)
}

func (c *Client) toIdle(cause error) {
	if cause != nil {
		c.metrics.SessionErrored()
		c.logger.Warn("session ended with error", "session", c.sessionID, "err", cause)
	} else {
		c.metrics.SessionCompleted()
		c.logger.Info("session completed", "session", c.sessionID, "bytes", c.bytesTransferred)
	}
	c.state = StateIdle
	c.pendingIdle = &SessionReport{
		SessionID:        c.sessionID,
		FileIndex:        c.fileIndex,
		BytesTransferred: c.bytesTransferred,
		Err:              cause,
	}
}
