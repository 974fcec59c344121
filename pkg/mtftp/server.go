package mtftp

import (
	"log/slog"
	"time"

	"github.com/samsamfire/gomtftp/internal/bitmap"
	"github.com/samsamfire/gomtftp/pkg/metrics"
	"github.com/samsamfire/gomtftp/pkg/store"
	"github.com/samsamfire/gomtftp/pkg/transport"
	"github.com/samsamfire/gomtftp/pkg/wire"
)

// Server answers RRQ/WRQ requests over a single transport: one active
// session at a time, no internal locking (it is driven by a single
// caller's OnPacket/Tick loop, per the concurrency model).
type Server struct {
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

// NewServer returns an idle Server. reader/writer may each be nil if this
// server only ever serves one direction, but a request for the
// unsupported direction will fail with READ_FAIL/WRITE_FAIL.
func NewServer(cfg Config, t transport.Transport, reader store.Reader, writer store.Writer) *Server {
	return &Server{
		cfg:       cfg,
		transport: t,
		reader:    reader,
		writer:    writer,
		logger:    slog.Default().With("role", "server"),
		clock:     time.Now,
		state:     StateIdle,
		send:      newSendWindow(cfg.WindowSize, cfg.BlockSize),
		recv:      newRecvWindow(cfg.WindowSize, cfg.BlockSize),
	}
}

// SetLogger overrides the default logger.
func (s *Server) SetLogger(l *slog.Logger) { s.logger = l }

// SetMetrics installs a metrics recorder; nil disables instrumentation.
func (s *Server) SetMetrics(m *metrics.Recorder) { s.metrics = m }

// SetClock overrides the time source; tests use this to advance time
// without sleeping.
func (s *Server) SetClock(clock func() time.Time) { s.clock = clock }

// SetIdleFunc installs the callback fired once per session termination.
func (s *Server) SetIdleFunc(f func(SessionReport)) { s.idleFunc = f }

// State reports the current lifecycle state.
func (s *Server) State() State { return s.state }

// OnPacket feeds one received datagram into the state machine.
func (s *Server) OnPacket(buf []byte) error {
	p, err := wire.Decode(buf, s.cfg.BlockSize, s.cfg.WindowSize)
	if err != nil {
		s.logger.Debug("dropping undecodable packet", "err", err)
		return nil
	}

	switch pkt := p.(type) {
	case wire.RRQ:
		s.handleRRQ(pkt)
	case wire.WRQ:
		s.handleWRQ(pkt)
	case wire.Ack:
		if s.state == StateSending {
			s.handleAck(pkt)
		}
	case wire.Data:
		if s.state == StateReceiving {
			s.handleData(pkt)
		}
	case wire.End:
		if s.state == StateSending {
			s.finish(nil)
		}
	case wire.Err:
		if s.state != StateIdle {
			s.logger.Warn("peer aborted session", "code", pkt.Code, "message", pkt.Message)
			s.toIdle(newProtocolError(pkt.Code, nil))
		}
	}
	return nil
}

// Tick advances timers; call periodically.
func (s *Server) Tick() {
	switch s.state {
	case StateSending:
		s.tickSending()
	case StateReceiving:
		s.tickReceiving()
	}
	if s.pendingIdle != nil && s.idleFunc != nil {
		report := *s.pendingIdle
		s.pendingIdle = nil
		s.idleFunc(report)
	}
}

func (s *Server) handleRRQ(p wire.RRQ) {
	switch s.state {
	case StateIdle:
		s.startSend(p.FileIndex, p.StartBlock)
	case StateSending:
		if p.FileIndex == s.fileIndex && p.StartBlock == s.send.base {
			s.logger.Debug("duplicate RRQ, restarting window send", "file_index", p.FileIndex, "base", p.StartBlock)
			s.send.retry = 0
			s.retransmitSendWindow()
		} else {
			s.sendErr(wire.ErrBusy, "")
		}
	default:
		s.sendErr(wire.ErrBusy, "")
	}
}

func (s *Server) handleWRQ(p wire.WRQ) {
	switch s.state {
	case StateIdle:
		s.startReceive(p.FileIndex, p.StartBlock)
	default:
		s.sendErr(wire.ErrBusy, "")
	}
}

func (s *Server) startSend(fileIndex, startBlock uint16) {
	s.fileIndex = fileIndex
	s.sessionID = newSessionID()
	s.bytesTransferred = 0
	s.metrics.SessionStarted()
	s.send.resetAt(startBlock)

	packets, err := s.send.fill(fileIndex, s.reader)
	if err != nil {
		s.abort(err)
		return
	}
	s.state = StateSending
	s.send.lastActivity = s.clock()
	for _, pkt := range packets {
		s.bytesTransferred += int64(len(pkt.Payload))
		s.transmit(pkt)
	}
}

func (s *Server) startReceive(fileIndex, startBlock uint16) {
	s.fileIndex = fileIndex
	s.sessionID = newSessionID()
	s.bytesTransferred = 0
	s.metrics.SessionStarted()
	s.recv.resetAt(startBlock)
	s.recv.lastActivity = s.clock()
	s.state = StateReceiving
}

func (s *Server) handleAck(p wire.Ack) {
	if p.WindowBase != s.send.base {
		return // stale ACK from a prior window, ignore
	}
	s.send.acked = bitmap.FromBytes(append([]byte(nil), p.Bitmap...), s.cfg.WindowSize)
	s.send.lastActivity = s.clock()

	if s.send.fullyAcked() {
		s.send.retry = 0
		if s.send.terminalAcked() {
			// The terminal block is on its way; the receiver owns END.
			return
		}
		s.send.resetAt(s.send.base + uint16(s.cfg.WindowSize))
		packets, err := s.send.fill(s.fileIndex, s.reader)
		if err != nil {
			s.abort(err)
			return
		}
		s.send.lastActivity = s.clock()
		for _, pkt := range packets {
			s.bytesTransferred += int64(len(pkt.Payload))
			s.transmit(pkt)
		}
		return
	}

	missing := s.send.missing()
	s.retransmit(missing)
	s.send.retry++
	if s.send.retry > s.cfg.MaxRetries {
		s.abort(newProtocolError(wire.ErrTimeout, nil))
	}
}

func (s *Server) handleData(p wire.Data) {
	if !s.recv.onData(p.BlockNo, p.Payload) {
		return
	}
	s.recv.lastActivity = s.clock()

	ready, lastIndex, terminal := s.recv.complete()
	if !ready {
		return
	}
	written, err := s.recv.commit(s.fileIndex, lastIndex, s.writer)
	s.bytesTransferred += written
	s.metrics.BytesTransferred(written)
	if err != nil {
		s.abort(err)
		return
	}
	if terminal {
		s.transmit(wire.End{})
		s.finish(nil)
		return
	}
	full := bitmap.New(s.cfg.WindowSize)
	for i := 0; i < s.cfg.WindowSize; i++ {
		full.Set(i)
	}
	s.transmit(wire.Ack{WindowBase: s.recv.base, Bitmap: full.Bytes()})
	s.recv.resetAt(s.recv.base + uint16(s.cfg.WindowSize))
	s.recv.lastActivity = s.clock()
}

func (s *Server) tickSending() {
	if s.clock().Sub(s.send.lastActivity) <= s.cfg.AckTimeout {
		return
	}
	s.metrics.AckTimeout()
	s.send.retry++
	if s.send.retry > s.cfg.MaxRetries {
		s.abort(newProtocolError(wire.ErrTimeout, nil))
		return
	}
	s.retransmitSendWindow()
}

func (s *Server) tickReceiving() {
	if s.clock().Sub(s.recv.lastActivity) <= s.cfg.RxTimeout {
		return
	}
	s.metrics.RxTimeout()
	s.recv.retry++
	s.transmit(wire.Ack{WindowBase: s.recv.base, Bitmap: s.recv.received.Bytes()})
	s.recv.lastActivity = s.clock()
	if s.recv.retry > s.cfg.MaxRetries {
		s.abort(newProtocolError(wire.ErrTimeout, nil))
	}
}

func (s *Server) retransmitSendWindow() {
	s.retransmit(s.send.missing())
	s.send.lastActivity = s.clock()
}

func (s *Server) retransmit(packets []wire.Data) {
	if len(packets) == 0 {
		return
	}
	s.metrics.Retransmit(len(packets))
	for _, pkt := range packets {
		s.transmit(pkt)
	}
}

func (s *Server) transmit(p wire.Packet) {
	buf, err := wire.Encode(p)
	if err != nil {
		s.logger.Error("failed to encode outgoing packet", "type", p.Type(), "err", err)
		return
	}
	if err := s.transport.Send(buf); err != nil {
		s.logger.Warn("send failed, relying on retransmit", "type", p.Type(), "err", err)
	}
}

func (s *Server) sendErr(code wire.ErrorCode, message string) {
	s.transmit(wire.Err{Code: code, Message: message})
}

func (s *Server) abort(cause error) {
	code := wire.ErrAborted
	if pe, ok := cause.(*ProtocolError); ok {
		code = pe.Code
	}
	s.sendErr(code, "")
	s.toIdle(cause)
}

func (s *Server) finish(cause error) {
	s.toIdle(cause)
}

func (s *Server) toIdle(cause error) {
	if cause != nil {
		s.metrics.SessionErrored()
		s.logger.Warn("session ended with error", "session", s.sessionID, "err", cause)
	} else {
		s.metrics.SessionCompleted()
		s.logger.Info("session completed", "session", s.sessionID, "bytes", s.bytesTransferred)
	}
	s.state = StateIdle
	s.pendingIdle = &SessionReport{
		SessionID:        s.sessionID,
		FileIndex:        s.fileIndex,
		BytesTransferred: s.bytesTransferred,
		Err:              cause,
	}
}
