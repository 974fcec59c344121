package mtftp

import (
	"time"

	"github.com/samsamfire/gomtftp/internal/bitmap"
	"github.com/samsamfire/gomtftp/pkg/store"
	"github.com/samsamfire/gomtftp/pkg/wire"
)

// sendWindow is the sender-role half of a session: it holds up to
// WindowSize in-flight blocks, reads their payloads once from the store,
// and retransmits from its own buffers on loss rather than re-reading
// (the bytes actually sent must match what gets retransmitted).
type sendWindow struct {
	base          uint16
	blockSize     int
	valid         []bool // slot i was filled (has data to send)
	buffers       [][]byte
	lengths       []int
	terminalIndex int // index of the short/terminal block, -1 if none yet
	acked         *bitmap.Bitmap
	lastActivity  time.Time
	retry         int
}

func newSendWindow(windowSize, blockSize int) *sendWindow {
	buffers := make([][]byte, windowSize)
	for i := range buffers {
		buffers[i] = make([]byte, blockSize)
	}
	return &sendWindow{
		blockSize:     blockSize,
		valid:         make([]bool, windowSize),
		buffers:       buffers,
		lengths:       make([]int, windowSize),
		terminalIndex: -1,
		acked:         bitmap.New(windowSize),
	}
}

// resetAt clears the window for a fresh fill starting at base.
func (w *sendWindow) resetAt(base uint16) {
	w.base = base
	w.terminalIndex = -1
	w.acked.Reset()
	for i := range w.valid {
		w.valid[i] = false
		w.lengths[i] = 0
	}
	w.retry = 0
}

// fill reads blocks from r starting at w.base until the window is full or
// a short read marks the terminal block, returning the DATA packets to
// send in order.
func (w *sendWindow) fill(fileIndex uint16, r store.Reader) ([]wire.Data, error) {
	if r == nil {
		return nil, newProtocolError(wire.ErrReadFail, nil)
	}
	var packets []wire.Data
	for i := range w.buffers {
		if w.terminalIndex >= 0 {
			break
		}
		blockNo := w.base + uint16(i)
		got, err := r.Read(fileIndex, uint32(blockNo)*uint32(w.blockSize), w.buffers[i])
		if err != nil {
			return nil, newProtocolError(wire.ErrReadFail, err)
		}
		w.valid[i] = true
		w.lengths[i] = got
		if got < w.blockSize {
			w.terminalIndex = i
		}
		payload := make([]byte, got)
		copy(payload, w.buffers[i][:got])
		packets = append(packets, wire.Data{BlockNo: blockNo, Payload: payload})
	}
	return packets, nil
}

// missing returns the DATA packets for every valid slot not yet acked.
func (w *sendWindow) missing() []wire.Data {
	var packets []wire.Data
	for i, valid := range w.valid {
		if !valid || w.acked.IsSet(i) {
			continue
		}
		payload := make([]byte, w.lengths[i])
		copy(payload, w.buffers[i][:w.lengths[i]])
		packets = append(packets, wire.Data{BlockNo: w.base + uint16(i), Payload: payload})
	}
	return packets
}

// terminalAcked reports whether the terminal block (if known) has been
// acknowledged.
func (w *sendWindow) terminalAcked() bool {
	return w.terminalIndex >= 0 && w.acked.IsSet(w.terminalIndex)
}

// fullyAcked reports whether every valid slot has been acknowledged.
func (w *sendWindow) fullyAcked() bool {
	for i, valid := range w.valid {
		if valid && !w.acked.IsSet(i) {
			return false
		}
	}
	return true
}

// recvWindow is the receiver-role half of a session: it buffers arriving
// blocks by position within the window and commits them to the write
// sink in ascending order only once the window (or the run up to the
// terminal block) is fully received.
type recvWindow struct {
	base          uint16
	blockSize     int
	received      *bitmap.Bitmap
	buffers       [][]byte
	lengths       []int
	terminalIndex int // -1 if not yet seen
	lastActivity  time.Time
	retry         int
}

func newRecvWindow(windowSize, blockSize int) *recvWindow {
	buffers := make([][]byte, windowSize)
	for i := range buffers {
		buffers[i] = make([]byte, blockSize)
	}
	return &recvWindow{
		blockSize:     blockSize,
		received:      bitmap.New(windowSize),
		buffers:       buffers,
		lengths:       make([]int, windowSize),
		terminalIndex: -1,
	}
}

func (w *recvWindow) resetAt(base uint16) {
	w.base = base
	w.terminalIndex = -1
	w.received.Reset()
	w.retry = 0
}

// onData records an incoming DATA packet. It reports whether the block
// was newly accepted (false for duplicates or out-of-window blocks,
// which the caller must drop silently).
func (w *recvWindow) onData(blockNo uint16, payload []byte) bool {
	windowSize := len(w.buffers)
	if blockNo < w.base || int(blockNo)-int(w.base) >= windowSize {
		return false
	}
	i := int(blockNo - w.base)
	if w.received.IsSet(i) {
		return false
	}
	copy(w.buffers[i], payload)
	w.lengths[i] = len(payload)
	w.received.Set(i)
	if len(payload) < w.blockSize {
		w.terminalIndex = i
	}
	return true
}

// complete reports whether the window (or its terminal-bounded prefix)
// is ready to commit, and the last index (inclusive) to write.
func (w *recvWindow) complete() (ready bool, lastIndex int, terminal bool) {
	run := w.received.LeadingRun()
	if w.terminalIndex >= 0 && run > w.terminalIndex {
		return true, w.terminalIndex, true
	}
	if run == len(w.buffers) {
		return true, len(w.buffers) - 1, false
	}
	return false, 0, false
}

// commit writes blocks [0, lastIndex] in ascending order to wtr.
func (w *recvWindow) commit(fileIndex uint16, lastIndex int, wtr store.Writer) (int64, error) {
	if wtr == nil {
		return 0, newProtocolError(wire.ErrWriteFail, nil)
	}
	var written int64
	for i := 0; i <= lastIndex; i++ {
		offset := uint32(w.base+uint16(i)) * uint32(w.blockSize)
		if err := wtr.Write(fileIndex, offset, w.buffers[i][:w.lengths[i]]); err != nil {
			return written, newProtocolError(wire.ErrWriteFail, err)
		}
		written += int64(w.lengths[i])
	}
	return written, nil
}
