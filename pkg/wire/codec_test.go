package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testBlockSize  = 32
	testWindowSize = 8
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	buf, err := Encode(p)
	assert.NoError(t, err)
	got, err := Decode(buf, testBlockSize, testWindowSize)
	assert.NoError(t, err)
	return got
}

func TestRoundTripRRQ(t *testing.T) {
	p := RRQ{FileIndex: 7, StartBlock: 0}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestRoundTripWRQ(t *testing.T) {
	p := WRQ{FileIndex: 300, StartBlock: 12}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestRoundTripData(t *testing.T) {
	p := Data{BlockNo: 41, Payload: []byte("hello, mtftp")}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestRoundTripDataTerminal(t *testing.T) {
	p := Data{BlockNo: 41, Payload: []byte{}}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestRoundTripAck(t *testing.T) {
	p := Ack{WindowBase: 16, Bitmap: []byte{0xff}}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestRoundTripErr(t *testing.T) {
	p := Err{Code: ErrTimeout, Message: "no ack"}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestRoundTripErrNoMessage(t *testing.T) {
	p := Err{Code: ErrBusy}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestRoundTripEnd(t *testing.T) {
	p := End{}
	assert.Equal(t, p, roundTrip(t, p))
}

func TestDecodeEmptyBuffer(t *testing.T) {
	_, err := Decode(nil, testBlockSize, testWindowSize)
	assert.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
	assert.Equal(t, ReasonTooShort, decErr.Reason)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0xaa}, testBlockSize, testWindowSize)
	assert.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
	assert.Equal(t, ReasonUnknownType, decErr.Reason)
}

func TestDecodeRRQWrongLength(t *testing.T) {
	_, err := Decode([]byte{byte(TypeRRQ), 1, 2}, testBlockSize, testWindowSize)
	assert.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
	assert.Equal(t, ReasonWrongLength, decErr.Reason)
}

func TestDecodeDataPayloadTooBig(t *testing.T) {
	buf, err := Encode(Data{BlockNo: 1, Payload: make([]byte, testBlockSize+1)})
	assert.NoError(t, err)
	_, err = Decode(buf, testBlockSize, testWindowSize)
	assert.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
	assert.Equal(t, ReasonPayloadTooBig, decErr.Reason)
}

func TestDecodeAckBadBitmapLen(t *testing.T) {
	buf, err := Encode(Ack{WindowBase: 0, Bitmap: []byte{0xff, 0xff}})
	assert.NoError(t, err)
	_, err = Decode(buf, testBlockSize, testWindowSize)
	assert.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
	assert.Equal(t, ReasonBadBitmapLen, decErr.Reason)
}

func TestDecodeEndWrongLength(t *testing.T) {
	_, err := Decode([]byte{byte(TypeEnd), 0}, testBlockSize, testWindowSize)
	assert.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
	assert.Equal(t, ReasonWrongLength, decErr.Reason)
}

func TestErrCodeDescription(t *testing.T) {
	assert.Equal(t, "peer stopped responding", ErrTimeout.Description())
	assert.Equal(t, "unknown error", ErrorCode(0xff).Description())
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "DATA", TypeData.String())
	assert.Contains(t, PacketType(0xee).String(), "unknown")
}
