package wire

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes p deterministically. Decode(Encode(p)) == p for every
// valid p, given matching blockSize/windowSize on both sides.
func Encode(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case RRQ:
		return encodeRequest(TypeRRQ, v.FileIndex, v.StartBlock), nil
	case WRQ:
		return encodeRequest(TypeWRQ, v.FileIndex, v.StartBlock), nil
	case Data:
		buf := make([]byte, 3+len(v.Payload))
		buf[0] = byte(TypeData)
		binary.LittleEndian.PutUint16(buf[1:3], v.BlockNo)
		copy(buf[3:], v.Payload)
		return buf, nil
	case Ack:
		buf := make([]byte, 3+len(v.Bitmap))
		buf[0] = byte(TypeAck)
		binary.LittleEndian.PutUint16(buf[1:3], v.WindowBase)
		copy(buf[3:], v.Bitmap)
		return buf, nil
	case Err:
		buf := make([]byte, 2+len(v.Message))
		buf[0] = byte(TypeErr)
		buf[1] = byte(v.Code)
		copy(buf[2:], v.Message)
		return buf, nil
	case End:
		return []byte{byte(TypeEnd)}, nil
	default:
		return nil, fmt.Errorf("wire: unknown packet type %T", p)
	}
}

func encodeRequest(t PacketType, fileIndex, startBlock uint16) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(t)
	binary.LittleEndian.PutUint16(buf[1:3], fileIndex)
	binary.LittleEndian.PutUint16(buf[3:5], startBlock)
	return buf
}

// Decode parses buf into a Packet. blockSize and windowSize bound DATA
// payload length and ACK bitmap length respectively; pass the values
// both peers have agreed on out of band.
func Decode(buf []byte, blockSize, windowSize int) (Packet, error) {
	if len(buf) < 1 {
		return nil, &DecodeError{Reason: ReasonTooShort}
	}

	switch PacketType(buf[0]) {
	case TypeRRQ:
		fi, sb, err := decodeRequest(buf)
		if err != nil {
			return nil, err
		}
		return RRQ{FileIndex: fi, StartBlock: sb}, nil

	case TypeWRQ:
		fi, sb, err := decodeRequest(buf)
		if err != nil {
			return nil, err
		}
		return WRQ{FileIndex: fi, StartBlock: sb}, nil

	case TypeData:
		if len(buf) < 3 {
			return nil, &DecodeError{Reason: ReasonTooShort}
		}
		payload := buf[3:]
		if len(payload) > blockSize {
			return nil, &DecodeError{Reason: ReasonPayloadTooBig}
		}
		blockNo := binary.LittleEndian.Uint16(buf[1:3])
		payloadCopy := make([]byte, len(payload))
		copy(payloadCopy, payload)
		return Data{BlockNo: blockNo, Payload: payloadCopy}, nil

	case TypeAck:
		if len(buf) < 3 {
			return nil, &DecodeError{Reason: ReasonTooShort}
		}
		bitmap := buf[3:]
		wantLen := (windowSize + 7) / 8
		if len(bitmap) != wantLen {
			return nil, &DecodeError{Reason: ReasonBadBitmapLen}
		}
		base := binary.LittleEndian.Uint16(buf[1:3])
		bitmapCopy := make([]byte, len(bitmap))
		copy(bitmapCopy, bitmap)
		return Ack{WindowBase: base, Bitmap: bitmapCopy}, nil

	case TypeErr:
		if len(buf) < 2 {
			return nil, &DecodeError{Reason: ReasonTooShort}
		}
		return Err{Code: ErrorCode(buf[1]), Message: string(buf[2:])}, nil

	case TypeEnd:
		if len(buf) != 1 {
			return nil, &DecodeError{Reason: ReasonWrongLength}
		}
		return End{}, nil

	default:
		return nil, &DecodeError{Reason: ReasonUnknownType}
	}
}

func decodeRequest(buf []byte) (fileIndex, startBlock uint16, err error) {
	if len(buf) != 5 {
		return 0, 0, &DecodeError{Reason: ReasonWrongLength}
	}
	return binary.LittleEndian.Uint16(buf[1:3]), binary.LittleEndian.Uint16(buf[3:5]), nil
}
