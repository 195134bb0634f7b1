package blive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const headerLen = 16

// Op is a packet operation code.
type Op uint32

const (
	OpHeartbeat      Op = 2
	OpHeartbeatReply Op = 3
	OpMessage        Op = 5
	OpAuth           Op = 7
	OpAuthReply      Op = 8
)

// Body encodings (protocol versions).
const (
	VerPlain  uint16 = 0
	VerInt    uint16 = 1
	VerZlib   uint16 = 2
	VerBrotli uint16 = 3
)

var (
	ErrMalformed   = errors.New("blive: malformed packet")
	ErrUnsupported = errors.New("blive: unsupported body encoding")
)

type Packet struct {
	Ver  uint16
	Op   Op
	Body []byte
}

// Encode frames body as a single client packet.
func Encode(op Op, body []byte) []byte {
	return EncodeVer(VerInt, op, body)
}

func EncodeVer(ver uint16, op Op, body []byte) []byte {
	b := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(b)))
	binary.BigEndian.PutUint16(b[4:6], headerLen)
	binary.BigEndian.PutUint16(b[6:8], ver)
	binary.BigEndian.PutUint32(b[8:12], uint32(op))
	binary.BigEndian.PutUint32(b[12:16], 1)
	copy(b[headerLen:], body)
	return b
}

// Compress wraps already framed packets into one zlib message packet.
func Compress(packets ...[]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	for _, p := range packets {
		if _, err := zw.Write(p); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return EncodeVer(VerZlib, OpMessage, buf.Bytes()), nil
}

// Decode splits data into packets, inflating compressed ones recursively.
// Packets decoded before an error are still returned.
func Decode(data []byte) ([]Packet, error) {
	var out []Packet
	for len(data) > 0 {
		if len(data) < headerLen {
			return out, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data))
		}
		plen := int(binary.BigEndian.Uint32(data[0:4]))
		hlen := int(binary.BigEndian.Uint16(data[4:6]))
		ver := binary.BigEndian.Uint16(data[6:8])
		op := Op(binary.BigEndian.Uint32(data[8:12]))
		if hlen < headerLen || plen < hlen || plen > len(data) {
			return out, fmt.Errorf("%w: length %d header %d of %d", ErrMalformed, plen, hlen, len(data))
		}
		body := data[hlen:plen]
		data = data[plen:]

		switch ver {
		case VerZlib:
			raw, err := inflate(body)
			if err != nil {
				return out, fmt.Errorf("blive: inflate: %w", err)
			}
			inner, err := Decode(raw)
			out = append(out, inner...)
			if err != nil {
				return out, err
			}
		case VerBrotli:
			return out, ErrUnsupported
		default:
			out = append(out, Packet{Ver: ver, Op: op, Body: body})
		}
	}
	return out, nil
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Popularity reads the counter carried by a heartbeat reply.
func Popularity(body []byte) (int64, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint32(body[:4])), true
}
