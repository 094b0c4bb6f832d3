package protocol

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cesanta/espflash/esperrors"
)

// Response is a parsed CommandResponse (spec.md §3): the 8-byte fixed
// header plus whatever the status trailer decodes to. Either Value
// holds a plain 32-bit register/length result or Digest holds a
// 128-bit MD5 digest, never both; which one is populated is
// determined by the wire length exactly as ValueIsDigest reports.
type Response struct {
	Marker       byte
	OpcodeEcho   CommandType
	DataLength   uint16
	Value        uint32
	Digest       [16]byte
	ValueIsDigest bool
	ErrorKind    byte
	Status       byte
}

// Success reports whether the ROM/stub marked the command successful.
func (r *Response) Success() bool { return r.Status == 0 }

// ParseResponse decodes one post-SLIP-unframing response packet.
// Valid lengths are 10/12 (plain value, stub/ROM) and 26/44 (MD5
// digest, stub/ROM); anything else is a protocol violation.
func ParseResponse(data []byte) (*Response, error) {
	var statusLen int
	switch len(data) {
	case 10, 26:
		statusLen = 2
	case 12, 44:
		statusLen = 4
	default:
		return nil, esperrors.New(esperrors.KindFramingError, "unexpected response length %d", len(data))
	}
	if len(data) < 8 {
		return nil, esperrors.New(esperrors.KindFramingError, "response shorter than header: %d bytes", len(data))
	}

	r := &Response{
		Marker:     data[0],
		OpcodeEcho: CommandType(data[1]),
		DataLength: binary.LittleEndian.Uint16(data[2:4]),
	}

	switch len(data) {
	case 10, 12:
		r.Value = binary.LittleEndian.Uint32(data[4:8])
	case 44:
		// ROM MD5 reply: 32 ASCII hex characters.
		hexDigest := data[8 : 8+32]
		raw, err := hex.DecodeString(string(hexDigest))
		if err != nil || len(raw) != 16 {
			return nil, esperrors.Wrap(esperrors.KindFramingError, err, "invalid MD5 hex digest %q", hexDigest)
		}
		copy(r.Digest[:], raw)
		r.ValueIsDigest = true
	case 26:
		// Stub MD5 reply: 16 raw bytes.
		copy(r.Digest[:], data[8:8+16])
		r.ValueIsDigest = true
	}

	r.ErrorKind = data[len(data)-statusLen]
	r.Status = data[len(data)-statusLen+1]
	return r, nil
}
