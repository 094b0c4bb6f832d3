// Package slip implements SLIP framing (RFC 1055) for the ROM/stub
// serial protocol: delimiter 0xC0, escape 0xDB/0xDC/0xDD. It is a
// generalization of mongoose-os's mos/flash/common.SLIPReaderWriter
// (a blocking one-byte-at-a-time io.ReadWriter wrapper) into a
// stateful Decoder that can also be driven over in-memory byte slices,
// which the round-trip properties in spec.md §8 require.
package slip

import (
	"github.com/cesanta/espflash/esperrors"
)

const (
	FrameDelimiter = 0xC0
	Escape         = 0xDB
	EscapeEnd      = 0xDC
	EscapeEscape   = 0xDD

	// DefaultMaxFrameSize is the recommended per-frame buffer limit
	// from spec.md §4.1.
	DefaultMaxFrameSize = 1006
	// MinMaxFrameSize is the floor a Decoder will accept.
	MinMaxFrameSize = 64
)

// Encode brackets data with a single FrameDelimiter on each side and
// escapes any FrameDelimiter/Escape bytes inside it. The caller is
// responsible for coalescing consecutive frames (the trailing
// delimiter of frame N is also a valid leading delimiter for frame
// N+1); Encode itself always emits both delimiters.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, FrameDelimiter)
	for _, b := range data {
		switch b {
		case FrameDelimiter:
			out = append(out, Escape, EscapeEnd)
		case Escape:
			out = append(out, Escape, EscapeEscape)
		default:
			out = append(out, b)
		}
	}
	out = append(out, FrameDelimiter)
	return out
}

type decoderState int

const (
	stateIdle decoderState = iota
	stateInFrame
	stateEscape
	stateFailed
)

// Decoder is a stateful SLIP stream filter. Feed it arbitrary chunks
// of incoming bytes via Write; completed frames are returned by
// ReadFrame. Partial frames are retained across calls.
type Decoder struct {
	state      decoderState
	buf        []byte
	maxSize    int
	frames     [][]byte
	frameErrs  []error
	sawContent bool
}

// NewDecoder creates a Decoder with the given maximum frame size. A
// maxFrameSize <= 0 selects DefaultMaxFrameSize; values below
// MinMaxFrameSize are raised to it.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if maxFrameSize < MinMaxFrameSize {
		maxFrameSize = MinMaxFrameSize
	}
	return &Decoder{maxSize: maxFrameSize}
}

// Write feeds raw bytes (as read from the transport) into the
// decoder. It never returns an error for framing problems; those are
// reported lazily via the returned frame's error when ReadFrame is
// called, matching the "tolerate extra leading delimiters, resync at
// next boundary" contract of spec.md §4.1.
//
// A run of delimiters with no content between them (which is exactly
// what the junction of two fully-bracketed Encode outputs looks like)
// never produces an empty frame; no command in this protocol ever
// carries a zero-length body, and collapsing empty runs is what lets
// the "trailing delimiter doubles as the next leading delimiter"
// contract hold without the decoder mistaking a shared boundary for a
// spurious empty packet.
func (d *Decoder) Write(p []byte) (int, error) {
	for _, b := range p {
		d.step(b)
	}
	return len(p), nil
}

func (d *Decoder) step(b byte) {
	switch d.state {
	case stateIdle:
		if b == FrameDelimiter {
			// Tolerate the doubled/extra delimiter between frames.
			return
		}
		d.state = stateInFrame
		d.sawContent = false
		d.pushByte(b)
	case stateInFrame:
		switch b {
		case FrameDelimiter:
			d.finishFrame(nil)
		case Escape:
			d.state = stateEscape
		default:
			d.pushByte(b)
		}
	case stateEscape:
		switch b {
		case EscapeEnd:
			d.pushByte(FrameDelimiter)
			d.state = stateInFrame
		case EscapeEscape:
			d.pushByte(Escape)
			d.state = stateInFrame
		default:
			// Unknown escape: mark failed, keep consuming until the
			// next frame boundary where we resynchronize.
			d.state = stateFailed
		}
	case stateFailed:
		if b == FrameDelimiter {
			d.finishFrame(esperrors.New(esperrors.KindFramingError, "invalid SLIP escape sequence"))
		}
		// else: discard bytes of the broken frame.
	}
}

func (d *Decoder) pushByte(b byte) {
	if d.state == stateFailed {
		return
	}
	if len(d.buf) >= d.maxSize {
		d.finishFrame(esperrors.New(esperrors.KindOversizedPacket, "SLIP frame exceeds %d bytes", d.maxSize))
		d.state = stateFailed
		return
	}
	d.buf = append(d.buf, b)
	d.sawContent = true
}

func (d *Decoder) finishFrame(err error) {
	if err != nil {
		d.frames = append(d.frames, nil)
		d.frameErrs = append(d.frameErrs, err)
	} else if d.sawContent || len(d.buf) > 0 {
		frame := make([]byte, len(d.buf))
		copy(frame, d.buf)
		d.frames = append(d.frames, frame)
		d.frameErrs = append(d.frameErrs, nil)
	}
	d.buf = d.buf[:0]
	d.state = stateIdle
	d.sawContent = false
}

// ReadFrame pops the oldest decoded frame, if any. ok is false when no
// complete frame is currently buffered.
func (d *Decoder) ReadFrame() (frame []byte, err error, ok bool) {
	if len(d.frames) == 0 {
		return nil, nil, false
	}
	frame, err = d.frames[0], d.frameErrs[0]
	d.frames = d.frames[1:]
	d.frameErrs = d.frameErrs[1:]
	return frame, err, true
}

// DecodeAll is a convenience wrapper for tests and one-shot callers:
// it decodes a full byte stream (possibly containing several
// concatenated frames) and returns every frame in order. The first
// framing error encountered is returned alongside whatever frames
// were successfully decoded before it.
func DecodeAll(data []byte) ([][]byte, error) {
	d := NewDecoder(0)
	d.Write(data)
	var out [][]byte
	for {
		f, err, ok := d.ReadFrame()
		if !ok {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}
