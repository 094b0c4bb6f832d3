package flasher

import (
	"time"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/target"
)

// stubHandshakeMagic is the literal ASCII bytes a running stub writes
// back, unframed, once MemEnd hands it control (spec.md §4.6).
const stubHandshakeMagic = "OHAI"

const stubHandshakeTimeout = 3 * time.Second

// stub is one chip's (text, data, entry) RAM loader image.
//
// The retrieval pack carries no real compiled stub firmware for any
// chip family — same gap as the missing bootloader binaries in the
// image package. stubBlob below fills in deterministic placeholder
// bytes at the documented load addresses; see DESIGN.md.
type stub struct {
	TextAddr uint32
	Text     []byte
	DataAddr uint32
	Data     []byte
	Entry    uint32
}

// stubBlob synthesizes a placeholder stub payload: real stub images are
// position-dependent machine code we have no source for, but any byte
// content exercises the same MemBegin/MemData/MemEnd transfer path.
func stubBlob(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

var stubTable = map[chip.Chip]stub{
	chip.Esp32: {
		TextAddr: 0x3FFE8000, Text: stubBlob(0x400, 0x10),
		DataAddr: 0x3FFE9000, Data: stubBlob(0x100, 0x20),
		Entry: 0x3FFE8000,
	},
	chip.Esp32S2: {
		TextAddr: 0x3FFE0000, Text: stubBlob(0x400, 0x11),
		DataAddr: 0x3FFE1000, Data: stubBlob(0x100, 0x21),
		Entry: 0x3FFE0000,
	},
	chip.Esp32S3: {
		TextAddr: 0x3FCE0000, Text: stubBlob(0x400, 0x12),
		DataAddr: 0x3FCE1000, Data: stubBlob(0x100, 0x22),
		Entry: 0x3FCE0000,
	},
	chip.Esp32C3: {
		TextAddr: 0x3FC88000, Text: stubBlob(0x400, 0x13),
		DataAddr: 0x3FC89000, Data: stubBlob(0x100, 0x23),
		Entry: 0x3FC88000,
	},
	chip.Esp8266: {
		TextAddr: 0x40100000, Text: stubBlob(0x400, 0x14),
		DataAddr: 0x3FFE8000, Data: stubBlob(0x100, 0x24),
		Entry: 0x40100000,
	},
}

// uploadStub implements spec.md §4.6: push the stub's text and data
// segments into RAM, run it, and require the exact handshake bytes
// before trusting the stub is alive.
func (f *Flasher) uploadStub() error {
	s, ok := stubTable[f.Chip]
	if !ok {
		return esperrors.New(esperrors.KindUnsupportedFeature, "%v has no stub loader", f.Chip)
	}

	rt := &target.RamTarget{Entry: s.Entry}
	if err := rt.WriteSegment(f.Conn, target.Segment{Addr: s.TextAddr, Data: s.Text}, target.NoopProgress); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "upload stub text segment")
	}
	if err := rt.WriteSegment(f.Conn, target.Segment{Addr: s.DataAddr, Data: s.Data}, target.NoopProgress); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "upload stub data segment")
	}
	if err := rt.Finish(f.Conn, true); err != nil {
		return err
	}

	return f.Conn.WithTimeout(stubHandshakeTimeout, f.readStubHandshake)
}

func (f *Flasher) readStubHandshake() error {
	buf := make([]byte, len(stubHandshakeMagic))
	total := 0
	for total < len(buf) {
		n, err := f.Conn.Port.Read(buf[total:])
		if err != nil {
			return esperrors.Wrap(esperrors.KindSerial, err, "read stub handshake")
		}
		if n == 0 {
			return esperrors.New(esperrors.KindTimeout, "stub handshake read timed out")
		}
		total += n
	}
	if string(buf) != stubHandshakeMagic {
		return esperrors.New(esperrors.KindInvalidStubHandshake, "stub handshake = %q, want %q", buf, stubHandshakeMagic)
	}
	return nil
}
