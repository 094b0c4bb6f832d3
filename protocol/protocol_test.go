package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestChecksumSeed(t *testing.T) {
	if got := Checksum(nil, ChecksumSeed); got != ChecksumSeed {
		t.Fatalf("Checksum(nil, seed) = %#x, want seed %#x", got, ChecksumSeed)
	}
	if got := Checksum([]byte{0xEF}, ChecksumSeed); got != 0 {
		t.Fatalf("Checksum([0xEF], 0xEF) = %#x, want 0", got)
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	cmd := &ReadRegCommand{Address: 0x3FF00014}
	pkt := Encode(cmd)
	if pkt[0] != 0x00 {
		t.Fatalf("direction byte = %#x, want 0", pkt[0])
	}
	if CommandType(pkt[1]) != ReadReg {
		t.Fatalf("opcode = %#x, want ReadReg", pkt[1])
	}
	length := binary.LittleEndian.Uint16(pkt[2:4])
	if int(length) != len(pkt)-8 {
		t.Fatalf("length field = %d, want %d", length, len(pkt)-8)
	}
	checksum := binary.LittleEndian.Uint32(pkt[4:8])
	if checksum != 0 {
		t.Fatalf("ReadReg checksum = %d, want 0", checksum)
	}
}

func TestBeginCommandTruncatesWithoutEncryption(t *testing.T) {
	c := &BeginCommand{CmdType: FlashBegin, Size: 0x1000, Blocks: 1, BlockSize: 0x400, Offset: 0x10000}
	body, checksum := c.Payload()
	if len(body) != 16 {
		t.Fatalf("body len = %d, want 16 without encryption support", len(body))
	}
	if checksum != 0 {
		t.Fatalf("Begin checksum = %d, want 0", checksum)
	}
	c.SupportsEncryption = true
	body, _ = c.Payload()
	if len(body) != 20 {
		t.Fatalf("body len = %d, want 20 with encryption support", len(body))
	}
}

func TestDataCommandChecksumCoversPadding(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	c := &DataCommand{CmdType: FlashData, Data: data, PadTo: 6, PadByte: 0xFF, Sequence: 7}
	body, checksum := c.Payload()

	wantSize := uint32(6)
	if got := binary.LittleEndian.Uint32(body[0:4]); got != wantSize {
		t.Fatalf("size field = %d, want %d", got, wantSize)
	}
	if got := binary.LittleEndian.Uint32(body[4:8]); got != 7 {
		t.Fatalf("sequence field = %d, want 7", got)
	}
	want := Checksum([]byte{0xFF, 0xFF, 0xFF}, Checksum(data, ChecksumSeed))
	if checksum != uint32(want) {
		t.Fatalf("checksum = %#x, want %#x", checksum, want)
	}
	if !bytes.Equal(body[16:19], data) {
		t.Fatalf("data bytes = %x, want %x", body[16:19], data)
	}
	for _, b := range body[19:] {
		if b != 0xFF {
			t.Fatalf("pad byte = %#x, want 0xFF", b)
		}
	}
}

func TestEndCommandRebootPolarity(t *testing.T) {
	reboot, _ := (&EndCommand{CmdType: FlashEnd, Reboot: true}).Payload()
	stay, _ := (&EndCommand{CmdType: FlashEnd, Reboot: false}).Payload()
	if reboot[0] != 0 {
		t.Fatalf("reboot body = %#x, want 0", reboot[0])
	}
	if stay[0] != 1 {
		t.Fatalf("stay body = %#x, want 1", stay[0])
	}
}

func TestSpiAttachParamsEncodeRomAppendsZeroBytes(t *testing.T) {
	p := SpiAttachParams{Clk: 6, Q: 17, D: 8, Cs: 11, Hd: 16}
	stub := p.Encode(true)
	rom := p.Encode(false)
	if len(stub) != 4 {
		t.Fatalf("stub encoding len = %d, want 4", len(stub))
	}
	if len(rom) != 8 {
		t.Fatalf("rom encoding len = %d, want 8", len(rom))
	}
	if !bytes.Equal(rom[:4], stub) {
		t.Fatalf("rom prefix = %x, want %x", rom[:4], stub)
	}
	for _, b := range rom[4:] {
		if b != 0 {
			t.Fatalf("rom trailer = %x, want zero", rom[4:])
		}
	}
}

func TestTimeoutsMatchFixedTable(t *testing.T) {
	cases := []struct {
		t    CommandType
		want time.Duration
	}{
		{Sync, 100 * time.Millisecond},
		{MemEnd, 50 * time.Millisecond},
		{EraseFlash, 120 * time.Second},
		{FlashDeflEnd, 10 * time.Second},
		{FlashMd5, 8 * time.Second},
		{WriteReg, 3 * time.Second},
	}
	for _, c := range cases {
		if got := c.t.Timeout(); got != c.want {
			t.Errorf("%s.Timeout() = %v, want %v", c.t, got, c.want)
		}
	}
}

func TestTimeoutForSizeScalesAndFloors(t *testing.T) {
	// 2 MB at 30s/MB = 60s for erase-class commands.
	if got := FlashBegin.TimeoutForSize(2_000_000); got != 60*time.Second {
		t.Fatalf("FlashBegin.TimeoutForSize(2MB) = %v, want 60s", got)
	}
	// Small sizes floor at 10s rather than scaling below it.
	if got := FlashData.TimeoutForSize(1000); got != 10*time.Second {
		t.Fatalf("FlashData.TimeoutForSize(1000) = %v, want 10s floor", got)
	}
	// Non-scaled commands ignore size entirely.
	if got := Sync.TimeoutForSize(10_000_000); got != syncTimeout {
		t.Fatalf("Sync.TimeoutForSize = %v, want fixed Sync timeout", got)
	}
}

func TestParseResponseLengths(t *testing.T) {
	header := func(op CommandType) []byte {
		return []byte{0x01, byte(op), 0x00, 0x00}
	}
	mkPlain := func(op CommandType, value uint32, trailer []byte) []byte {
		val := make([]byte, 4)
		binary.LittleEndian.PutUint32(val, value)
		buf := append(header(op), val...)
		return append(buf, trailer...)
	}
	mkDigest := func(op CommandType, digest []byte, trailer []byte) []byte {
		buf := append(header(op), 0, 0, 0, 0) // unused 4-byte gap before the digest
		buf = append(buf, digest...)
		return append(buf, trailer...)
	}

	t.Run("stub plain value", func(t *testing.T) {
		data := mkPlain(ReadReg, 0xAABBCCDD, []byte{0x00, 0x00})
		r, err := ParseResponse(data)
		if err != nil {
			t.Fatalf("ParseResponse: %v", err)
		}
		if r.Value != 0xAABBCCDD {
			t.Fatalf("value = %#x, want 0xAABBCCDD", r.Value)
		}
		if !r.Success() {
			t.Fatalf("expected success")
		}
	})

	t.Run("rom plain value with nonzero status", func(t *testing.T) {
		data := mkPlain(FlashBegin, 0, []byte{0x00, 0x01, 0x00, 0x00})
		r, err := ParseResponse(data)
		if err != nil {
			t.Fatalf("ParseResponse: %v", err)
		}
		if r.Success() {
			t.Fatalf("expected failure status")
		}
	})

	t.Run("stub md5 raw bytes", func(t *testing.T) {
		digest := bytes.Repeat([]byte{0x42}, 16)
		data := mkDigest(FlashMd5, digest, []byte{0x00, 0x00})
		r, err := ParseResponse(data)
		if err != nil {
			t.Fatalf("ParseResponse: %v", err)
		}
		if !r.ValueIsDigest {
			t.Fatalf("expected digest response")
		}
		if !bytes.Equal(r.Digest[:], digest) {
			t.Fatalf("digest = %x, want %x", r.Digest, digest)
		}
	})

	t.Run("rom md5 ascii hex", func(t *testing.T) {
		hexDigest := []byte("00112233445566778899aabbccddeeff")
		data := mkDigest(FlashMd5, hexDigest, []byte{0x00, 0x00, 0x00, 0x00})
		r, err := ParseResponse(data)
		if err != nil {
			t.Fatalf("ParseResponse: %v", err)
		}
		if !r.ValueIsDigest {
			t.Fatalf("expected digest response")
		}
	})

	t.Run("invalid length", func(t *testing.T) {
		if _, err := ParseResponse(make([]byte, 13)); err == nil {
			t.Fatalf("expected error for unsupported length 13")
		}
	})
}
