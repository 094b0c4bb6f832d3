package flasher

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/connection"
	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/protocol"
	"github.com/cesanta/espflash/reset"
	"github.com/cesanta/espflash/slip"
	"github.com/cesanta/espflash/target"
)

// fakePort is a scripted transport mirroring connection_test.go's
// fakePort: reads are served one queued chunk per call, writes are
// recorded for inspection.
type fakePort struct {
	reads   [][]byte
	readIdx int
	writes  [][]byte
}

func (f *fakePort) SetDTR(bool) error { return nil }
func (f *fakePort) SetRTS(bool) error { return nil }

func (f *fakePort) Read(p []byte) (int, error) {
	if f.readIdx >= len(f.reads) {
		return 0, errors.New("fake read timeout")
	}
	chunk := f.reads[f.readIdx]
	f.readIdx++
	n := copy(p, chunk)
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) SetMode(*serial.Mode) error         { return nil }
func (f *fakePort) ResetInputBuffer() error            { return nil }
func (f *fakePort) Close() error                       { return nil }

func syncReplyFrame() []byte {
	body := make([]byte, 10)
	body[0] = 0x01
	body[1] = byte(protocol.Sync)
	return slip.Encode(body)
}

func valueReplyFrame(opcode protocol.CommandType, value uint32) []byte {
	body := make([]byte, 10)
	body[0] = 0x01
	body[1] = byte(opcode)
	binary.LittleEndian.PutUint32(body[4:8], value)
	return slip.Encode(body)
}

func digestReplyFrame(opcode protocol.CommandType, digest [16]byte) []byte {
	body := make([]byte, 26)
	body[0] = 0x01
	body[1] = byte(opcode)
	copy(body[8:24], digest[:])
	return slip.Encode(body)
}

func newTestConnection(port *fakePort) *connection.Connection {
	return connection.New(port, 0x6001, "/dev/ttyUSB0", reset.ModeNoReset, reset.ModeDefault)
}

func TestDetectChipFromScenario5Magic(t *testing.T) {
	// spec.md §8 scenario 5: ReadReg(0x3FF00050) = 0x00F01D83 resolves to ESP32.
	port := &fakePort{reads: [][]byte{valueReplyFrame(protocol.ReadReg, 0x00F01D83)}}
	f := &Flasher{Conn: newTestConnection(port)}

	got, err := f.detectChip()
	if err != nil {
		t.Fatalf("detectChip: %v", err)
	}
	if got != chip.Esp32 {
		t.Fatalf("detectChip = %v, want Esp32", got)
	}
}

func TestConnectFailsOnChipMismatch(t *testing.T) {
	port := &fakePort{reads: [][]byte{
		[]byte("boot:0x13(SPI_FAST_FLASH_BOOT)\nwaiting for download\n"),
		syncReplyFrame(),
		valueReplyFrame(protocol.ReadReg, 0x00F01D83), // ESP32's magic
	}}
	conn := connection.New(port, 0x6001, "/dev/ttyUSB0", reset.ModeDefault, reset.ModeDefault)
	f := &Flasher{Conn: conn}

	err := f.Connect(ConnectOptions{RequestedChip: chip.Esp8266, HasRequestedChip: true})
	if err == nil {
		t.Fatal("Connect succeeded, want ChipMismatch")
	}
	esErr, ok := err.(*esperrors.Error)
	if !ok || esErr.Kind != esperrors.KindChipMismatch {
		t.Fatalf("err = %v, want KindChipMismatch", err)
	}
}

func TestConnectSkipsWorkflowWhenNoResetNoSync(t *testing.T) {
	port := &fakePort{}
	conn := connection.New(port, 0x6001, "/dev/ttyUSB0", reset.ModeNoResetNoSync, reset.ModeDefault)
	f := &Flasher{Conn: conn}

	if err := f.Connect(ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(port.writes) != 0 {
		t.Fatalf("expected no wire traffic under NoResetNoSync, got %d writes", len(port.writes))
	}
}

// countingTarget fails its first N WriteSegment calls, then succeeds.
type countingTarget struct {
	failures int
	calls    int
}

func (c *countingTarget) Begin(target.Sender, bool) error { return nil }

func (c *countingTarget) WriteSegment(target.Sender, target.Segment, target.Progress) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("simulated write failure")
	}
	return nil
}

func (c *countingTarget) Finish(target.Sender, bool) error { return nil }

func TestWriteSegmentWithRetrySucceedsAfterResync(t *testing.T) {
	port := &fakePort{reads: [][]byte{syncReplyFrame()}}
	f := &Flasher{Conn: newTestConnection(port)}
	ct := &countingTarget{failures: 1}

	if err := f.WriteSegmentWithRetry(ct, target.Segment{Addr: 0x1000, Data: []byte("x")}, target.NoopProgress); err != nil {
		t.Fatalf("WriteSegmentWithRetry: %v", err)
	}
	if ct.calls != 2 {
		t.Fatalf("WriteSegment called %d times, want 2", ct.calls)
	}
	if len(port.writes) != 1 {
		t.Fatalf("expected exactly one Sync write between attempts, got %d", len(port.writes))
	}
}

func TestWriteSegmentWithRetryFailsAfterAllAttempts(t *testing.T) {
	port := &fakePort{reads: [][]byte{syncReplyFrame(), syncReplyFrame()}}
	f := &Flasher{Conn: newTestConnection(port)}
	ct := &countingTarget{failures: writeRetryAttempts}

	err := f.WriteSegmentWithRetry(ct, target.Segment{Addr: 0x1000, Data: []byte("x")}, target.NoopProgress)
	if err == nil {
		t.Fatal("WriteSegmentWithRetry succeeded, want an error")
	}
	if ct.calls != writeRetryAttempts {
		t.Fatalf("WriteSegment called %d times, want %d", ct.calls, writeRetryAttempts)
	}
}

// buildMinimalELF hand-assembles a minimal little-endian ELF32 image
// (header + one PT_LOAD program header + segment data, no sections),
// matching image package's elf_test_helper_test.go approach: the pack
// carries no real ELF fixtures, so tests exercising ELF parsing build
// their own.
func buildMinimalELF(entry, segAddr uint32, segData []byte) []byte {
	const ehdrLen = 52
	const phdrLen = 32
	phOff := uint32(ehdrLen)
	dataOff := phOff + phdrLen

	buf := make([]byte, dataOff)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 1, 1, 1
	binary.LittleEndian.PutUint16(buf[16:18], 2)
	binary.LittleEndian.PutUint16(buf[18:20], 94)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], phOff)
	binary.LittleEndian.PutUint16(buf[40:42], ehdrLen)
	binary.LittleEndian.PutUint16(buf[42:44], phdrLen)
	binary.LittleEndian.PutUint16(buf[44:46], 1)
	binary.LittleEndian.PutUint16(buf[46:48], 40)

	ph := buf[phOff : phOff+phdrLen]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], dataOff)
	binary.LittleEndian.PutUint32(ph[8:12], segAddr)
	binary.LittleEndian.PutUint32(ph[12:16], segAddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(segData)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(segData)))
	binary.LittleEndian.PutUint32(ph[24:28], 5)
	binary.LittleEndian.PutUint32(ph[28:32], 4)

	return append(buf, segData...)
}

func TestLoadElfToRamRejectsFlashMappedSegment(t *testing.T) {
	elfBytes := buildMinimalELF(0x42000010, 0x42000000, []byte("flash mapped, not RAM loadable"))
	f := &Flasher{Chip: chip.Esp32C3}

	err := f.LoadElfToRam(elfBytes, target.NoopProgress)
	if err == nil {
		t.Fatal("LoadElfToRam succeeded, want ElfNotRamLoadable")
	}
	esErr, ok := err.(*esperrors.Error)
	if !ok || esErr.Kind != esperrors.KindElfNotRamLoadable {
		t.Fatalf("err = %v, want KindElfNotRamLoadable", err)
	}
}

func TestVerifyMinimumRevisionSatisfied(t *testing.T) {
	// Esp32C3's WAFER_VERSION_MAJOR and WAFER_VERSION_MINOR share one
	// fuse word: major=1 (bits 4-5), minor=2 (bits 0-3) -> raw 0x12.
	port := &fakePort{reads: [][]byte{
		valueReplyFrame(protocol.ReadReg, 0x12),
		valueReplyFrame(protocol.ReadReg, 0x12),
	}}
	f := &Flasher{Conn: newTestConnection(port), Chip: chip.Esp32C3}

	if err := f.VerifyMinimumRevision(100); err != nil {
		t.Fatalf("VerifyMinimumRevision(100): %v", err)
	}
}

func TestVerifyMinimumRevisionUnsatisfied(t *testing.T) {
	port := &fakePort{reads: [][]byte{
		valueReplyFrame(protocol.ReadReg, 0x12),
		valueReplyFrame(protocol.ReadReg, 0x12),
	}}
	f := &Flasher{Conn: newTestConnection(port), Chip: chip.Esp32C3}

	err := f.VerifyMinimumRevision(200)
	if err == nil {
		t.Fatal("VerifyMinimumRevision(200) succeeded, want UnsupportedChipRevision")
	}
	esErr, ok := err.(*esperrors.Error)
	if !ok || esErr.Kind != esperrors.KindUnsupportedChipRevision {
		t.Fatalf("err = %v, want KindUnsupportedChipRevision", err)
	}
}

func TestDedupSegmentsDropsMatchingChunks(t *testing.T) {
	data := make([]byte, 2*flashSectorSize)
	for i := range data {
		data[i] = byte(i)
	}
	matchingChunk := data[:flashSectorSize]
	mismatchDigest := [16]byte{0xFF}
	matchingDigest := md5.Sum(matchingChunk)

	port := &fakePort{reads: [][]byte{
		digestReplyFrame(protocol.FlashMd5, matchingDigest),
		digestReplyFrame(protocol.FlashMd5, mismatchDigest),
	}}
	f := &Flasher{Conn: newTestConnection(port)}

	out, err := f.DedupSegments([]target.Segment{{Addr: 0x10000, Data: data}})
	if err != nil {
		t.Fatalf("DedupSegments: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d segments, want 1 (only the mismatched chunk survives)", len(out))
	}
	if out[0].Addr != 0x10000+flashSectorSize {
		t.Errorf("surviving segment addr = %#x, want %#x", out[0].Addr, 0x10000+flashSectorSize)
	}
}

type fakeRegisterAccess struct {
	reads  []uint32
	idx    int
	writes []uint32
}

func (f *fakeRegisterAccess) ReadReg(addr uint32) (uint32, error) {
	if f.idx >= len(f.reads) {
		return 0, errors.New("no more scripted reads")
	}
	v := f.reads[f.idx]
	f.idx++
	return v, nil
}

func (f *fakeRegisterAccess) WriteReg(addr, value uint32, mask *uint32) error {
	f.writes = append(f.writes, value)
	return nil
}

func TestSpiCommandReturnsW0AfterPollingCompletes(t *testing.T) {
	regs := chip.SpiRegisters{Base: 0x1000, UsrOffset: 0x1c, Usr1Offset: 0x20, Usr2Offset: 0x24, W0Offset: 0x80}
	fr := &fakeRegisterAccess{reads: []uint32{
		0,          // old USR
		0,          // old USR2
		0,          // poll: CMD bit clear already
		0x00164000, // W0 result: size code 0x16
	}}

	got, err := spiCommand(fr, regs, flashReadIDOpcode, nil, 24)
	if err != nil {
		t.Fatalf("spiCommand: %v", err)
	}
	if got != 0x00164000 {
		t.Fatalf("spiCommand = %#x, want %#x", got, 0x00164000)
	}
	if len(fr.writes) == 0 {
		t.Fatal("spiCommand issued no register writes")
	}
}

func TestSpiCommandRejectsOversizedData(t *testing.T) {
	regs := chip.SpiRegisters{}
	_, err := spiCommand(&fakeRegisterAccess{}, regs, flashReadIDOpcode, make([]byte, 17), 0)
	if err == nil {
		t.Fatal("spiCommand succeeded with 17 data bytes, want an error")
	}
}
