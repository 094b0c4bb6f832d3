package flasher

import (
	"crypto/md5"
	"testing"

	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/protocol"
	"github.com/cesanta/espflash/slip"
)

func TestEraseRegionRejectsUnalignedOffsetBeforeContactingDevice(t *testing.T) {
	// spec.md §8.6: erase_region(0x1001, 0x1000) fails locally.
	port := &fakePort{}
	f := &Flasher{Conn: newTestConnection(port)}

	err := f.EraseRegion(0x1001, 0x1000)
	if err == nil {
		t.Fatal("EraseRegion(0x1001, 0x1000) succeeded, want an alignment error")
	}
	esErr, ok := err.(*esperrors.Error)
	if !ok || esErr.Kind != esperrors.KindUnsupportedFeature {
		t.Fatalf("err = %v, want KindUnsupportedFeature", err)
	}
	if len(port.writes) != 0 {
		t.Fatalf("expected no wire traffic before the alignment check, got %d writes", len(port.writes))
	}
}

func TestEraseRegionRejectsUnalignedSizeBeforeContactingDevice(t *testing.T) {
	// spec.md §8.6: erase_region(0x1000, 0x1001) fails locally.
	port := &fakePort{}
	f := &Flasher{Conn: newTestConnection(port)}

	err := f.EraseRegion(0x1000, 0x1001)
	if err == nil {
		t.Fatal("EraseRegion(0x1000, 0x1001) succeeded, want an alignment error")
	}
	esErr, ok := err.(*esperrors.Error)
	if !ok || esErr.Kind != esperrors.KindUnsupportedFeature {
		t.Fatalf("err = %v, want KindUnsupportedFeature", err)
	}
	if len(port.writes) != 0 {
		t.Fatalf("expected no wire traffic before the alignment check, got %d writes", len(port.writes))
	}
}

func TestEraseRegionSucceedsWhenAligned(t *testing.T) {
	port := &fakePort{reads: [][]byte{valueReplyFrame(protocol.EraseRegion, 0)}}
	f := &Flasher{Conn: newTestConnection(port)}

	if err := f.EraseRegion(0x10000, 0x1000); err != nil {
		t.Fatalf("EraseRegion: %v", err)
	}
	if len(port.writes) != 1 {
		t.Fatalf("expected exactly one EraseRegion write, got %d", len(port.writes))
	}
}

func TestEraseFlashSucceeds(t *testing.T) {
	port := &fakePort{reads: [][]byte{valueReplyFrame(protocol.EraseFlash, 0)}}
	f := &Flasher{Conn: newTestConnection(port)}

	if err := f.EraseFlash(); err != nil {
		t.Fatalf("EraseFlash: %v", err)
	}
}

func TestReadFlashRoundTrip(t *testing.T) {
	data := []byte("this is the flash content read back over the wire")
	digest := md5.Sum(data)

	port := &fakePort{reads: [][]byte{
		valueReplyFrame(protocol.ReadFlash, 0),
		slip.Encode(data),
		slip.Encode(digest[:]),
	}}
	f := &Flasher{Conn: newTestConnection(port)}

	got, err := f.ReadFlash(0x10000, uint32(len(data)))
	if err != nil {
		t.Fatalf("ReadFlash: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("ReadFlash = %q, want %q", got, data)
	}
	// one write for the ReadFlash command, one ack for the single block.
	if len(port.writes) != 2 {
		t.Fatalf("expected 2 writes (command + block ack), got %d", len(port.writes))
	}
}

func TestReadFlashRejectsDigestMismatch(t *testing.T) {
	data := []byte("flash content")
	badDigest := [16]byte{0xFF}

	port := &fakePort{reads: [][]byte{
		valueReplyFrame(protocol.ReadFlash, 0),
		slip.Encode(data),
		slip.Encode(badDigest[:]),
	}}
	f := &Flasher{Conn: newTestConnection(port)}

	_, err := f.ReadFlash(0x10000, uint32(len(data)))
	if err == nil {
		t.Fatal("ReadFlash succeeded, want a digest mismatch error")
	}
	esErr, ok := err.(*esperrors.Error)
	if !ok || esErr.Kind != esperrors.KindDigestMismatch {
		t.Fatalf("err = %v, want KindDigestMismatch", err)
	}
}
