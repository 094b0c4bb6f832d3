package flasher

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"

	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/protocol"
)

const (
	readFlashBlockSize   = 0x1000
	readFlashMaxInFlight = 64
)

// EraseFlash erases the entire flash chip.
func (f *Flasher) EraseFlash() error {
	return f.Conn.WithTimeout(protocol.EraseFlash.Timeout(), func() error {
		_, err := f.Conn.Command(protocol.EraseFlashCommand{})
		return err
	})
}

// EraseRegion erases size bytes starting at offset, rejecting
// unaligned offsets or sizes before the device is ever contacted
// (spec.md §8.6: erase_region(0x1001,0x1000) and
// erase_region(0x1000,0x1001) both fail locally).
func (f *Flasher) EraseRegion(offset, size uint32) error {
	if offset%flashSectorSize != 0 {
		return esperrors.New(esperrors.KindUnsupportedFeature, "erase offset 0x%x is not aligned to 0x%x", offset, flashSectorSize)
	}
	if size%flashSectorSize != 0 {
		return esperrors.New(esperrors.KindUnsupportedFeature, "erase size 0x%x is not aligned to 0x%x", size, flashSectorSize)
	}
	return f.Conn.WithTimeout(protocol.EraseRegion.TimeoutForSize(size), func() error {
		_, err := f.Conn.Command(&protocol.EraseRegionCommand{Offset: offset, Size: size})
		return err
	})
}

// ReadFlash streams size bytes back from the device starting at
// offset (stub-only): the stub sends fixed-size blocks unprompted,
// acknowledged by writing back the cumulative byte count received so
// far, followed by a trailing MD5 digest of the whole transfer which
// this checks against the locally computed one before returning.
// Grounded on espflash's Flasher::read_flash; the block/ack frames
// here ride the same SLIP framing every other command uses rather than
// the raw byte stream the original crate assumes, since this codebase
// frames uniformly end to end.
func (f *Flasher) ReadFlash(offset, size uint32) ([]byte, error) {
	if err := f.Conn.WithTimeout(protocol.ReadFlash.Timeout(), func() error {
		_, err := f.Conn.Command(&protocol.ReadFlashCommand{
			Offset:      offset,
			Size:        size,
			BlockSize:   readFlashBlockSize,
			MaxInFlight: readFlashMaxInFlight,
		})
		return err
	}); err != nil {
		return nil, err
	}

	data := make([]byte, 0, size)
	for uint32(len(data)) < size {
		chunk, err := f.Conn.ReadRawFrame()
		if err != nil {
			return nil, esperrors.Wrap(esperrors.KindSerial, err, "ReadFlash: read block")
		}
		data = append(data, chunk...)
		if uint32(len(data)) < size && uint32(len(chunk)) < readFlashBlockSize {
			return nil, esperrors.New(esperrors.KindSerial, "ReadFlash: short block (%d of %d bytes) before end of transfer", len(chunk), readFlashBlockSize)
		}
		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, uint32(len(data)))
		if err := f.Conn.WriteRawFrame(ack); err != nil {
			return nil, esperrors.Wrap(esperrors.KindSerial, err, "ReadFlash: ack block")
		}
	}
	if uint32(len(data)) > size {
		return nil, esperrors.New(esperrors.KindSerial, "ReadFlash: received %d bytes, wanted %d", len(data), size)
	}

	digestFrame, err := f.Conn.ReadRawFrame()
	if err != nil {
		return nil, esperrors.Wrap(esperrors.KindSerial, err, "ReadFlash: read digest")
	}
	if len(digestFrame) != 16 {
		return nil, esperrors.New(esperrors.KindDigestMismatch, "ReadFlash: digest frame is %d bytes, want 16", len(digestFrame))
	}
	want := md5.Sum(data)
	if !bytes.Equal(digestFrame, want[:]) {
		return nil, esperrors.New(esperrors.KindDigestMismatch, "ReadFlash: digest mismatch")
	}
	return data, nil
}
