package flasher

import (
	"time"

	"github.com/golang/glog"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/protocol"
)

const (
	spiUsrBitAlways = uint32(1) << 31
	spiUsrBitWrite  = uint32(1) << 27
	spiUsrBitRead   = uint32(1) << 28
	spiCmdBit       = uint32(1) << 18

	spiPollInterval = time.Millisecond
	spiPollTimeout  = 10 * time.Millisecond
)

// flashReadIDOpcode is the standard JEDEC "Read ID" SPI command byte,
// the same value as the stub-only protocol.FlashDetect opcode.
const flashReadIDOpcode = 0x9F

// flashSizeBySizeCode maps the upper byte of a SPI flash's 24-bit JEDEC
// ID (its declared capacity exponent) to a size in bytes, following the
// convention ESP32 ROM loaders and esptool both use.
var flashSizeBySizeCode = map[byte]uint64{
	0x12: 256 << 10,
	0x13: 512 << 10,
	0x14: 1 << 20,
	0x15: 2 << 20,
	0x16: 4 << 20,
	0x17: 8 << 20,
	0x18: 16 << 20,
	0x19: 32 << 20,
	0x1A: 64 << 20,
}

// spiAttachCandidates are tried in order during autodetection: the
// chip's own strapped SPI flash pins, then the ESP32-PICO-D4's
// dedicated (non-default) pin set, for boards where the PICO-D4's
// internal flash otherwise defeats default-pin probing.
var spiAttachCandidates = []protocol.SpiAttachParams{
	{},
	{Clk: 6, Q: 17, D: 8, Cs: 11, Hd: 16},
}

// spiCommand implements spec.md §4.7's spi_command primitive: it drives
// the chip's SPI flash controller registers directly to issue one raw
// SPI transaction and read back its response, for use before a stub is
// loaded (once a stub runs, FlashDetectCommand does the same job over
// the slip protocol instead).
func spiCommand(conn registerAccess, regs chip.SpiRegisters, cmdCode byte, data []byte, readBits int) (uint32, error) {
	if len(data) > 16 {
		return 0, esperrors.New(esperrors.KindUnsupportedFeature, "spi_command: at most 16 data bytes supported, got %d", len(data))
	}

	oldUsr, err := conn.ReadReg(regs.Base + regs.UsrOffset)
	if err != nil {
		return 0, err
	}
	oldUsr2, err := conn.ReadReg(regs.Base + regs.Usr2Offset)
	if err != nil {
		return 0, err
	}

	usr := spiUsrBitAlways
	if len(data) > 0 {
		usr |= spiUsrBitWrite
	}
	if readBits > 0 {
		usr |= spiUsrBitRead
	}
	if err := conn.WriteReg(regs.Base+regs.UsrOffset, usr, nil); err != nil {
		return 0, err
	}

	usr2 := uint32(7)<<28 | uint32(cmdCode)
	if err := conn.WriteReg(regs.Base+regs.Usr2Offset, usr2, nil); err != nil {
		return 0, err
	}

	mosiBits := bitCountMinusOne(len(data) * 8)
	misoBits := bitCountMinusOne(readBits)
	if regs.HasLengthRegisters {
		if err := conn.WriteReg(regs.Base+regs.MosiLengthOffset, mosiBits, nil); err != nil {
			return 0, err
		}
		if err := conn.WriteReg(regs.Base+regs.MisoLengthOffset, misoBits, nil); err != nil {
			return 0, err
		}
	} else {
		usr1 := misoBits<<8 | mosiBits<<17
		if err := conn.WriteReg(regs.Base+regs.Usr1Offset, usr1, nil); err != nil {
			return 0, err
		}
	}

	var words [4]uint32
	for i, b := range data {
		words[i/4] |= uint32(b) << uint((i%4)*8)
	}
	for i := 0; i < 4; i++ {
		if err := conn.WriteReg(regs.Base+regs.W0Offset+uint32(i*4), words[i], nil); err != nil {
			return 0, err
		}
	}

	if err := conn.WriteReg(regs.Base+regs.UsrOffset, usr|spiCmdBit, nil); err != nil {
		return 0, err
	}

	var elapsed time.Duration
	for {
		v, err := conn.ReadReg(regs.Base + regs.UsrOffset)
		if err != nil {
			return 0, err
		}
		if v&spiCmdBit == 0 {
			break
		}
		if elapsed >= spiPollTimeout {
			return 0, esperrors.New(esperrors.KindTimeout, "spi_command: device did not finish within %s", spiPollTimeout).WithCommand("spi")
		}
		time.Sleep(spiPollInterval)
		elapsed += spiPollInterval
	}

	result, err := conn.ReadReg(regs.Base + regs.W0Offset)
	if err != nil {
		return 0, err
	}

	if err := conn.WriteReg(regs.Base+regs.UsrOffset, oldUsr, nil); err != nil {
		return 0, err
	}
	if err := conn.WriteReg(regs.Base+regs.Usr2Offset, oldUsr2, nil); err != nil {
		return 0, err
	}
	return result, nil
}

func bitCountMinusOne(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return uint32(bits - 1)
}

// registerAccess is the subset of Connection spiCommand needs; narrowed
// so tests can script register reads/writes without a full Connection.
type registerAccess interface {
	ReadReg(addr uint32) (uint32, error)
	WriteReg(addr, value uint32, mask *uint32) error
}

// spiAutodetect implements spec.md §4.7: try each candidate SPI pin
// set, read the flash JEDEC ID either through the stub (if loaded) or
// the raw spi_command primitive, and program SpiSetParams once a
// plausible size is found.
func (f *Flasher) spiAutodetect() (uint64, protocol.SpiAttachParams, error) {
	params, err := chip.Get(f.Chip)
	if err != nil {
		return 0, protocol.SpiAttachParams{}, err
	}

	for _, cand := range spiAttachCandidates {
		attach := &protocol.SpiAttachCommand{Params: cand, Stub: f.Stub}
		if err := f.Conn.WithTimeout(protocol.SpiAttach.Timeout(), func() error {
			_, err := f.Conn.Command(attach)
			return err
		}); err != nil {
			return 0, protocol.SpiAttachParams{}, esperrors.Wrap(esperrors.KindSerial, err, "SpiAttach")
		}

		var flashID uint32
		if f.Stub {
			resp, err := f.Conn.Command(protocol.FlashDetectCommand())
			if err != nil {
				return 0, protocol.SpiAttachParams{}, esperrors.Wrap(esperrors.KindSerial, err, "FlashDetect")
			}
			flashID = resp.Value
		} else {
			flashID, err = spiCommand(f.Conn, params.SpiRegs, flashReadIDOpcode, nil, 24)
			if err != nil {
				return 0, protocol.SpiAttachParams{}, err
			}
		}

		sizeCode := byte(flashID >> 16)
		if sizeCode == 0xFF {
			glog.V(1).Infof("SPI pin set %+v read no flash, trying next candidate", cand)
			continue
		}

		size, ok := flashSizeBySizeCode[sizeCode]
		if !ok {
			glog.Warningf("unrecognized SPI flash size code %#02x (id %#06x), defaulting to 4 MB", sizeCode, flashID)
			size = 4 << 20
		}

		set := &protocol.SpiSetParamsCommand{
			FlashID:    flashID,
			TotalSize:  uint32(size),
			BlockSize:  0x10000,
			SectorSize: 0x1000,
			PageSize:   0x100,
			StatusMask: 0xFFFF,
		}
		if _, err := f.Conn.Command(set); err != nil {
			return 0, protocol.SpiAttachParams{}, esperrors.Wrap(esperrors.KindSerial, err, "SpiSetParams")
		}
		return size, cand, nil
	}

	return 0, protocol.SpiAttachParams{}, esperrors.New(esperrors.KindConnectionFailed, "SPI flash autodetection failed for every candidate pin set")
}
