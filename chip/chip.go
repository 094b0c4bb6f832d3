// Package chip holds the static per-target parameter tables spec.md
// §3 calls the "Chip registry": magic detection values, flash address
// ranges, SPI register layout, eFuse geometry, flash-config encodings
// and the rest of the data every other package looks up by chip kind.
// It generalizes mongoose-os's esp32/esp8266 subpackages (each a
// standalone Go package duplicating a chunk of this table for a single
// chip) into one closed enum with one table per field, the way
// cli/flash/esp.ChipType enumerates the same set for dispatch.
package chip

import "github.com/cesanta/espflash/esperrors"

// Chip is a closed enumeration of the supported target device kinds.
type Chip int

const (
	Esp32 Chip = iota
	Esp32C2
	Esp32C3
	Esp32C5
	Esp32C6
	Esp32H2
	Esp32P4
	Esp32S2
	Esp32S3
	Esp8266
)

func (c Chip) String() string {
	switch c {
	case Esp32:
		return "ESP32"
	case Esp32C2:
		return "ESP32-C2"
	case Esp32C3:
		return "ESP32-C3"
	case Esp32C5:
		return "ESP32-C5"
	case Esp32C6:
		return "ESP32-C6"
	case Esp32H2:
		return "ESP32-H2"
	case Esp32P4:
		return "ESP32-P4"
	case Esp32S2:
		return "ESP32-S2"
	case Esp32S3:
		return "ESP32-S3"
	case Esp8266:
		return "ESP8266"
	default:
		return "unknown"
	}
}

// AddressRange is a half-open [Start, End) range of the device address
// space mapped to flash.
type AddressRange struct {
	Start, End uint32
}

func (r AddressRange) Contains(addr uint32) bool { return addr >= r.Start && addr < r.End }

// SpiRegisters is the base address and per-register offsets the
// spi_command primitive (spec.md §4.7) programs directly.
type SpiRegisters struct {
	Base               uint32
	UsrOffset          uint32
	Usr1Offset         uint32
	Usr2Offset         uint32
	W0Offset           uint32
	MosiLengthOffset   uint32 // 0 if absent; packed into USR1 instead.
	MisoLengthOffset   uint32
	HasLengthRegisters bool
}

// WdtRegisters is the (wprotect, config0, config1) triple used to
// silence the RTC watchdog before flashing over USB-Serial/JTAG.
type WdtRegisters struct {
	Wprotect, Config0, Config1 uint32
}

// Params is the static attribute bundle for one Chip, per spec.md §3.
type Params struct {
	ID                       uint16
	MagicValues              []uint32
	FlashRanges              []AddressRange
	BootAddress              uint32
	SpiRegs                  SpiRegisters
	DefaultFlashFrequencyMHz int
	DefaultXtalFrequencyMHz  int
	// FlashFrequencyEncodings maps a nominal frequency (MHz) to the
	// 4-bit value written into the image header's flash_config nibble.
	FlashFrequencyEncodings map[int]byte
	// ValidMMUPageSizes is the permitted page-size set for chips with
	// configurable MMU page size; nil means the implicit {0x10000}.
	ValidMMUPageSizes []uint32
	Wdt               *WdtRegisters
	EfuseBase         uint32
	EfuseBlock0Offset uint32
	EfuseBlockSizes   []uint32
	SupportedTargets  []string
	// UsbJtagWdtDisable is true for chips where begin() must silence
	// the RTC watchdog when flashing over the built-in USB-Serial/JTAG
	// transport (spec.md §4.10, Esp32Target.begin).
	UsbJtagWdtDisable bool
}

// defaultFlashFreqEncodings is the table spec.md §12 item 3's example
// draws from: `_20Mhz: 0x2, _26Mhz: 0x1, _40Mhz: 0x0, _80Mhz: 0xF`,
// shared by every chip except the two with a slower native SPI clock.
var defaultFlashFreqEncodings = map[int]byte{20: 0x2, 26: 0x1, 40: 0x0, 80: 0xF}

var h2FlashFreqEncodings = map[int]byte{12: 0x2, 16: 0x1, 24: 0x0, 48: 0xF}
var c2FlashFreqEncodings = map[int]byte{15: 0x2, 20: 0x1, 30: 0x0, 60: 0xF}

// flashSizeEncodings maps a flash size in bytes to the high-nibble
// encoding of the image header's flash_config byte, shared across all
// chips (spec.md §12 item 3).
var flashSizeEncodings = map[uint64]byte{
	1 << 20:  0,
	2 << 20:  1,
	4 << 20:  2,
	8 << 20:  3,
	16 << 20: 4,
	32 << 20: 5,
	64 << 20: 6,
	128 << 20: 7,
	256 << 20: 8,
}

var table = map[Chip]Params{
	Esp32: {
		ID:                       0,
		MagicValues:              []uint32{0x00f01d83},
		FlashRanges:              []AddressRange{{0x400d0000, 0x40400000}, {0x3f400000, 0x3f800000}},
		BootAddress:              0x1000,
		SpiRegs:                  SpiRegisters{Base: 0x3ff42000, UsrOffset: 0x1c, Usr1Offset: 0x20, Usr2Offset: 0x24, W0Offset: 0x80},
		DefaultFlashFrequencyMHz: 40,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		EfuseBase:                0x3ff5a000,
		EfuseBlock0Offset:        0x0,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32},
		SupportedTargets:         []string{"xtensa-esp32-none-elf", "xtensa-esp32-espidf"},
	},
	Esp32C2: {
		ID:                       12,
		MagicValues:              []uint32{0x6f51306f, 0x7c41c06f},
		FlashRanges:              []AddressRange{{0x42000000, 0x42400000}, {0x3c000000, 0x3c400000}},
		BootAddress:              0x0,
		SpiRegs:                  SpiRegisters{Base: 0x60002000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 30,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  c2FlashFreqEncodings,
		EfuseBase:                0x60008800,
		EfuseBlock0Offset:        0x2d,
		EfuseBlockSizes:          []uint32{24, 32, 32},
		SupportedTargets:         []string{"riscv32imc-unknown-none-elf", "riscv32imc-esp-espidf"},
	},
	Esp32C3: {
		ID:                       5,
		MagicValues:              []uint32{0x6921506f, 0x1b31506f, 0x4881606f, 0x4361606f},
		FlashRanges:              []AddressRange{{0x42000000, 0x42800000}, {0x3c000000, 0x3c800000}},
		BootAddress:              0x0,
		SpiRegs:                  SpiRegisters{Base: 0x60002000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 40,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		EfuseBase:                0x60008800,
		EfuseBlock0Offset:        0x2d,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32},
		SupportedTargets:         []string{"riscv32imc-unknown-none-elf", "riscv32imc-esp-espidf"},
		UsbJtagWdtDisable:        true,
	},
	Esp32C5: {
		ID:                       23,
		MagicValues:              nil, // no fixed magic; detected via the USB descriptor instead.
		FlashRanges:              []AddressRange{{0x42000000, 0x44000000}},
		BootAddress:              0x2000,
		SpiRegs:                  SpiRegisters{Base: 0x60003000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 80,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		ValidMMUPageSizes:        []uint32{0x8000, 0x10000},
		EfuseBase:                0x600b4800,
		EfuseBlock0Offset:        0x2c,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32, 32, 32, 32, 32, 32, 32},
		SupportedTargets:         []string{"riscv32imac-unknown-none-elf", "riscv32imac-esp-espidf"},
		UsbJtagWdtDisable:        true,
	},
	Esp32C6: {
		ID:                       13,
		MagicValues:              []uint32{0x2ce0806f},
		FlashRanges:              []AddressRange{{0x42000000, 0x42800000}, {0x42800000, 0x43000000}},
		BootAddress:              0x0,
		SpiRegs:                  SpiRegisters{Base: 0x60003000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 80,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		ValidMMUPageSizes:        []uint32{0x8000, 0x10000},
		EfuseBase:                0x600b0800,
		EfuseBlock0Offset:        0x2c,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32, 32, 32, 32, 32, 32, 32},
		SupportedTargets:         []string{"riscv32imac-unknown-none-elf", "riscv32imac-esp-espidf"},
		UsbJtagWdtDisable:        true,
	},
	Esp32H2: {
		ID:                       16,
		MagicValues:              []uint32{0xd7b73e80},
		FlashRanges:              []AddressRange{{0x42000000, 0x42800000}, {0x42800000, 0x43000000}},
		BootAddress:              0x0,
		SpiRegs:                  SpiRegisters{Base: 0x60003000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 24,
		DefaultXtalFrequencyMHz:  32,
		FlashFrequencyEncodings:  h2FlashFreqEncodings,
		ValidMMUPageSizes:        []uint32{0x8000, 0x10000},
		EfuseBase:                0x600b0800,
		EfuseBlock0Offset:        0x2c,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32, 32, 32, 32, 32, 32, 32},
		SupportedTargets:         []string{"riscv32imac-unknown-none-elf", "riscv32imac-esp-espidf"},
		UsbJtagWdtDisable:        true,
	},
	Esp32P4: {
		ID:                       18,
		MagicValues:              []uint32{0x0, 0x0addbad0},
		FlashRanges:              []AddressRange{{0x40000000, 0x4c000000}},
		BootAddress:              0x2000,
		SpiRegs:                  SpiRegisters{Base: 0x5008d000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 80,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		ValidMMUPageSizes:        []uint32{0x8000, 0x10000},
		EfuseBase:                0x5012d000,
		EfuseBlock0Offset:        0x2c,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32, 32, 32, 32, 32, 32, 32},
		SupportedTargets:         []string{"riscv32imafc-unknown-none-elf", "riscv32imafc-esp-espidf"},
		UsbJtagWdtDisable:        true,
	},
	Esp32S2: {
		ID:                       2,
		MagicValues:              []uint32{0x000007c6},
		FlashRanges:              []AddressRange{{0x40080000, 0x40c00000}, {0x3f000000, 0x3f3f0000}},
		BootAddress:              0x1000,
		SpiRegs:                  SpiRegisters{Base: 0x3f402000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 40,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		EfuseBase:                0x3f41a000,
		EfuseBlock0Offset:        0x2c,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32, 32, 32},
		SupportedTargets:         []string{"xtensa-esp32s2-none-elf", "xtensa-esp32s2-espidf"},
		UsbJtagWdtDisable:        true,
	},
	Esp32S3: {
		ID:                       9,
		MagicValues:              []uint32{0x00000009},
		FlashRanges:              []AddressRange{{0x42000000, 0x44000000}, {0x3c000000, 0x3e000000}},
		BootAddress:              0x0,
		SpiRegs:                  SpiRegisters{Base: 0x60002000, UsrOffset: 0x18, Usr1Offset: 0x1c, Usr2Offset: 0x20, W0Offset: 0x58, MosiLengthOffset: 0x24, MisoLengthOffset: 0x28, HasLengthRegisters: true},
		DefaultFlashFrequencyMHz: 40,
		DefaultXtalFrequencyMHz:  40,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		ValidMMUPageSizes:        []uint32{0x10000},
		EfuseBase:                0x60007000,
		EfuseBlock0Offset:        0x2c,
		EfuseBlockSizes:          []uint32{24, 32, 32, 32, 32, 32},
		SupportedTargets:         []string{"xtensa-esp32s3-none-elf", "xtensa-esp32s3-espidf"},
		UsbJtagWdtDisable:        true,
	},
	Esp8266: {
		ID:                       0xffff,
		MagicValues:              []uint32{0xfff0c101},
		FlashRanges:              []AddressRange{{0x40200000, 0x40300000}},
		BootAddress:              0x0,
		SpiRegs:                  SpiRegisters{Base: 0x60000200, UsrOffset: 0x1c, Usr1Offset: 0x20, Usr2Offset: 0x24, W0Offset: 0x40},
		DefaultFlashFrequencyMHz: 40,
		DefaultXtalFrequencyMHz:  26,
		FlashFrequencyEncodings:  defaultFlashFreqEncodings,
		EfuseBase:                0x3ff00050,
		EfuseBlock0Offset:        0x0,
		EfuseBlockSizes:          []uint32{16},
		SupportedTargets:         []string{"xtensa-esp8266-none-elf"},
	},
}

// Get returns the static parameters for c.
func Get(c Chip) (Params, error) {
	p, ok := table[c]
	if !ok {
		return Params{}, esperrors.New(esperrors.KindUnsupportedFeature, "unknown chip %v", c)
	}
	return p, nil
}

// DetectByMagic resolves a chip-detect magic register value to the
// Chip it identifies. Several RISC-V chips (C5, C6 successors) carry
// no fixed magic and must be distinguished by other means before this
// is called; they are skipped here.
func DetectByMagic(magic uint32) (Chip, error) {
	for c, p := range table {
		for _, m := range p.MagicValues {
			if m == magic {
				return c, nil
			}
		}
	}
	return 0, esperrors.New(esperrors.KindChipDetectError, "unrecognized magic value %#08x", magic)
}

// IsFlashAddress reports whether addr falls in one of c's flash_ranges.
func (c Chip) IsFlashAddress(addr uint32) bool {
	p, err := Get(c)
	if err != nil {
		return false
	}
	for _, r := range p.FlashRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// EncodeFlashSize maps a flash size in bytes to the high-nibble
// encoding of the image header's flash_config byte.
func EncodeFlashSize(sizeBytes uint64) (byte, error) {
	b, ok := flashSizeEncodings[sizeBytes]
	if !ok {
		return 0, esperrors.New(esperrors.KindUnsupportedFeature, "unsupported flash size %d bytes", sizeBytes)
	}
	return b, nil
}

// EncodeFlashConfig builds the image header's flash_config byte: high
// nibble is the size encoding, low nibble the chip's frequency
// encoding for freqMHz (spec.md §12 item 3).
func EncodeFlashConfig(c Chip, sizeBytes uint64, freqMHz int) (byte, error) {
	sizeNibble, err := EncodeFlashSize(sizeBytes)
	if err != nil {
		return 0, err
	}
	p, err := Get(c)
	if err != nil {
		return 0, err
	}
	freqNibble, ok := p.FlashFrequencyEncodings[freqMHz]
	if !ok {
		return 0, esperrors.New(esperrors.KindUnsupportedFeature, "%v does not support %d MHz flash frequency", c, freqMHz)
	}
	return sizeNibble<<4 | freqNibble, nil
}
