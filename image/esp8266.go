package image

import (
	"debug/elf"
	"sort"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/protocol"
	"github.com/cesanta/espflash/target"
)

// espCommonHeaderLen is the ESP8266 plain image header: magic,
// segment_count, flash_mode, flash_config, entry (u32) — 8 bytes, no
// extended fields.
const espCommonHeaderLen = 8

const esp8266IromMapStart uint32 = 0x40200000

// BuildEsp8266 implements the older, simpler ESP8266 image format
// (spec.md §8 scenario 2): a single merged IROM blob plus one RAM
// image containing the common header and every non-IROM segment.
// Grounded on
// original_source/espflash/src/image_format/esp8266.rs, whose
// Esp8266Format::new this mirrors directly (no app descriptor, no
// bootloader/partition table — ESP8266 has neither).
func BuildEsp8266(elfBytes []byte, fd FlashData) ([]target.Segment, error) {
	if fd.Chip != chip.Esp8266 {
		return nil, esperrors.New(esperrors.KindUnsupportedFeature, "BuildEsp8266 only supports chip.Esp8266, got %v", fd.Chip)
	}
	f, err := elf.NewFile(bytesReaderAt(elfBytes))
	if err != nil {
		return nil, esperrors.Wrap(esperrors.KindInvalidElf, err, "parse ELF")
	}

	flashSegs, ramSegs, err := classifySegments(f, fd.Chip)
	if err != nil {
		return nil, err
	}
	sort.Slice(flashSegs, func(i, j int) bool { return flashSegs[i].addr < flashSegs[j].addr })
	sort.Slice(ramSegs, func(i, j int) bool { return ramSegs[i].addr < ramSegs[j].addr })

	flashMode := FlashModeDIO
	if fd.FlashMode != nil {
		flashMode = *fd.FlashMode
	}
	flashSize := fd.FlashSizeBytes
	if flashSize == 0 {
		flashSize = 4 << 20
	}
	freq := fd.FlashFrequencyMHz
	if freq == 0 {
		freq = 40
	}
	flashConfig, err := chip.EncodeFlashConfig(fd.Chip, flashSize, freq)
	if err != nil {
		return nil, err
	}

	common := make([]byte, espCommonHeaderLen)
	common[0] = espMagic
	common[1] = byte(len(ramSegs))
	common[2] = byte(flashMode)
	common[3] = flashConfig
	putLE32(common[4:8], uint32(f.Entry))

	checksum := protocol.ChecksumSeed
	for _, seg := range ramSegs {
		checksum = appendSegment(&common, seg, checksum)
	}

	pad := (15 - len(common)%16 + 16) % 16
	common = append(common, make([]byte, pad)...)
	common = append(common, checksum)

	segs := []target.Segment{}
	if irom := mergeRomSegments(flashSegs); irom != nil {
		segs = append(segs, target.Segment{Addr: irom.addr - esp8266IromMapStart, Data: irom.data})
	}
	segs = append(segs, target.Segment{Addr: 0, Data: common})
	return segs, nil
}

// mergeRomSegments concatenates every flash (IROM) segment into one
// contiguous blob with zero-filled gaps, addressed relative to the
// first segment's start — the ESP8266 ships IROM as a plain binary
// mapped directly into the 0x40200000 cache window.
func mergeRomSegments(segs []segment) *segment {
	if len(segs) == 0 {
		return nil
	}
	first := segs[0]
	data := append([]byte(nil), first.data...)
	for _, s := range segs[1:] {
		gap := int(s.addr-first.addr) - len(data)
		if gap > 0 {
			data = append(data, make([]byte, gap)...)
		}
		data = append(data, s.data...)
	}
	return &segment{addr: first.addr, data: data}
}
