// Package image implements the ESP-IDF second-stage bootloader image
// builder of spec.md §4.8: it turns an ELF binary plus a FlashData
// configuration into the three rom segments (bootloader, partition
// table, application image) the flasher writes to flash. It
// generalizes mongoose-os's mos/flash/esp32/partitions.go packed-struct
// decode idiom and cli/flash/esp/flasher/flash.go's header-patching
// approach to the full esp-idf application image format, following
// original_source/espflash/src/image_format/idf.rs step for step.
package image

import (
	"crypto/sha256"
	"debug/elf"
	"sort"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/partition"
	"github.com/cesanta/espflash/protocol"
	"github.com/cesanta/espflash/target"
)

const (
	espMagic         byte   = 0xE9
	appDescMagicWord uint32 = 0xABCD5432
	segHeaderLen     uint32 = 8
	wpPinDisabled    byte   = 0xEE
	imageHeaderLen   int    = 24
	irromAlign       uint32 = 0x10000
	appDescriptorLen int    = 256
)

// FlashMode is the esp_image_spi_mode_t read-mode written into an
// image header's flash_mode byte.
type FlashMode byte

const (
	FlashModeQIO FlashMode = iota
	FlashModeQOUT
	FlashModeDIO
	FlashModeDOUT
)

// FlashData is the external configuration surface spec.md §6.5 names.
type FlashData struct {
	Chip                 chip.Chip
	XtalFrequencyMHz     int
	FlashMode            *FlashMode // nil means "keep the bootloader's own mode"
	FlashSizeBytes       uint64
	FlashFrequencyMHz    int // 0 means "use the chip's default"
	MinChipRev           uint16
	TargetPartitionLabel string
	MMUPageSize          uint32 // 0 means "auto-select"

	// Overrides for the otherwise table-selected/default-built inputs.
	Bootloader           []byte
	PartitionTable       *partition.Table
	PartitionTableOffset *uint32
}

// imageHeader is the 24-byte esp_image_header_t, hand-packed the way
// partition.Entry's binary encoding is (no struct tags; explicit byte
// offsets), since debug/elf-style reflection offers nothing for a
// format this small and irregular.
type imageHeader struct {
	SegmentCount   byte
	FlashMode      byte
	FlashConfig    byte
	Entry          uint32
	WpPin          byte
	ClkQDrv        byte
	DCsDrv         byte
	GdWpDrv        byte
	ChipID         uint16
	MinRev         byte
	MinChipRevFull uint16
	MaxChipRevFull uint16
	AppendDigest   byte
}

func decodeHeader(b []byte) (imageHeader, error) {
	if len(b) < imageHeaderLen {
		return imageHeader{}, esperrors.New(esperrors.KindInvalidBootloader, "bootloader shorter than the %d-byte image header", imageHeaderLen)
	}
	if b[0] != espMagic {
		return imageHeader{}, esperrors.New(esperrors.KindInvalidBootloader, "bootloader magic %#02x, want %#02x", b[0], espMagic)
	}
	return imageHeader{
		SegmentCount:   b[1],
		FlashMode:      b[2],
		FlashConfig:    b[3],
		Entry:          le32(b[4:8]),
		WpPin:          b[8],
		ClkQDrv:        b[9],
		DCsDrv:         b[10],
		GdWpDrv:        b[11],
		ChipID:         le16(b[12:14]),
		MinRev:         b[14],
		MinChipRevFull: le16(b[15:17]),
		MaxChipRevFull: le16(b[17:19]),
		AppendDigest:   b[23],
	}, nil
}

func (h imageHeader) encode() []byte {
	b := make([]byte, imageHeaderLen)
	b[0] = espMagic
	b[1] = h.SegmentCount
	b[2] = h.FlashMode
	b[3] = h.FlashConfig
	putLE32(b[4:8], h.Entry)
	b[8] = h.WpPin
	b[9] = h.ClkQDrv
	b[10] = h.DCsDrv
	b[11] = h.GdWpDrv
	putLE16(b[12:14], h.ChipID)
	b[14] = h.MinRev
	putLE16(b[15:17], h.MinChipRevFull)
	putLE16(b[17:19], h.MaxChipRevFull)
	// bytes 19..23 are reserved and stay zero.
	b[23] = h.AppendDigest
	return b
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// segment is the image builder's working representation of an ELF- or
// dummy-derived chunk of bytes destined for a fixed flash (or RAM)
// address, before it is framed with a SegmentHeader and appended to
// the output buffer.
type segment struct {
	addr uint32
	data []byte
}

func (s segment) size() uint32 { return uint32(len(s.data)) }

// Build runs the 13-step algorithm of spec.md §4.8 and returns the
// three ordered rom segments ready for target.Esp32Target.WriteSegment:
// bootloader, partition table, application image.
func Build(elfBytes []byte, fd FlashData) ([]target.Segment, error) {
	params, err := chip.Get(fd.Chip)
	if err != nil {
		return nil, err
	}

	f, err := elf.NewFile(bytesReaderAt(elfBytes))
	if err != nil {
		return nil, esperrors.Wrap(esperrors.KindInvalidElf, err, "parse ELF")
	}

	pt := fd.PartitionTable
	if pt == nil {
		pt, err = partition.Default(fd.Chip, fd.FlashSizeBytes)
		if err != nil {
			return nil, err
		}
	}
	var ptTotal uint64
	for _, e := range pt.Entries {
		ptTotal += uint64(e.Size)
	}
	if fd.FlashSizeBytes != 0 && ptTotal > fd.FlashSizeBytes {
		return nil, esperrors.New(esperrors.KindUnsupportedFeature, "partition table (%d bytes) does not fit in flash size %d", ptTotal, fd.FlashSizeBytes)
	}

	// Step 1: select bootloader.
	bootloader := fd.Bootloader
	if bootloader == nil {
		bootloader, err = defaultBootloader(fd.Chip, fd.XtalFrequencyMHz)
		if err != nil {
			return nil, err
		}
	}

	// Step 2: parse the bootloader header and walk its segments to find
	// its on-disk length.
	bootHeader, err := decodeHeader(bootloader)
	if err != nil {
		return nil, err
	}
	bootLen := imageHeaderLen
	for i := 0; i < int(bootHeader.SegmentCount); i++ {
		if bootLen+8 > len(bootloader) {
			return nil, esperrors.New(esperrors.KindInvalidBootloader, "bootloader segment table runs past end of image")
		}
		segLen := le32(bootloader[bootLen+4 : bootLen+8])
		bootLen += 8 + int(segLen)
	}

	// Step 3: rewrite flash_mode/flash_config.
	if fd.FlashMode != nil {
		bootHeader.FlashMode = byte(*fd.FlashMode)
	}
	freq := fd.FlashFrequencyMHz
	if freq == 0 {
		freq = params.DefaultFlashFrequencyMHz
	}
	flashSize := fd.FlashSizeBytes
	if flashSize == 0 {
		flashSize = 4 << 20
	}
	flashConfig, err := chip.EncodeFlashConfig(fd.Chip, flashSize, freq)
	if err != nil {
		return nil, err
	}
	bootHeader.FlashConfig = flashConfig

	bootloader = append([]byte(nil), bootloader...)
	copy(bootloader[:imageHeaderLen], bootHeader.encode())

	// Step 4: recompute the bootloader's SHA-256. The format reserves
	// its last 32 bytes for the digest, sitting after a 1-byte checksum
	// at the next 16-byte boundary past bootLen.
	shaStart := bootLen + 1
	shaStart += (16 - shaStart%16) % 16
	shaEnd := shaStart + 32
	if shaEnd > len(bootloader) {
		return nil, esperrors.New(esperrors.KindInvalidBootloader, "bootloader too short to hold its SHA-256 trailer")
	}
	hash := sha256.Sum256(bootloader[:shaStart])
	copy(bootloader[shaStart:shaEnd], hash[:])

	// Step 5: build the application image header from the bootloader's
	// settings, with the entry point and chip id swapped in.
	appHeader := bootHeader
	appHeader.Entry = uint32(f.Entry)
	appHeader.WpPin = wpPinDisabled
	appHeader.ChipID = params.ID
	appHeader.MinChipRevFull = fd.MinChipRev
	appHeader.MaxChipRevFull = 0xFFFF
	appHeader.AppendDigest = 1

	data := append([]byte(nil), appHeader.encode()...)

	// Step 6: classify and merge ELF segments.
	flashSegs, ramSegs, err := classifySegments(f, fd.Chip)
	if err != nil {
		return nil, err
	}
	flashSegs = padAlign(mergeAdjacent(flashSegs), 4)
	ramSegs = padAlign(mergeAdjacent(ramSegs), 4)

	// Step 7: bubble the app descriptor segment to the front.
	var appDescAddr uint32
	haveAppDesc := false
	if sec := f.Section(".flash.appdesc"); sec != nil {
		appDescAddr = uint32(sec.Addr)
		pos := -1
		for i, s := range flashSegs {
			if s.addr <= appDescAddr && s.addr+s.size() > appDescAddr {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, esperrors.New(esperrors.KindInvalidElf, ".flash.appdesc section not covered by any flash segment")
		}
		rotated := append([]segment{flashSegs[pos]}, flashSegs[:pos]...)
		flashSegs = append(rotated, flashSegs[pos+1:]...)
		haveAppDesc = true
	}

	validPageSizes := params.ValidMMUPageSizes
	if len(validPageSizes) == 0 {
		validPageSizes = []uint32{irromAlign}
	}

	// Step 8: select the MMU page size.
	var appDescPageSize uint32
	haveAppDescPageSize := false
	if haveAppDesc {
		seg := flashSegs[0]
		offset := int(appDescAddr - seg.addr)
		if offset < 0 || offset+appDescriptorLen > len(seg.data) {
			return nil, esperrors.New(esperrors.KindAppDescriptorMagicWordMismatch, "app descriptor extends past its segment")
		}
		magic := le32(seg.data[offset : offset+4])
		if magic != 0 && magic != appDescMagicWord {
			return nil, esperrors.New(esperrors.KindAppDescriptorMagicWordMismatch, "app descriptor magic_word %#08x, want %#08x", magic, appDescMagicWord)
		}
		mmuPageSizeLog2 := seg.data[offset+4+4+4+4+32+32+16+16+32+32+2+2]
		if mmuPageSizeLog2 != 0 {
			appDescPageSize = 1 << mmuPageSizeLog2
			haveAppDescPageSize = true
		} else {
			addr := appDescAddr - 32
			for i := len(validPageSizes) - 1; i >= 0; i-- {
				if addr%validPageSizes[i] == 0 {
					appDescPageSize = validPageSizes[i]
					haveAppDescPageSize = true
					break
				}
			}
			if !haveAppDescPageSize {
				return nil, esperrors.New(esperrors.KindIncorrectDescriptorAlignment, "app descriptor at %#x is not aligned to any supported MMU page size", addr)
			}
		}
	}

	mmuPageSize := fd.MMUPageSize
	if mmuPageSize == 0 {
		if haveAppDescPageSize {
			mmuPageSize = appDescPageSize
		} else {
			mmuPageSize = irromAlign
		}
	}
	if !containsU32(validPageSizes, mmuPageSize) {
		return nil, esperrors.New(esperrors.KindIncorrectDescriptorAlignment, "MMU page size %#x is not one of the chip's supported sizes", mmuPageSize)
	}

	// Step 9 & 10: emit flash segments (consuming RAM-segment padding),
	// then RAM segments, tracking the checksum and segment count.
	checksum := protocol.ChecksumSeed
	segmentCount := 0

	for _, seg := range flashSegs {
		for {
			padLen := segmentPadding(uint32(len(data)), seg, mmuPageSize)
			if padLen == 0 {
				break
			}
			if padLen > segHeaderLen && len(ramSegs) > 0 {
				head := ramSegs[0]
				take := int(padLen)
				if take > len(head.data) {
					take = len(head.data)
				}
				padSeg := segment{addr: head.addr, data: head.data[:take]}
				ramSegs[0] = segment{addr: head.addr + uint32(take), data: head.data[take:]}
				if len(ramSegs[0].data) == 0 {
					ramSegs = ramSegs[1:]
				}
				checksum = appendSegment(&data, padSeg, checksum)
				segmentCount++
				continue
			}
			data = append(data, segmentHeaderBytes(0, padLen)...)
			data = append(data, make([]byte, padLen)...)
			segmentCount++
			break
		}
		checksum = appendFlashSegment(&data, seg, checksum, mmuPageSize)
		segmentCount++
	}

	for _, seg := range ramSegs {
		checksum = appendSegment(&data, seg, checksum)
		segmentCount++
	}

	// Step 11: seal the image.
	pad := (15 - len(data)%16 + 16) % 16
	data = append(data, make([]byte, pad)...)
	data = append(data, checksum)
	data[1] = byte(segmentCount)
	digest := sha256.Sum256(data)
	data = append(data, digest[:]...)

	// Step 12: bound the image against its target app partition.
	var targetPart *partition.Entry
	if fd.TargetPartitionLabel != "" {
		targetPart, _ = pt.FindByName(fd.TargetPartitionLabel)
		if targetPart == nil {
			return nil, esperrors.New(esperrors.KindAppPartitionNotFound, "no partition named %q", fd.TargetPartitionLabel)
		}
	} else if e, ok := pt.FindByName("factory"); ok {
		targetPart = e
	} else if e := firstAppPartition(pt); e != nil {
		targetPart = e
	} else {
		return nil, esperrors.New(esperrors.KindAppPartitionNotFound, "partition table has no app or factory partition")
	}
	if uint32(len(data)) > targetPart.Size {
		return nil, esperrors.New(esperrors.KindElfTooBig, "application image is %d bytes, target partition %q holds %d", len(data), targetPart.Name, targetPart.Size)
	}

	// Step 13: choose the partition-table offset.
	var ptOffset uint32
	if fd.PartitionTableOffset != nil {
		ptOffset = *fd.PartitionTableOffset
	} else {
		first := pt.Entries[0]
		for _, e := range pt.Entries[1:] {
			if e.Offset < first.Offset {
				first = e
			}
		}
		ptOffset = first.Offset - 0x1000
	}

	ptBytes, err := pt.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return []target.Segment{
		{Addr: params.BootAddress, Data: bootloader},
		{Addr: ptOffset, Data: ptBytes},
		{Addr: targetPart.Offset, Data: data},
	}, nil
}

// firstAppPartition returns the first partition of any App subtype,
// used when no explicit target label is given and the table has no
// partition named "factory" (spec.md §4.8 step 12).
func firstAppPartition(pt *partition.Table) *partition.Entry {
	for i := range pt.Entries {
		if pt.Entries[i].Type == partition.TypeApp {
			return &pt.Entries[i]
		}
	}
	return nil
}

func containsU32(s []uint32, v uint32) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// classifySegments walks the ELF's PT_LOAD program headers (per the
// §6.2 contract: nonzero file size, (address, bytes) pairs) and splits
// them into flash-mapped and RAM-mapped groups per chip.FlashRanges.
func classifySegments(f *elf.File, c chip.Chip) (flash, ram []segment, err error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		buf := make([]byte, p.Filesz)
		if _, err := p.ReadAt(buf, 0); err != nil {
			return nil, nil, esperrors.Wrap(esperrors.KindInvalidElf, err, "read ELF program header data")
		}
		seg := segment{addr: uint32(p.Paddr), data: buf}
		if c.IsFlashAddress(seg.addr) {
			flash = append(flash, seg)
		} else {
			ram = append(ram, seg)
		}
	}
	return flash, ram, nil
}

// mergeAdjacent merges segments that are exactly contiguous, or that
// can be made contiguous by inserting up to 3 bytes of zero padding
// (the maximum slack 4-byte alignment allows), per spec.md §4.8 step 6.
func mergeAdjacent(segs []segment) []segment {
	sorted := append([]segment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].addr < sorted[j].addr })

	var merged []segment
	for _, s := range sorted {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			lastEnd := last.addr + last.size()
			if lastEnd == s.addr {
				last.data = append(last.data, s.data...)
				continue
			}
			maxPadding := (4 - lastEnd%4) % 4
			if lastEnd+maxPadding >= s.addr {
				gap := s.addr - lastEnd
				last.data = append(last.data, make([]byte, gap)...)
				last.data = append(last.data, s.data...)
				continue
			}
		}
		merged = append(merged, segment{addr: s.addr, data: append([]byte(nil), s.data...)})
	}
	return merged
}

func padAlign(segs []segment, align int) []segment {
	for i := range segs {
		pad := (align - len(segs[i].data)%align) % align
		if pad > 0 {
			segs[i].data = append(segs[i].data, make([]byte, pad)...)
		}
	}
	return segs
}

// segmentPadding computes how many bytes must precede seg's header so
// that, once the header is written, buffer_offset % align_to ==
// seg.addr % align_to (spec.md §4.8 step 9).
func segmentPadding(offset uint32, seg segment, alignTo uint32) uint32 {
	alignPast := (seg.addr - segHeaderLen) % alignTo
	padLen := ((alignTo - offset%alignTo) + alignPast) % alignTo
	switch {
	case padLen == 0:
		return 0
	case padLen > segHeaderLen:
		return padLen - segHeaderLen
	default:
		return padLen + alignTo - segHeaderLen
	}
}

func segmentHeaderBytes(addr, length uint32) []byte {
	b := make([]byte, 8)
	putLE32(b[0:4], addr)
	putLE32(b[4:8], length)
	return b
}

// appendSegment writes seg's header and body (padded to 4 bytes) to
// data and folds seg's original bytes into the running checksum.
func appendSegment(data *[]byte, seg segment, checksum byte) byte {
	pad := (4 - seg.size()%4) % 4
	*data = append(*data, segmentHeaderBytes(seg.addr, seg.size()+pad)...)
	*data = append(*data, seg.data...)
	*data = append(*data, make([]byte, pad)...)
	return protocol.Checksum(seg.data, checksum)
}

// appendFlashSegment applies the 0x24-byte tail-boundary workaround
// (spec.md §4.8 step 9, second paragraph) before delegating to
// appendSegment.
func appendFlashSegment(data *[]byte, seg segment, checksum byte, mmuPageSize uint32) byte {
	endPos := uint32(len(*data)) + seg.size() + segHeaderLen
	remainder := endPos % mmuPageSize
	if remainder < 0x24 {
		seg.data = append(append([]byte(nil), seg.data...), make([]byte, 0x24-remainder)...)
	}
	return appendSegment(data, seg, checksum)
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, esperrors.New(esperrors.KindInvalidElf, "read past end of ELF bytes")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, esperrors.New(esperrors.KindInvalidElf, "short ELF read")
	}
	return n, nil
}
