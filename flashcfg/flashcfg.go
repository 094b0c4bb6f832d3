// Package flashcfg models the configuration surface spec.md §6.5
// describes as "consumed from external collaborators": the small set
// of knobs a caller (a CLI flag, a build manifest, an IDE plugin) can
// hand the flasher before it ever talks to a chip. It mirrors
// mongoose-os's flashParams: a plain struct plus a hand-rolled parser
// over a short comma-separated token string, not a general
// config-file format. See DESIGN.md for why no third-party
// flags/config library sits in CORE.
package flashcfg

import (
	"strconv"
	"strings"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/image"
	"github.com/cesanta/espflash/partition"
)

// FlashConfig is every external input spec.md §6.5 names. Zero value
// means "let the builder pick chip defaults" for every field.
type FlashConfig struct {
	// Bootloader, if non-nil, replaces the built-in bootloader image.
	Bootloader []byte

	// PartitionTable, if non-nil, replaces the default partition
	// table. It may be the 0xC00-byte binary form or CSV text;
	// ParsePartitionTable sniffs which.
	PartitionTable []byte

	// FlashMode is one of qio/qout/dio/dout; HasFlashMode false means
	// "keep the bootloader's own mode" (spec.md default: dio).
	FlashMode    image.FlashMode
	HasFlashMode bool

	// FlashSizeBytes is 0 until set; ParseString's default is 4 MB.
	FlashSizeBytes uint64

	// FlashFrequencyMHz is 0 until set, meaning "use the chip's
	// default" (image.FlashData already treats 0 this way).
	FlashFrequencyMHz int

	// MinimumChipRevision is major*100+minor, 0 meaning "no gate".
	MinimumChipRevision int

	// TargetPartitionLabel names the app partition to flash into; ""
	// means "the partition named factory, else the first app partition
	// in table order".
	TargetPartitionLabel string
}

var flashModeByToken = map[string]image.FlashMode{
	"qio":  image.FlashModeQIO,
	"qout": image.FlashModeQOUT,
	"dio":  image.FlashModeDIO,
	"dout": image.FlashModeDOUT,
}

var flashSizeByToken = map[string]uint64{
	"256KB": 256 << 10,
	"512KB": 512 << 10,
	"1MB":   1 << 20,
	"2MB":   2 << 20,
	"4MB":   4 << 20,
	"8MB":   8 << 20,
	"16MB":  16 << 20,
	"32MB":  32 << 20,
	"64MB":  64 << 20,
	"128MB": 128 << 20,
	"256MB": 256 << 20,
}

const defaultFlashSizeToken = "4MB"

// ParseString fills in Mode/Size/Frequency from a comma-separated
// token string, in the style of mongoose-os's flashParams.ParseString:
// each token is classified by which enumerated set it belongs to, so
// tokens may appear in any order and any may be omitted. An empty
// string is valid and leaves every field at its default.
//
//	dio,40,4MB
//	qout,,16MB
//	,26
func (fc *FlashConfig) ParseString(c chip.Chip, s string) error {
	params, err := chip.Get(c)
	if err != nil {
		return err
	}

	sawSize := false
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch {
		case isFlashModeToken(tok):
			fc.FlashMode = flashModeByToken[strings.ToLower(tok)]
			fc.HasFlashMode = true
		case isFlashSizeToken(tok):
			fc.FlashSizeBytes = flashSizeByToken[strings.ToUpper(tok)]
			sawSize = true
		default:
			freq, err := parseFlashFrequencyToken(tok)
			if err != nil {
				return esperrors.Wrap(esperrors.KindUnsupportedFeature, err, "invalid flash param token %q", tok)
			}
			if _, ok := params.FlashFrequencyEncodings[freq]; !ok {
				return esperrors.New(esperrors.KindUnsupportedFeature, "%d MHz is not a legal flash frequency for %v", freq, c)
			}
			fc.FlashFrequencyMHz = freq
		}
	}
	if !sawSize && fc.FlashSizeBytes == 0 {
		fc.FlashSizeBytes = flashSizeByToken[defaultFlashSizeToken]
	}
	return nil
}

func isFlashModeToken(tok string) bool {
	_, ok := flashModeByToken[strings.ToLower(tok)]
	return ok
}

func isFlashSizeToken(tok string) bool {
	_, ok := flashSizeByToken[strings.ToUpper(tok)]
	return ok
}

// parseFlashFrequencyToken accepts a bare integer or an esptool-style
// "40m" suffix.
func parseFlashFrequencyToken(tok string) (int, error) {
	tok = strings.TrimSuffix(strings.ToLower(tok), "m")
	return strconv.Atoi(tok)
}

// ParsePartitionTable sniffs whether raw is the binary (0xAA50
// magic-prefixed) or CSV form of a partition table and parses
// accordingly, per spec.md §6.3.
func ParsePartitionTable(raw []byte) (*partition.Table, error) {
	if len(raw) >= 2 && uint16(raw[0])|uint16(raw[1])<<8 == partition.Magic {
		return partition.ParseBinary(raw)
	}
	return partition.ParseCSV(string(raw))
}

// ToFlashData folds the external configuration into an
// image.FlashData ready for image.Build/image.BuildEsp8266, layering
// it on top of whatever the caller already populated (chip, ELF
// segments, xtal frequency autodetected from the connection).
func (fc *FlashConfig) ToFlashData(fd *image.FlashData) error {
	if fc.Bootloader != nil {
		fd.Bootloader = fc.Bootloader
	}
	if fc.PartitionTable != nil {
		pt, err := ParsePartitionTable(fc.PartitionTable)
		if err != nil {
			return esperrors.Wrap(esperrors.KindUnsupportedFeature, err, "parse partition table override")
		}
		fd.PartitionTable = pt
	}
	if fc.HasFlashMode {
		mode := fc.FlashMode
		fd.FlashMode = &mode
	}
	if fc.FlashSizeBytes != 0 {
		fd.FlashSizeBytes = fc.FlashSizeBytes
	}
	if fc.FlashFrequencyMHz != 0 {
		fd.FlashFrequencyMHz = fc.FlashFrequencyMHz
	}
	if fc.MinimumChipRevision != 0 {
		fd.MinChipRev = uint16(fc.MinimumChipRevision)
	}
	if fc.TargetPartitionLabel != "" {
		fd.TargetPartitionLabel = fc.TargetPartitionLabel
	}
	return nil
}
