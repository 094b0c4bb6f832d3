// Package partition implements the ESP-IDF partition table of
// spec.md §4.9/§6.3: binary packed records, CSV parsing/serialization,
// a default table per chip, and the uniqueness/overlap/alignment
// invariants a parsed table must satisfy. It generalizes mongoose-os's
// mos/flash/esp32/partitions.go (read-only, single-partition lookup
// inside a firmware bundle) into a full read/write/validate table
// type.
package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/esperrors"
)

// Magic is the little-endian uint16 esp-idf's esp_partition_info_t
// expects at the start of every 32-byte record (on-wire bytes 0xAA,
// 0x50), ported from mongoose-os's ESPPartitionMagic constant.
const Magic uint16 = 0x50AA

const (
	recordSize = 32
	tableSize  = 0xC00
	appAlign   = 0x10000
)

// Type/SubType values this package names explicitly; callers may use
// any other byte value for vendor-specific partitions.
const (
	TypeApp  uint8 = 0x00
	TypeData uint8 = 0x01

	SubTypeFactory uint8 = 0x00
	SubTypeOTA0    uint8 = 0x10
	SubTypeNVS     uint8 = 0x02
	SubTypePhy     uint8 = 0x01
	SubTypeSpiffs  uint8 = 0x82
	SubTypeFat     uint8 = 0x81
)

// Flags bit for an encrypted partition (CSV "encrypted" flag).
const FlagEncrypted uint32 = 1 << 0

// Entry is one partition table record.
type Entry struct {
	Type    uint8
	SubType uint8
	Offset  uint32
	Size    uint32
	Name    string
	Flags   uint32
}

func (e Entry) isApp() bool { return e.Type == TypeApp }

// Table is an ordered partition list plus the invariants it must
// satisfy once parsed (spec.md §4.9: app alignment, no overlap, unique
// names, at least one app partition).
type Table struct {
	Entries []Entry
}

// Default builds the conventional three-partition table spec.md §4.9
// names: nvs, phy_init, and a factory app partition sized to the
// lesser of (flash_size - app_addr) and 16 MiB.
func Default(c chip.Chip, flashSizeBytes uint64) (*Table, error) {
	if _, err := chip.Get(c); err != nil {
		return nil, err
	}
	// Factory offset is the conventional fixed 0x10000 (after bootloader +
	// partition table + nvs + phy_init), not a function of BootAddress:
	// BootAddress varies per chip (0x1000 on Esp32, 0x0 on Esp32C3, ...) but
	// the app partition's position in the table layout doesn't.
	const appAddr = 0x10000
	const maxAppSize = 16 << 20
	appSize := flashSizeBytes - uint64(appAddr)
	if appSize > maxAppSize {
		appSize = maxAppSize
	}
	t := &Table{Entries: []Entry{
		{Type: TypeData, SubType: SubTypeNVS, Offset: 0x9000, Size: 0x6000, Name: "nvs"},
		{Type: TypeData, SubType: SubTypePhy, Offset: 0xF000, Size: 0x1000, Name: "phy_init"},
		{Type: TypeApp, SubType: SubTypeFactory, Offset: appAddr, Size: uint32(appSize), Name: "factory"},
	}}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FindByName returns the first entry with the given name.
func (t *Table) FindByName(name string) (*Entry, bool) {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i], true
		}
	}
	return nil, false
}

// FindByType returns every entry matching (type, subtype).
func (t *Table) FindByType(typ, subtype uint8) []Entry {
	var out []Entry
	for _, e := range t.Entries {
		if e.Type == typ && e.SubType == subtype {
			out = append(out, e)
		}
	}
	return out
}

// Validate enforces spec.md §4.9's invariants: app partitions aligned
// to 0x10000, no overlap, unique names (data/spiffs and data/fat may
// repeat), and at least one app partition.
func (t *Table) Validate() error {
	seen := map[string]bool{}
	haveApp := false
	for _, e := range t.Entries {
		if e.isApp() {
			haveApp = true
			if e.Offset%appAlign != 0 {
				return esperrors.New(esperrors.KindUnsupportedFeature, "app partition %q at 0x%x is not aligned to 0x%x", e.Name, e.Offset, appAlign)
			}
		}
		if !allowsDuplicateName(e) {
			if seen[e.Name] {
				return esperrors.New(esperrors.KindUnsupportedFeature, "duplicate partition name %q", e.Name)
			}
			seen[e.Name] = true
		}
	}
	if !haveApp {
		return esperrors.New(esperrors.KindUnsupportedFeature, "partition table has no app partition")
	}
	for i := range t.Entries {
		for j := range t.Entries {
			if i == j {
				continue
			}
			a, b := t.Entries[i], t.Entries[j]
			if overlaps(a, b) {
				return esperrors.New(esperrors.KindUnsupportedFeature, "partitions %q and %q overlap", a.Name, b.Name)
			}
		}
	}
	return nil
}

func allowsDuplicateName(e Entry) bool {
	return e.Type == TypeData && (e.SubType == SubTypeSpiffs || e.SubType == SubTypeFat)
}

func overlaps(a, b Entry) bool {
	aEnd := uint64(a.Offset) + uint64(a.Size)
	bEnd := uint64(b.Offset) + uint64(b.Size)
	return uint64(a.Offset) < bEnd && uint64(b.Offset) < aEnd
}

// MarshalBinary packs the table into the 0xC00-byte on-flash form:
// one 32-byte record per entry, a 32-byte MD5 terminator record, and
// 0xFF padding to fill the remaining bytes.
func (t *Table) MarshalBinary() ([]byte, error) {
	var records bytes.Buffer
	for _, e := range t.Entries {
		rec, err := encodeRecord(e)
		if err != nil {
			return nil, err
		}
		records.Write(rec)
	}

	out := make([]byte, tableSize)
	for i := range out {
		out[i] = 0xFF
	}
	if records.Len()+recordSize > tableSize {
		return nil, esperrors.New(esperrors.KindUnsupportedFeature, "partition table has too many entries to fit in 0x%x bytes", tableSize)
	}
	copy(out, records.Bytes())

	term := make([]byte, recordSize)
	term[0] = 0xEB
	term[1] = 0xEB
	for i := 2; i < 16; i++ {
		term[i] = 0xFF
	}
	sum := md5.Sum(records.Bytes())
	copy(term[16:], sum[:])
	copy(out[records.Len():], term)

	return out, nil
}

func encodeRecord(e Entry) ([]byte, error) {
	if len(e.Name) > 16 {
		return nil, esperrors.New(esperrors.KindUnsupportedFeature, "partition name %q longer than 16 bytes", e.Name)
	}
	rec := make([]byte, recordSize)
	binary.LittleEndian.PutUint16(rec[0:2], Magic)
	rec[2] = e.Type
	rec[3] = e.SubType
	binary.LittleEndian.PutUint32(rec[4:8], e.Offset)
	binary.LittleEndian.PutUint32(rec[8:12], e.Size)
	copy(rec[12:28], e.Name)
	binary.LittleEndian.PutUint32(rec[28:32], e.Flags)
	return rec, nil
}

// ParseBinary decodes a 0xC00-byte partition table image back into a
// Table, stopping at the first record whose magic doesn't match
// (either the MD5 terminator or trailing 0xFF padding).
func ParseBinary(data []byte) (*Table, error) {
	t := &Table{}
	for off := 0; off+recordSize <= len(data); off += recordSize {
		rec := data[off : off+recordSize]
		magic := binary.LittleEndian.Uint16(rec[0:2])
		if magic != Magic {
			break
		}
		name := strings.TrimRight(string(rec[12:28]), "\x00")
		t.Entries = append(t.Entries, Entry{
			Type:    rec[2],
			SubType: rec[3],
			Offset:  binary.LittleEndian.Uint32(rec[4:8]),
			Size:    binary.LittleEndian.Uint32(rec[8:12]),
			Name:    name,
			Flags:   binary.LittleEndian.Uint32(rec[28:32]),
		})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseCSV parses the esp-idf partition CSV format of spec.md §6.3:
// `Name,Type,SubType,Offset,Size,Flags`, `#`-introduced comments,
// blank lines ignored, offsets auto-incrementing from the previous
// entry's end when left blank, and K/M size suffixes.
func ParseCSV(text string) (*Table, error) {
	t := &Table{}
	r := csv.NewReader(strings.NewReader(text))
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var nextOffset uint32
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, esperrors.Wrap(esperrors.KindUnsupportedFeature, err, "parse partition CSV")
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 5 {
			return nil, esperrors.New(esperrors.KindUnsupportedFeature, "malformed partition CSV row: %v", fields)
		}
		typ, err := parseTypeOrSubtype(fields[1], true)
		if err != nil {
			return nil, err
		}
		subtype, err := parseTypeOrSubtype(fields[2], false)
		if err != nil {
			return nil, err
		}
		offset := nextOffset
		if fields[3] != "" {
			v, err := parseSizeField(fields[3])
			if err != nil {
				return nil, err
			}
			offset = uint32(v)
		} else {
			offset = alignOffset(offset, typ)
		}
		size, err := parseSizeField(fields[4])
		if err != nil {
			return nil, err
		}
		var flags uint32
		if len(fields) > 5 && strings.Contains(fields[5], "encrypted") {
			flags |= FlagEncrypted
		}
		t.Entries = append(t.Entries, Entry{
			Type:    typ,
			SubType: subtype,
			Offset:  offset,
			Size:    uint32(size),
			Name:    fields[0],
			Flags:   flags,
		})
		nextOffset = offset + uint32(size)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func alignOffset(off uint32, typ uint8) uint32 {
	if typ != TypeApp {
		return off
	}
	if off%appAlign == 0 {
		return off
	}
	return (off/appAlign + 1) * appAlign
}

func parseTypeOrSubtype(s string, isType bool) (uint8, error) {
	switch strings.ToLower(s) {
	case "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	case "factory":
		return SubTypeFactory, nil
	case "ota_0":
		return SubTypeOTA0, nil
	case "nvs":
		return SubTypeNVS, nil
	case "phy":
		return SubTypePhy, nil
	case "spiffs":
		return SubTypeSpiffs, nil
	case "fat":
		return SubTypeFat, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), hexOrDecBase(s), 8)
	if err != nil {
		kind := "subtype"
		if isType {
			kind = "type"
		}
		return 0, esperrors.Wrap(esperrors.KindUnsupportedFeature, err, "invalid partition %s %q", kind, s)
	}
	return uint8(v), nil
}

func hexOrDecBase(s string) int {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 16
	}
	return 10
}

// parseSizeField accepts plain decimal/hex integers and K/M-suffixed
// sizes (e.g. "24K", "4M").
func parseSizeField(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, esperrors.New(esperrors.KindUnsupportedFeature, "empty size/offset field")
	}
	mult := uint64(1)
	last := s[len(s)-1]
	switch last {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), hexOrDecBase(s), 64)
	if err != nil {
		return 0, esperrors.Wrap(esperrors.KindUnsupportedFeature, err, "invalid size/offset %q", s)
	}
	return v * mult, nil
}

// EncodeCSV is the symmetric encoder (binary/in-memory table → CSV),
// a diagnostic supplement to spec §6.3's CSV parser
// (SPEC_FULL.md §12 item 6).
func (t *Table) EncodeCSV() string {
	var b strings.Builder
	b.WriteString("# Name,Type,SubType,Offset,Size,Flags\n")
	w := csv.NewWriter(&b)
	for _, e := range t.Entries {
		flags := ""
		if e.Flags&FlagEncrypted != 0 {
			flags = "encrypted"
		}
		w.Write([]string{
			e.Name,
			typeName(e.Type),
			subtypeName(e.Type, e.SubType),
			fmt.Sprintf("0x%x", e.Offset),
			fmt.Sprintf("0x%x", e.Size),
			flags,
		})
	}
	w.Flush()
	return b.String()
}

func typeName(t uint8) string {
	if t == TypeApp {
		return "app"
	}
	return "data"
}

func subtypeName(typ, subtype uint8) string {
	switch {
	case typ == TypeApp && subtype == SubTypeFactory:
		return "factory"
	case typ == TypeApp && subtype == SubTypeOTA0:
		return "ota_0"
	case typ == TypeData && subtype == SubTypeNVS:
		return "nvs"
	case typ == TypeData && subtype == SubTypePhy:
		return "phy"
	case typ == TypeData && subtype == SubTypeSpiffs:
		return "spiffs"
	case typ == TypeData && subtype == SubTypeFat:
		return "fat"
	default:
		return fmt.Sprintf("0x%02x", subtype)
	}
}
