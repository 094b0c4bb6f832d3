package image

import (
	"testing"

	"github.com/cesanta/espflash/chip"
)

// TestBuildEsp8266SingleSegmentWhenNoIrom matches spec.md §8 scenario
// 2: an ELF with only RAM-mapped segments produces exactly one rom
// segment (the common header + RAM image, at address 0).
func TestBuildEsp8266SingleSegmentWhenNoIrom(t *testing.T) {
	elfBytes := buildMinimalELF(0x40100010, []progSpec{
		{addr: 0x40100000, data: []byte("ram only, no irom data here"), flags: 6},
	})
	segs, err := BuildEsp8266(elfBytes, FlashData{Chip: chip.Esp8266})
	if err != nil {
		t.Fatalf("BuildEsp8266: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Addr != 0 {
		t.Errorf("segment addr = %#x, want 0", segs[0].Addr)
	}
	if segs[0].Data[0] != espMagic {
		t.Errorf("first byte = %#02x, want %#02x", segs[0].Data[0], espMagic)
	}
}

func TestBuildEsp8266TwoSegmentsWhenIromPresent(t *testing.T) {
	elfBytes := buildMinimalELF(0x40201000, []progSpec{
		{addr: 0x40200000, data: []byte("irom flash-mapped code"), flags: 5},
		{addr: 0x3ffe8000, data: []byte("ram data"), flags: 6},
	})
	segs, err := BuildEsp8266(elfBytes, FlashData{Chip: chip.Esp8266})
	if err != nil {
		t.Fatalf("BuildEsp8266: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2 (irom + common/RAM)", len(segs))
	}
	if segs[0].Addr != 0 {
		t.Errorf("irom segment addr = %#x, want 0 (0x40200000 - esp8266IromMapStart)", segs[0].Addr)
	}
	if segs[1].Addr != 0 {
		t.Errorf("common/RAM segment addr = %#x, want 0", segs[1].Addr)
	}
}

func TestBuildEsp8266RejectsOtherChips(t *testing.T) {
	elfBytes := buildMinimalELF(0x42000010, []progSpec{
		{addr: 0x42000000, data: []byte("abc"), flags: 5},
	})
	if _, err := BuildEsp8266(elfBytes, FlashData{Chip: chip.Esp32C3}); err == nil {
		t.Fatal("BuildEsp8266(Esp32C3, ...) succeeded, want an error")
	}
}
