package reset

import (
	"testing"

	"github.com/cesanta/espflash/protocol"
)

type fakeLines struct {
	events []string
}

func (f *fakeLines) SetDTR(dtr bool) error {
	if dtr {
		f.events = append(f.events, "DTR=1")
	} else {
		f.events = append(f.events, "DTR=0")
	}
	return nil
}

func (f *fakeLines) SetRTS(rts bool) error {
	if rts {
		f.events = append(f.events, "RTS=1")
	} else {
		f.events = append(f.events, "RTS=0")
	}
	return nil
}

func TestClassicResetSequence(t *testing.T) {
	f := &fakeLines{}
	if err := ClassicReset{}.ToggleLines(f); err != nil {
		t.Fatalf("ToggleLines: %v", err)
	}
	want := []string{"RTS=1", "DTR=0", "RTS=0", "DTR=1", "DTR=0"}
	if len(f.events) != len(want) {
		t.Fatalf("events = %v, want %v", f.events, want)
	}
	for i := range want {
		if f.events[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, f.events[i], want[i])
		}
	}
}

func TestHardResetSequence(t *testing.T) {
	f := &fakeLines{}
	if err := (HardReset{}).ToggleLines(f); err != nil {
		t.Fatalf("ToggleLines: %v", err)
	}
	want := []string{"RTS=1", "RTS=0"}
	if len(f.events) != len(want) {
		t.Fatalf("events = %v, want %v", f.events, want)
	}
}

func TestUsbJtagSerialResetEndsLow(t *testing.T) {
	f := &fakeLines{}
	if err := (UsbJtagSerialReset{}).ToggleLines(f); err != nil {
		t.Fatalf("ToggleLines: %v", err)
	}
	last2 := f.events[len(f.events)-2:]
	if last2[0] != "RTS=0" || last2[1] != "DTR=0" {
		t.Fatalf("expected sequence to end RTS=0,DTR=0, got %v", last2)
	}
}

func TestSelectStrategyUsesUsbJtagSerialForMatchingPID(t *testing.T) {
	s := SelectStrategy(USBSerialJTAGPID, "/dev/ttyACM0")
	if _, ok := s.(UsbJtagSerialReset); !ok {
		t.Fatalf("SelectStrategy(0x1001) = %T, want UsbJtagSerialReset", s)
	}
}

func TestSelectStrategyDefaultsToUnixTight(t *testing.T) {
	s := SelectStrategy(0x6001, "/dev/ttyUSB0")
	ut, ok := s.(UnixTightReset)
	if !ok {
		t.Fatalf("SelectStrategy(0x6001) = %T, want UnixTightReset", s)
	}
	if ut.DevicePath != "/dev/ttyUSB0" {
		t.Fatalf("DevicePath = %q, want /dev/ttyUSB0", ut.DevicePath)
	}
}

type fakeSender struct {
	sent []protocol.CommandType
}

func (f *fakeSender) Command(cmd protocol.Command) (*protocol.Response, error) {
	f.sent = append(f.sent, cmd.Type())
	return &protocol.Response{Status: 0}, nil
}

func TestSoftResetSendsMemBeginThenMemEnd(t *testing.T) {
	f := &fakeSender{}
	if err := SoftReset(f, 0x40000080, true); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}
	if len(f.sent) != 2 || f.sent[0] != protocol.MemBegin || f.sent[1] != protocol.MemEnd {
		t.Fatalf("sent = %v, want [MemBegin MemEnd]", f.sent)
	}
}
