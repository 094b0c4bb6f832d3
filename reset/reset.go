// Package reset implements the DTR/RTS line-toggling and
// stub-soft-reset strategies of spec.md §4.4. It generalizes the
// mongoose-os's ad hoc reset sequence embedded in mos/flash/esp/rom_client
// (a single hard-coded Classic-style sequence) into the full strategy
// set the device family needs, selected the way mos/flash/common/usb.go
// enumerates USB devices to decide which one applies.
package reset

import (
	"time"

	"github.com/golang/glog"

	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/protocol"
)

// Lines is the DTR/RTS control surface every reset strategy drives.
// go.bug.st/serial.Port satisfies it directly.
type Lines interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// CommandSender is the narrow slice of Connection that SoftReset
// needs: write one command and get its response back.
type CommandSender interface {
	Command(cmd protocol.Command) (*protocol.Response, error)
}

// Mode selects how aggressively a Connection resets before/after an
// operation (spec.md §4.3/§4.4).
type Mode int

const (
	// ModeDefault runs a reset strategy then syncs.
	ModeDefault Mode = iota
	// ModeNoReset skips the line-toggling step but still syncs.
	ModeNoReset
	// ModeNoResetNoSync skips both; the caller asserts the target is
	// already in a known state (e.g. the stub is already running).
	ModeNoResetNoSync
)

// LineStrategy is a reset mechanism implemented purely by toggling
// DTR/RTS in a device-specific pattern.
type LineStrategy interface {
	ToggleLines(lines Lines) error
}

func sleepMs(ms int) { time.Sleep(time.Duration(ms) * time.Millisecond) }

// ClassicReset is the default two-phase sequence: hold EN low via RTS
// (RTS=1, DTR=0), then release EN while asserting DTR (RTS=0, DTR=1),
// then drop DTR. ExtraDelayMs accounts for
// slow USB-to-serial adapters that need longer settling time.
type ClassicReset struct {
	ExtraDelayMs int
}

func (r ClassicReset) ToggleLines(lines Lines) error {
	if err := lines.SetRTS(true); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "classic reset: RTS")
	}
	if err := lines.SetDTR(false); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "classic reset: DTR")
	}
	sleepMs(100 + r.ExtraDelayMs)
	if err := lines.SetRTS(false); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "classic reset: RTS")
	}
	if err := lines.SetDTR(true); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "classic reset: DTR")
	}
	sleepMs(50 + r.ExtraDelayMs)
	return lines.SetDTR(false)
}

// UnixTightReset is ClassicReset's logical sequence but sets both
// lines with a single ioctl where the platform supports it, to avoid
// a race window a two-syscall sequence leaves open. Its ToggleLines
// is defined per platform: reset_unix.go uses the ioctl, and
// reset_other.go runs ClassicReset on builds without it.
type UnixTightReset struct {
	DevicePath   string
	ExtraDelayMs int
}

// HardReset is the runtime reboot sequence: pulse RTS (tied to EN)
// without touching IO0/DTR at all.
type HardReset struct{}

func (HardReset) ToggleLines(lines Lines) error {
	if err := lines.SetRTS(true); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "hard reset: RTS")
	}
	sleepMs(100)
	return lines.SetRTS(false)
}

// UsbJtagSerialReset drives the on-chip USB-Serial/JTAG peripheral's
// documented download-mode entry sequence, used instead of the
// classic DTR/RTS dance on chips whose native USB transport doesn't
// wire DTR/RTS through an external auto-reset circuit.
type UsbJtagSerialReset struct{}

func (UsbJtagSerialReset) ToggleLines(lines Lines) error {
	steps := []struct {
		rts, dtr bool
	}{
		{false, false},
		{false, true},
		{true, false},
	}
	for _, s := range steps {
		if err := lines.SetRTS(s.rts); err != nil {
			return esperrors.Wrap(esperrors.KindSerial, err, "usb-jtag-serial reset: RTS")
		}
		if err := lines.SetDTR(s.dtr); err != nil {
			return esperrors.Wrap(esperrors.KindSerial, err, "usb-jtag-serial reset: DTR")
		}
		sleepMs(100)
	}
	if err := lines.SetRTS(true); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "usb-jtag-serial reset: RTS")
	}
	sleepMs(100)
	if err := lines.SetRTS(false); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "usb-jtag-serial reset: RTS")
	}
	return lines.SetDTR(false)
}

// USBSerialJTAGPID is the USB product ID that identifies the chip's
// built-in USB-Serial/JTAG peripheral, used to pick UsbJtagSerialReset
// over the DTR/RTS-based strategies (spec.md §4.4 "Strategy
// selection").
const USBSerialJTAGPID = 0x1001

// SoftReset runs the stub/ROM-side soft reset: a zero-size MemBegin
// followed by MemEnd targeting the chip's own soft-reset address, with
// no_entry set when the caller wants to remain in the bootloader
// rather than jump to user code.
func SoftReset(sender CommandSender, romSoftResetAddr uint32, stayInBootloader bool) error {
	begin := &protocol.BeginCommand{CmdType: protocol.MemBegin}
	if _, err := sender.Command(begin); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "soft reset: MemBegin")
	}
	end := &protocol.MemEndCommand{NoEntry: stayInBootloader, Entry: romSoftResetAddr}
	if _, err := sender.Command(end); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "soft reset: MemEnd")
	}
	glog.V(1).Infof("soft reset issued (stay_in_bootloader=%v)", stayInBootloader)
	return nil
}

// SelectStrategy picks the line-toggling strategy for a device,
// per spec.md §4.4: USB-Serial/JTAG devices (identified by PID) always
// use UsbJtagSerialReset; everything else prefers the tight unix reset
// (falling back internally to ClassicReset when the ioctl fails or the
// platform doesn't support it).
func SelectStrategy(usbPID uint16, devicePath string) LineStrategy {
	if usbPID == USBSerialJTAGPID {
		return UsbJtagSerialReset{}
	}
	return UnixTightReset{DevicePath: devicePath}
}
