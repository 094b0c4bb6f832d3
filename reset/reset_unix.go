//go:build unix

package reset

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/cesanta/espflash/esperrors"
)

// ToggleLines sets DTR and RTS with a single TIOCMSET ioctl against
// the raw device node, rather than the two SetDTR/SetRTS calls
// ClassicReset issues, to close the race window a badly-timed context
// switch between the two calls can open. It opens the device path
// independently of the already-open serial.Port — both file
// descriptors refer to the same tty and ioctl(TIOCMSET) affects the
// line state regardless of which one issued it.
func (r UnixTightReset) ToggleLines(lines Lines) error {
	if err := r.atomicSet(false, true); err != nil { // RTS=1 (EN low), DTR=0
		return ClassicReset{ExtraDelayMs: r.ExtraDelayMs}.ToggleLines(lines)
	}
	sleepMs(100 + r.ExtraDelayMs)
	if err := r.atomicSet(true, false); err != nil { // RTS=0, DTR=1 (IO0 high)
		return ClassicReset{ExtraDelayMs: r.ExtraDelayMs}.ToggleLines(lines)
	}
	sleepMs(50 + r.ExtraDelayMs)
	if err := r.atomicSet(false, false); err != nil {
		return ClassicReset{ExtraDelayMs: r.ExtraDelayMs}.ToggleLines(lines)
	}
	return nil
}

func (r UnixTightReset) atomicSet(dtr, rts bool) error {
	f, err := os.OpenFile(r.DevicePath, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "open %s for ioctl", r.DevicePath)
	}
	defer f.Close()

	fd := int(f.Fd())
	bits, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "TIOCMGET")
	}
	bits &^= unix.TIOCM_DTR | unix.TIOCM_RTS
	if dtr {
		bits |= unix.TIOCM_DTR
	}
	if rts {
		bits |= unix.TIOCM_RTS
	}
	if err := unix.IoctlSetInt(fd, unix.TIOCMSET, bits); err != nil {
		return esperrors.Wrap(esperrors.KindSerial, err, "TIOCMSET")
	}
	return nil
}
