//go:build !no_libudev

package reset

import (
	"github.com/golang/glog"
	"github.com/google/gousb"
)

// EspressifVendorID is the USB vendor ID Espressif's native
// USB-Serial/JTAG controllers and USB-to-UART bridges enumerate
// under, used to recognize a UsbJtagSerialReset-capable device.
const EspressifVendorID gousb.ID = 0x303A

// DetectUSBPID enumerates USB devices looking for one carrying
// EspressifVendorID and returns its product ID for SelectStrategy.
// Ground truth would correlate a specific serial device node to its
// USB device via sysfs/udev; that's out of scope here (boards rarely
// have two Espressif devices attached at once, so "first match" gives
// the same answer in practice). Returns ok=false if none is found or
// enumeration itself fails (e.g. no libusb backend available).
func DetectUSBPID() (pid uint16, ok bool) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		if dd.Vendor == EspressifVendorID && !ok {
			pid, ok = uint16(dd.Product), true
		}
		return false
	})
	if err != nil {
		glog.V(1).Infof("USB enumeration error (ignored): %v", err)
	}
	for _, d := range devs {
		d.Close()
	}
	return pid, ok
}
