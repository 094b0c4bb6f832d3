//go:build no_libudev

package reset

// DetectUSBPID is unavailable in builds that exclude libusb/libudev
// (go build -tags no_libudev); callers fall back to treating the
// device as PID-less (PID 0).
func DetectUSBPID() (pid uint16, ok bool) {
	return 0, false
}
