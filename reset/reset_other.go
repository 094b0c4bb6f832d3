//go:build !unix

package reset

// ToggleLines on non-unix platforms (Windows) has no portable atomic
// ioctl equivalent available through this module's dependency set, so
// it always falls back to the two-syscall ClassicReset sequence.
func (r UnixTightReset) ToggleLines(lines Lines) error {
	return ClassicReset{ExtraDelayMs: r.ExtraDelayMs}.ToggleLines(lines)
}
