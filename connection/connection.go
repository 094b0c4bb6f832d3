// Package connection owns the serial transport: sync handshake, the
// reset-attempt loop, boot-banner classification, and the
// write-command/poll-for-matching-response cycle every higher layer
// runs through. It generalizes mongoose-os's
// mos/flash/esp/rom_client.go (a single device, single reset sequence,
// no banner classification) to the full strategy set of
// reset.SelectStrategy and the ROM/stub command set of protocol.Command.
package connection

import (
	"regexp"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"

	"github.com/cesanta/espflash/esperrors"
	"github.com/cesanta/espflash/protocol"
	"github.com/cesanta/espflash/reset"
	"github.com/cesanta/espflash/slip"
)

const (
	maxConnectAttempts = 7
	maxSyncAttempts    = 5
	maxResponsePolls   = 100
	postResetDrain     = 10 * time.Millisecond
)

var bootBannerPattern = regexp.MustCompile(`boot:(0x[0-9a-fA-F]+)(.*waiting for download)?`)

// crashBannerPatterns are boot-time failure signatures that mean the
// chip is not going to answer Sync no matter how many times we retry
// within this attempt; surfacing them immediately saves the caller the
// full maxConnectAttempts budget (SPEC_FULL.md §12 item 5).
var crashBannerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Guru Meditation Error`),
	regexp.MustCompile(`rst:0x[0-9a-fA-F]+\s*\(.*WDT`),
	regexp.MustCompile(`abort\(\)`),
	regexp.MustCompile(`assert failed`),
}

// Banner is the classification of whatever bytes the device printed
// after a reset, before anything was synced.
type Banner struct {
	BootMode     string
	DownloadMode bool
	Crashed      bool
	Raw          string
}

func classifyBanner(raw string) Banner {
	b := Banner{Raw: raw}
	if m := bootBannerPattern.FindStringSubmatch(raw); m != nil {
		b.BootMode = m[1]
		b.DownloadMode = m[2] != ""
	}
	for _, p := range crashBannerPatterns {
		if p.MatchString(raw) {
			b.Crashed = true
			break
		}
	}
	return b
}

// Lines is satisfied by go.bug.st/serial.Port; connection only needs
// the DTR/RTS control surface reset.Lines names plus the byte stream.
type Lines interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// Port is the transport Connection drives: reset.Lines plus the
// io.ReadWriter and timeout/baud controls go.bug.st/serial.Port
// exposes. Scoped down from the full serial.Port interface so fakes in
// tests don't need to implement methods this package never calls.
type Port interface {
	Lines
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	SetMode(mode *serial.Mode) error
	ResetInputBuffer() error
	Close() error
}

// Connection owns one open serial port and mediates every byte that
// crosses it: SLIP (de)framing, reset strategies, and the
// request/response command cycle of spec.md §4.3.
type Connection struct {
	Port           Port
	UsbPID         uint16
	DevicePath     string
	Before         reset.Mode
	After          reset.Mode
	decoder        *slip.Decoder
	readBuf        []byte
	timeout        time.Duration
}

// New wraps an already-open port. The caller is responsible for
// configuring baud/parity via Port.SetMode before Begin runs Sync.
func New(port Port, usbPID uint16, devicePath string, before, after reset.Mode) *Connection {
	return &Connection{
		Port:       port,
		UsbPID:     usbPID,
		DevicePath: devicePath,
		Before:     before,
		After:      after,
		decoder:    slip.NewDecoder(0),
		timeout:    3 * time.Second,
	}
}

// Begin runs the reset-attempt loop of spec.md §4.3: up to
// maxConnectAttempts resets, each followed by up to maxSyncAttempts
// Sync probes. Every attempt uses the one strategy returned by
// reset.SelectStrategy; Begin does not switch to another strategy
// between attempts (UnixTightReset's own fallback to ClassicReset
// when its ioctl fails is the only change of sequence).
func (c *Connection) Begin() error {
	if c.Before == reset.ModeNoResetNoSync {
		return nil
	}

	strategy := reset.SelectStrategy(c.UsbPID, c.DevicePath)
	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		banner, err := c.connectAttempt(strategy)
		if err == nil {
			return nil
		}
		lastErr = err
		if banner.Crashed {
			return esperrors.New(esperrors.KindWrongBootMode, "device crashed during boot: %s", banner.Raw)
		}
		if banner.BootMode != "" && !banner.DownloadMode {
			return esperrors.New(esperrors.KindWrongBootMode, "boot mode %s (not download mode)", banner.BootMode)
		}
		glog.V(1).Infof("connect attempt %d failed: %v, retrying", attempt, err)
	}
	return esperrors.Wrap(esperrors.KindConnectionFailed, lastErr, "no sync reply after %d attempts", maxConnectAttempts)
}

func (c *Connection) connectAttempt(strategy reset.LineStrategy) (Banner, error) {
	var banner Banner
	if c.Before != reset.ModeNoReset {
		if err := strategy.ToggleLines(c.Port); err != nil {
			return banner, esperrors.Wrap(esperrors.KindSerial, err, "reset")
		}
		banner = classifyBanner(c.drainBanner())
	}

	for i := 0; i < maxSyncAttempts; i++ {
		c.Port.ResetInputBuffer()
		if err := c.sync(); err == nil {
			return banner, nil
		}
	}
	return banner, esperrors.New(esperrors.KindNoSyncReply, "no sync reply")
}

// drainBanner reads whatever bytes are sitting in the input buffer
// right after a reset and returns them as text; bytes outside
// 0x09..0x7F (non-ASCII and most control bytes) are dropped rather
// than failing the read, since boot banners are ASCII
// and any garbage preceding sync noise is not meaningful here.
func (c *Connection) drainBanner() string {
	buf := make([]byte, 4096)
	n, _ := c.Port.Read(buf)
	if n <= 0 {
		return ""
	}
	clean := make([]rune, 0, n)
	for _, b := range buf[:n] {
		if b >= 0x09 && b < 0x80 {
			clean = append(clean, rune(b))
		}
	}
	return string(clean)
}

func (c *Connection) sync() error {
	return c.WithTimeout(protocol.Sync.Timeout(), func() error {
		if err := c.writeCommand(protocol.SyncCommand{}); err != nil {
			return err
		}
		time.Sleep(postResetDrain)
		for i := 0; i < maxConnectAttempts*20; i++ {
			resp, err := c.readResponse()
			if err != nil {
				return err
			}
			if resp == nil {
				continue
			}
			if resp.OpcodeEcho != protocol.Sync {
				continue
			}
			if !resp.Success() {
				return esperrors.New(esperrors.KindRomError, "sync: rom error kind %d", resp.ErrorKind)
			}
			return nil
		}
		return esperrors.New(esperrors.KindNoSyncReply, "sync: no matching reply")
	})
}

// Command writes one command and polls up to maxResponsePolls times
// for a response whose echoed opcode matches it, discarding any stray
// banner/retransmit bytes in between (spec.md §4.3).
func (c *Connection) Command(cmd protocol.Command) (*protocol.Response, error) {
	ty := cmd.Type()
	if err := c.writeCommand(cmd); err != nil {
		return nil, esperrors.Wrap(esperrors.KindSerial, err, "write %s", ty)
	}

	for i := 0; i < maxResponsePolls; i++ {
		resp, err := c.readResponse()
		if err != nil {
			if to, ok := err.(*esperrors.Error); ok && to.Kind == esperrors.KindTimeout {
				return nil, to.WithCommand(ty.String())
			}
			return nil, err
		}
		if resp == nil || resp.OpcodeEcho != ty {
			continue
		}
		if !resp.Success() {
			return nil, esperrors.New(esperrors.KindRomError, "rom error kind %d", resp.ErrorKind).WithCommand(ty.String())
		}
		return resp, nil
	}
	return nil, esperrors.New(esperrors.KindConnectionFailed, "no matching response").WithCommand(ty.String())
}

// ReadReg is a thin wrapper around Command for ReadReg.
func (c *Connection) ReadReg(addr uint32) (uint32, error) {
	var value uint32
	err := c.WithTimeout(protocol.ReadReg.Timeout(), func() error {
		resp, err := c.Command(&protocol.ReadRegCommand{Address: addr})
		if err != nil {
			return err
		}
		value = resp.Value
		return nil
	})
	return value, err
}

// WriteReg is a thin wrapper around Command for WriteReg.
func (c *Connection) WriteReg(addr, value uint32, mask *uint32) error {
	return c.WithTimeout(protocol.WriteReg.Timeout(), func() error {
		_, err := c.Command(&protocol.WriteRegCommand{Address: addr, Value: value, Mask: mask})
		return err
	})
}

// WithTimeout temporarily overrides the transport read timeout for
// the duration of fn, restoring the previous value on every exit path
// (spec.md §4.3).
func (c *Connection) WithTimeout(timeout time.Duration, fn func() error) error {
	old := c.timeout
	c.timeout = timeout
	if err := c.Port.SetReadTimeout(timeout); err != nil {
		c.timeout = old
		return esperrors.Wrap(esperrors.KindSerial, err, "set read timeout")
	}
	defer func() {
		c.timeout = old
		c.Port.SetReadTimeout(old)
	}()
	return fn()
}

// ResetAfter runs the configured post-operation strategy. SoftReset is
// a command-based reboot (useful when a physical toggle would also
// disturb lines the host doesn't want touched); HardReset toggles RTS
// the way the runtime bootloader expects.
func (c *Connection) ResetAfter(isStub bool, romSoftResetAddr uint32) error {
	switch c.After {
	case reset.ModeNoResetNoSync:
		return nil
	case reset.ModeNoReset:
		return reset.SoftReset(c, romSoftResetAddr, true)
	default:
		return (reset.HardReset{}).ToggleLines(c.Port)
	}
}

func (c *Connection) writeCommand(cmd protocol.Command) error {
	glog.V(2).Infof("writing command %s", cmd.Type())
	c.Port.ResetInputBuffer()
	frame := slip.Encode(protocol.Encode(cmd))
	_, err := c.Port.Write(frame)
	return err
}

// readResponse takes the next full SLIP frame (reading the port at
// most once, up to the current timeout) and parses it as a
// protocol.Response. A read that times out or fails returns a
// KindTimeout error; it returns (nil, nil) when bytes arrived but no
// complete frame is buffered yet, which callers use as the basis for
// a "no response yet" poll cycle.
func (c *Connection) readResponse() (*protocol.Response, error) {
	frame, err, ok := c.readFrame()
	if !ok || err != nil {
		return nil, err
	}
	return protocol.ParseResponse(frame)
}

// readFrame returns the next full SLIP frame's decoded bytes unparsed,
// reading the port at most once (up to the current timeout). A read
// that times out or fails returns ok true with a KindTimeout error; ok
// is false when bytes arrived but no complete frame is buffered yet.
func (c *Connection) readFrame() (frame []byte, err error, ok bool) {
	if frame, err, ok = c.decoder.ReadFrame(); ok {
		return frame, err, true
	}

	buf := make([]byte, 256)
	n, rerr := c.Port.Read(buf)
	if rerr != nil {
		return nil, esperrors.Wrap(esperrors.KindTimeout, rerr, "read"), true
	}
	if n == 0 {
		return nil, esperrors.New(esperrors.KindTimeout, "read timed out"), true
	}
	c.decoder.Write(buf[:n])
	return c.decoder.ReadFrame()
}

// ReadRawFrame blocks for the next full SLIP frame without interpreting
// it as a protocol.Response, for streaming commands like ReadFlash
// whose data frames don't follow the status-trailer convention
// ParseResponse expects.
func (c *Connection) ReadRawFrame() ([]byte, error) {
	for {
		frame, err, ok := c.readFrame()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}
	}
}

// WriteRawFrame SLIP-encodes and writes an arbitrary payload, used by
// ReadFlash's flow-control acknowledgements (the stub expects the
// cumulative received byte count after each block, framed the same as
// every other write on this transport).
func (c *Connection) WriteRawFrame(payload []byte) error {
	_, err := c.Port.Write(slip.Encode(payload))
	return err
}

// Close releases the underlying port.
func (c *Connection) Close() error { return c.Port.Close() }
