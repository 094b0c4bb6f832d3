// Command espflash drives the connect/build/write pipeline of
// spec.md end to end against a real serial port: open the port,
// synchronize with the ROM bootloader (optionally via the RAM stub),
// build an application image from an ELF input, and write it to
// flash. Flag parsing is deliberately minimal (stdlib flag, one verb,
// no subcommands/help generation) per the explicit Non-goal on CLI
// argument parsing; everything past flag.Parse belongs to the CORE
// packages.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"

	"github.com/cesanta/espflash/chip"
	"github.com/cesanta/espflash/connection"
	"github.com/cesanta/espflash/flasher"
	"github.com/cesanta/espflash/flashcfg"
	"github.com/cesanta/espflash/image"
	"github.com/cesanta/espflash/report"
	"github.com/cesanta/espflash/reset"
	"github.com/cesanta/espflash/target"
)

var (
	port        = flag.String("port", "", "Serial port the device is connected to (required)")
	baudRate    = flag.Int("baud", 460800, "Baud rate to switch to once synced; 115200 or below skips the change")
	romBaudRate = flag.Int("rom-baud", 115200, "Baud rate used for the initial ROM sync")
	chipFlag    = flag.String("chip", "auto", "Expected chip (auto, esp32, esp32c3, esp32s2, esp32s3, esp8266, ...); mismatches abort")
	useStub     = flag.Bool("stub", true, "Upload the RAM stub before flashing")
	noReset     = flag.Bool("no-reset", false, "Skip the reset-before-sync step; assumes the device is already in download mode")
	noSync      = flag.Bool("no-reset-no-sync", false, "Skip reset and sync entirely; assumes the stub is already running")
	reboot      = flag.Bool("reboot", true, "Reset the device into the application after flashing")
	verify      = flag.Bool("verify", false, "Read back and MD5-verify every segment after writing")
	encrypted   = flag.Bool("encrypted", false, "Mark written segments as pre-encrypted (skips the stub's own encryption)")
	skipMatch   = flag.Bool("skip-if-matching", true, "Skip segments whose flash content already matches (MD5 dedup)")
	ramOnly     = flag.Bool("ram", false, "Load the ELF into RAM and run it instead of writing flash")

	flashParamsStr = flag.String("flash-params", "", "Comma-separated flash mode/frequency/size tokens, e.g. dio,40m,4MB")
	bootloaderPath = flag.String("bootloader", "", "Path to a bootloader image overriding the built-in default")
	partTablePath  = flag.String("partition-table", "", "Path to a partition table (binary or CSV) overriding the default")
	minChipRev     = flag.Int("min-chip-rev", 0, "Minimum chip revision required, as major*100+minor")
	targetPart     = flag.String("target-partition", "", "App partition label to flash into (default: factory, else first app partition)")
)

func chipByName(name string) (chip.Chip, bool) {
	switch name {
	case "esp32":
		return chip.Esp32, true
	case "esp32c2":
		return chip.Esp32C2, true
	case "esp32c3":
		return chip.Esp32C3, true
	case "esp32c5":
		return chip.Esp32C5, true
	case "esp32c6":
		return chip.Esp32C6, true
	case "esp32h2":
		return chip.Esp32H2, true
	case "esp32p4":
		return chip.Esp32P4, true
	case "esp32s2":
		return chip.Esp32S2, true
	case "esp32s3":
		return chip.Esp32S3, true
	case "esp8266":
		return chip.Esp8266, true
	default:
		return 0, false
	}
}

func main() {
	flag.Parse()
	defer glog.Flush()

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *port == "" {
		return fmt.Errorf("-port is required")
	}
	if flag.NArg() != 1 {
		return fmt.Errorf("expected exactly one ELF file argument, got %d", flag.NArg())
	}
	elfPath := flag.Arg(0)

	elfBytes, err := ioutil.ReadFile(elfPath)
	if err != nil {
		return err
	}

	requestedChip, hasRequestedChip := chip.Chip(0), false
	if *chipFlag != "" && *chipFlag != "auto" {
		c, ok := chipByName(*chipFlag)
		if !ok {
			return fmt.Errorf("unknown -chip %q", *chipFlag)
		}
		requestedChip, hasRequestedChip = c, true
	}

	sp, err := serial.Open(*port, &serial.Mode{BaudRate: *romBaudRate})
	if err != nil {
		return err
	}
	defer sp.Close()

	before := reset.ModeDefault
	if *noSync {
		before = reset.ModeNoResetNoSync
	} else if *noReset {
		before = reset.ModeNoReset
	}
	after := reset.ModeDefault
	if !*reboot {
		after = reset.ModeNoReset
	}

	usbPID, _ := reset.DetectUSBPID()

	conn := connection.New(sp, usbPID, *port, before, after)
	f := flasher.New(conn)

	report.Reportf("Connecting to %s...", *port)
	connectOpts := flasher.ConnectOptions{
		RequestedChip:    requestedChip,
		HasRequestedChip: hasRequestedChip,
		UseStub:          *useStub,
		BaudRate:         uint32(*baudRate),
	}
	if err := f.Connect(connectOpts); err != nil {
		return err
	}
	report.Reportf("Connected, chip is %v (stub=%v)", f.Chip, f.Stub)

	if *minChipRev != 0 {
		if err := f.VerifyMinimumRevision(*minChipRev); err != nil {
			return err
		}
	}

	if *ramOnly {
		report.Reportf("Loading %s into RAM...", elfPath)
		return f.LoadElfToRam(elfBytes, progressReporter{})
	}

	var fc flashcfg.FlashConfig
	if err := fc.ParseString(f.Chip, *flashParamsStr); err != nil {
		return err
	}
	if *bootloaderPath != "" {
		fc.Bootloader, err = ioutil.ReadFile(*bootloaderPath)
		if err != nil {
			return err
		}
	}
	if *partTablePath != "" {
		fc.PartitionTable, err = ioutil.ReadFile(*partTablePath)
		if err != nil {
			return err
		}
	}
	fc.MinimumChipRevision = *minChipRev
	fc.TargetPartitionLabel = *targetPart

	var fd image.FlashData
	if err := fc.ToFlashData(&fd); err != nil {
		return err
	}

	flashOpts := flasher.FlashOptions{
		SkipIfMatching: *skipMatch,
		Verify:         *verify,
		Encrypted:      *encrypted,
		Reboot:         *reboot,
	}

	report.Reportf("Building image and writing flash...")
	start := time.Now()
	if err := f.LoadElfToFlash(elfBytes, fd, flashOpts, progressReporter{}); err != nil {
		return err
	}
	report.Reportf("Done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// progressReporter feeds target.Progress callbacks into report.Reportf,
// mirroring mongoose-os's console progress dots but at segment
// granularity rather than per-block.
type progressReporter struct{}

func (progressReporter) Init(addr uint32, totalSize int) {
	report.Reportf("  0x%08x: %d bytes", addr, totalSize)
}

func (progressReporter) Update(written int) {}

func (progressReporter) Finish() {}

var _ target.Progress = progressReporter{}
