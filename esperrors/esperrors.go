// Package esperrors defines the typed error taxonomy shared by every
// CORE package: framing, transport, ROM/stub protocol and image-build
// failures all surface as a *Error carrying a Kind, so callers can
// branch with errors.As instead of matching strings.
package esperrors

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind classifies an Error per the table in spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindSerial
	KindTimeout
	KindFramingError
	KindOversizedPacket
	KindConnectionFailed
	KindNoSyncReply
	KindWrongBootMode
	KindChipDetectError
	KindChipMismatch
	KindRomError
	KindInvalidElf
	KindElfNotRamLoadable
	KindElfTooBig
	KindInvalidBootloader
	KindAppPartitionNotFound
	KindAppDescriptorMagicWordMismatch
	KindIncorrectDescriptorAlignment
	KindUnsupportedFeature
	KindVerifyFailed
	KindDigestMismatch
	KindInvalidStubHandshake
	KindUnsupportedChipRevision
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTimeout:
		return "timeout"
	case KindFramingError:
		return "framing_error"
	case KindOversizedPacket:
		return "oversized_packet"
	case KindConnectionFailed:
		return "connection_failed"
	case KindNoSyncReply:
		return "no_sync_reply"
	case KindWrongBootMode:
		return "wrong_boot_mode"
	case KindChipDetectError:
		return "chip_detect_error"
	case KindChipMismatch:
		return "chip_mismatch"
	case KindRomError:
		return "rom_error"
	case KindInvalidElf:
		return "invalid_elf"
	case KindElfNotRamLoadable:
		return "elf_not_ram_loadable"
	case KindElfTooBig:
		return "elf_too_big"
	case KindInvalidBootloader:
		return "invalid_bootloader"
	case KindAppPartitionNotFound:
		return "app_partition_not_found"
	case KindAppDescriptorMagicWordMismatch:
		return "app_descriptor_magic_word_mismatch"
	case KindIncorrectDescriptorAlignment:
		return "incorrect_descriptor_alignment"
	case KindUnsupportedFeature:
		return "unsupported_feature"
	case KindVerifyFailed:
		return "verify_failed"
	case KindDigestMismatch:
		return "digest_mismatch"
	case KindInvalidStubHandshake:
		return "invalid_stub_handshake"
	case KindUnsupportedChipRevision:
		return "unsupported_chip_revision"
	default:
		return "unknown"
	}
}

// Error is the concrete type every CORE package returns for a
// classified failure. Command carries the originating CommandType for
// Timeout/RomError diagnostics (spec §7, "zero-cost context adapter").
type Error struct {
	Kind    Kind
	Command string
	Cause   error
}

func (e *Error) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Command, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind, tracing the cause through
// juju/errors so ErrorStack remains available up the call chain.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: errors.Errorf(format, args...)}
}

// Wrap annotates cause with kind and message, tracing it via
// juju/errors.Annotatef the way every mongoose-os call site does.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: errors.Annotatef(cause, format, args...)}
}

// WithCommand attaches the originating command name for diagnostics.
func (e *Error) WithCommand(cmd string) *Error {
	e.Command = cmd
	return e
}

// Is allows errors.Is(err, esperrors.Sentinel(esperrors.KindTimeout))
// style checks by comparing Kind through a sentinel wrapper.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinel returns a zero-cause Error usable as an errors.Is target,
// e.g. errors.Is(err, esperrors.Sentinel(esperrors.KindTimeout)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
