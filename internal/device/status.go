package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands written on every poll, status request first. Replies to
// PollCommands are read and discarded.
var (
	StatusCommand = []byte("TSC10173\r\n")
	PollCommands  = [][]byte{
		[]byte("TSC11576\r\n"),
		[]byte("TSC1C105000000000005\r\n"),
	}
)

// StatusFrameSize is the shortest status reply holding every field.
const StatusFrameSize = 42

// Field offsets within a status reply. Every field is ASCII.
const (
	offHW           = 6  // 2 hex digits
	offSW           = 8  // 2 hex digits
	offOpticalRelay = 15 // 1 hex digit, bit 3 is relay 1
	offRelay        = 19 // 1 decimal digit
	offDryContact   = 20 // DryContacts digits
	offTemp         = 40 // 2 hex digits
)

// ParseError reports a status frame that cannot be decoded.
type ParseError struct {
	Field  string
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("status frame: %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseStatus decodes the board's reply to StatusCommand.
func ParseStatus(frame string) (Snapshot, error) {
	var snap Snapshot

	frame = strings.TrimRight(frame, "\r\n\x00")
	if len(frame) < StatusFrameSize {
		return snap, &ParseError{Field: "frame", Offset: len(frame),
			Err: fmt.Errorf("got %d bytes, want at least %d", len(frame), StatusFrameSize)}
	}

	var err error
	if snap.HW, err = field(frame, "hw", offHW, 2, 16); err != nil {
		return snap, err
	}
	if snap.SW, err = field(frame, "sw", offSW, 2, 16); err != nil {
		return snap, err
	}
	if snap.Temp, err = field(frame, "temp", offTemp, 2, 16); err != nil {
		return snap, err
	}
	if snap.Relay, err = field(frame, "relay", offRelay, 1, 10); err != nil {
		return snap, err
	}

	optical, err := field(frame, "optical_relay", offOpticalRelay, 1, 16)
	if err != nil {
		return snap, err
	}
	for i := range snap.OpticalRelay {
		snap.OpticalRelay[i] = (optical >> (OpticalRelays - 1 - i)) & 1
	}

	for i := range snap.DryContact {
		if snap.DryContact[i], err = field(frame, "dry_contact", offDryContact+i, 1, 16); err != nil {
			return snap, err
		}
	}

	return snap, nil
}

func field(frame, name string, offset, width, base int) (int32, error) {
	v, err := strconv.ParseInt(frame[offset:offset+width], base, 32)
	if err != nil {
		return 0, &ParseError{Field: name, Offset: offset, Err: err}
	}
	return int32(v), nil
}
