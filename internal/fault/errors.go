package fault

import (
	"errors"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
)

// Decode failures. Each wraps ErrDecode.
var (
	ErrDecode               = errors.New("fault: decode failed")
	ErrTooShort             = wrapDecode("payload too short")
	ErrMalformedField       = wrapDecode("malformed field")
	ErrInvalidCalendarField = wrapDecode("calendar field out of range")
)

// Retrieval failures.
var (
	// ErrTimeout aliases the device timeout so callers need only one import.
	ErrTimeout = device.ErrTimeout
	// ErrDeviceError is an explicit error marker or keyword in a response.
	ErrDeviceError = errors.New("fault: device reported error")
	// ErrRecordExhausted means every attempt for one index failed.
	ErrRecordExhausted = errors.New("fault: attempts exhausted")
	// ErrRunActive rejects Start while another run is in progress.
	ErrRunActive = errors.New("fault: retrieval already running")
	// ErrNoActiveRun is returned by Pause/Resume/Cancel when idle.
	ErrNoActiveRun = errors.New("fault: no retrieval running")
)

type decodeError struct{ msg string }

func (e *decodeError) Error() string { return "fault: " + e.msg }
func (e *decodeError) Unwrap() error { return ErrDecode }

func wrapDecode(msg string) error { return &decodeError{msg: msg} }
