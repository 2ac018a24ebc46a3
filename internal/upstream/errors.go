package upstream

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrAuthFailed indicates the vendor rejected the CRAM reply. Fatal to
	// the stream; never retried.
	ErrAuthFailed = errors.New("vendor authentication failed")

	// ErrAttemptsExhausted indicates a correctable error persisted past the
	// retry cap.
	ErrAttemptsExhausted = errors.New("vendor retry attempts exhausted")
)

// StartTimeError is the vendor's correctable rejection of a subscription
// start time. Earliest is the vendor-suggested replacement.
type StartTimeError struct {
	Earliest time.Time
}

func (e *StartTimeError) Error() string {
	return fmt.Sprintf("invalid start time, must be %s or later", e.Earliest.Format(time.RFC3339))
}

// RangeError is the vendor's 422 rejection of a historical range whose end
// lies beyond availability. AvailableEnd is the suggested clamp, epoch ms.
type RangeError struct {
	Message      string
	AvailableEnd int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("historical range rejected: %s (available_end=%d)", e.Message, e.AvailableEnd)
}

// invalidStartPattern matches the vendor's start-time rejection, e.g.
// "Invalid start time. Must be 2024-06-10T12:00:00+00:00 or later".
var invalidStartPattern = regexp.MustCompile(`^Invalid start time\. Must be (.+) or later$`)

// parseStartTimeError recognizes the correctable start-time rejection in a
// vendor error message. Returns nil when the message is something else.
func parseStartTimeError(message string) *StartTimeError {
	m := invalidStartPattern.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	earliest, err := time.Parse(time.RFC3339, m[1])
	if err != nil {
		return nil
	}
	return &StartTimeError{Earliest: earliest}
}
