package agreement

import (
	"errors"
	"fmt"
)

// Status is the lifecycle position of an agreement. The zero value is
// StatusUninitialized, which is what a freshly allocated (all-zero) record
// decodes to.
type Status uint8

const (
	StatusUninitialized Status = iota
	StatusActive
	StatusCompleted
	StatusTerminated
)

// ErrUnknownStatus is returned when a status byte is outside the known set.
var ErrUnknownStatus = errors.New("agreement: unknown status")

// ParseStatus validates a raw status byte.
func ParseStatus(b uint8) (Status, error) {
	switch s := Status(b); s {
	case StatusUninitialized, StatusActive, StatusCompleted, StatusTerminated:
		return s, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, b)
	}
}

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// Staying Active (a non-final payment) counts as a permitted transition.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusUninitialized:
		return next == StatusActive
	case StatusActive:
		return next == StatusActive || next == StatusCompleted || next == StatusTerminated
	case StatusCompleted, StatusTerminated:
		return false
	default:
		return false
	}
}
