package calls

import "strings"

// Status is the lifecycle value reported by the call provider and stored as last_status.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus maps a provider string onto a known Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusInitiated, StatusRinging, StatusConnected, StatusCompleted, StatusFailed:
		return st, true
	default:
		return "", false
	}
}

// Rank orders statuses along the progression. The empty status ranks 0.
func (s Status) Rank() int {
	switch s {
	case StatusInitiated:
		return 1
	case StatusRinging:
		return 2
	case StatusConnected:
		return 3
	case StatusCompleted:
		return 4
	case StatusFailed:
		return 5
	default:
		return 0
	}
}

// IsTerminal reports whether polling stops at s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvance is the monotonic transition rule.
//
// Terminal statuses absorb. Failed is reachable from every non-terminal status.
// Otherwise the rank must strictly increase; a poll may skip intermediate
// statuses it never observed, but it may never go back or repeat.
func CanAdvance(from, to Status) bool {
	if to.Rank() == 0 || from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.Rank() > from.Rank()
}
