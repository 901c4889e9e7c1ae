package policy

import "fmt"

// Reason classifies why the gate refused to admit a connection or an
// event, surfaced to the device as a NAK code (spec.md §7 "Policy-level").
type Reason int

const (
	// ReasonInactive means the device's active flag is false.
	ReasonInactive Reason = iota
	// ReasonRateLimit means the per-minute connection ceiling was hit.
	ReasonRateLimit
	// ReasonQuota means the absolute connection ceiling was hit.
	ReasonQuota
	// ReasonEventQuota means the per-interval event ceiling was hit.
	ReasonEventQuota
)

func (r Reason) String() string {
	switch r {
	case ReasonInactive:
		return "device inactive"
	case ReasonRateLimit:
		return "rate limit exceeded"
	case ReasonQuota:
		return "quota exceeded"
	case ReasonEventQuota:
		return "event quota exceeded"
	default:
		return "unknown policy reason"
	}
}

// Error reports a rejected admission or event-insert attempt.
type Error struct {
	Reason   Reason
	DeviceID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("policy: %s: %s", e.DeviceID, e.Reason)
}
