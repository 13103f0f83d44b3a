package codec

import "strconv"

// Status is the numeric result carried by a chat_result frame.
type Status int

const (
	// StatusUnknown is used when the status attribute is missing or
	// unparseable, and for posts whose acknowledgment never arrived.
	StatusUnknown Status = -1

	StatusSuccess        Status = 0
	StatusFailure        Status = 1 // duplicate text or posting too fast
	StatusInvalidThread  Status = 2
	StatusInvalidTicket  Status = 3
	StatusInvalidPostKey Status = 4
	StatusLocked         Status = 5
	StatusReadOnly       Status = 6
	StatusTooLong        Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusInvalidThread:
		return "invalid_thread"
	case StatusInvalidTicket:
		return "invalid_ticket"
	case StatusInvalidPostKey:
		return "invalid_postkey"
	case StatusLocked:
		return "locked"
	case StatusReadOnly:
		return "readonly"
	case StatusTooLong:
		return "too_long"
	default:
		return "status_" + strconv.Itoa(int(s))
	}
}

// FailureFamily groups statuses by the recovery they call for.
type FailureFamily int

const (
	// FamilyNone is the family of StatusSuccess.
	FamilyNone FailureFamily = iota
	// FamilyRejected covers duplicate-text and rate-limit rejections. The
	// generic retry path (content perturbation, long cooldown after
	// repeated failures) handles them.
	FamilyRejected
	// FamilyPostKey means the cached postkey must be discarded.
	FamilyPostKey
	// FamilyUnknown is every other failure.
	FamilyUnknown
)

func (f FailureFamily) String() string {
	switch f {
	case FamilyNone:
		return "none"
	case FamilyRejected:
		return "rejected"
	case FamilyPostKey:
		return "postkey"
	default:
		return "unknown"
	}
}

// Family classifies the status.
func (s Status) Family() FailureFamily {
	switch s {
	case StatusSuccess:
		return FamilyNone
	case StatusFailure:
		return FamilyRejected
	case StatusInvalidPostKey:
		return FamilyPostKey
	default:
		return FamilyUnknown
	}
}

// OK reports whether the status is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}
